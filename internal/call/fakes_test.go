package call

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeRelay routes envelopes between fakeChannels the way the relay server
// does: sender_identity is stamped and delivery is asynchronous but ordered
// per receiver. Messages to unknown identities are dropped.
type fakeRelay struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	rooms    map[string][]string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		channels: make(map[string]*fakeChannel),
		rooms:    make(map[string][]string),
	}
}

func (r *fakeRelay) channel(t *testing.T, identity string) *fakeChannel {
	ch := &fakeChannel{
		relay:    r,
		identity: identity,
		inbox:    newMailbox(),
		handlers: make(map[int]func(ChannelEvent)),
	}
	ch.connected.Store(true)
	go ch.inbox.run()
	t.Cleanup(ch.inbox.close)

	r.mu.Lock()
	r.channels[identity] = ch
	r.mu.Unlock()
	return ch
}

func (r *fakeRelay) deliver(identity string, event models.Event, payload any) {
	r.mu.Lock()
	ch := r.channels[identity]
	r.mu.Unlock()
	if ch == nil || !ch.Connected() {
		return
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	ch.inbox.post(func() { ch.publish(ChannelEvent{Kind: ChannelMessage, Message: env}) })
}

func (r *fakeRelay) route(sender string, env models.Envelope) {
	switch env.Event {
	case models.EventCallInvite:
		var m models.CallInvite
		mustDecode(env, &m)
		r.mu.Lock()
		r.rooms[m.Room] = []string{sender, m.TargetIdentity}
		r.mu.Unlock()
		r.deliver(m.TargetIdentity, models.EventIncomingCall, models.IncomingCall{
			CallerIdentity: sender,
			CallerSID:      "sid-" + sender,
			SuggestedRoom:  m.Room,
			CallerName:     m.CallerName,
			SenderIdentity: sender,
		})
	case models.EventAcceptCall:
		var m models.AcceptCall
		mustDecode(env, &m)
		m.SenderIdentity = sender
		r.deliver(m.CallerIdentity, models.EventAcceptCall, m)
	case models.EventRejectCall:
		var m models.RejectCall
		mustDecode(env, &m)
		m.SenderIdentity = sender
		r.deliver(m.CallerIdentity, models.EventCallRejected, m)
	case models.EventUserBusy:
		var m models.UserBusy
		mustDecode(env, &m)
		m.SenderIdentity = sender
		r.deliver(m.TargetIdentity, models.EventUserBusy, m)
	case models.EventSignal:
		var m models.Signal
		mustDecode(env, &m)
		m.SenderIdentity = sender
		r.deliver(m.ReceiverIdentity, models.EventSignal, m)
	case models.EventEndCall:
		var m models.CallEnded
		mustDecode(env, &m)
		m.SenderIdentity = sender
		r.mu.Lock()
		parties := r.rooms[m.Room]
		r.mu.Unlock()
		for _, p := range parties {
			if p != sender {
				r.deliver(p, models.EventCallEnded, m)
			}
		}
	}
}

func mustDecode(env models.Envelope, v any) {
	if err := json.Unmarshal(env.Data, v); err != nil {
		panic(err)
	}
}

// fakeChannel is a SignalingChannel attached to a fakeRelay.
type fakeChannel struct {
	relay     *fakeRelay
	identity  string
	connected atomic.Bool
	inbox     *mailbox

	mu       sync.Mutex
	handlers map[int]func(ChannelEvent)
	nextID   int
	sent     []models.Envelope
}

func (c *fakeChannel) Emit(event models.Event, payload any) error {
	if !c.Connected() {
		return ErrChannelUnavailable
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()

	c.relay.route(c.identity, env)
	return nil
}

func (c *fakeChannel) Subscribe(handler func(ChannelEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Connected() bool { return c.connected.Load() }

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) publish(ev ChannelEvent) {
	c.mu.Lock()
	var handlers []func(ChannelEvent)
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *fakeChannel) setConnected(connected bool) {
	c.connected.Store(connected)
	kind := ChannelDisconnected
	if connected {
		kind = ChannelConnected
	}
	c.publish(ChannelEvent{Kind: kind})
}

// inject hands a message to subscribers as if the relay had sent it.
func (c *fakeChannel) inject(event models.Event, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	c.publish(ChannelEvent{Kind: ChannelMessage, Message: env})
}

func (c *fakeChannel) count(event models.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeChannel) sentTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) signals(typ models.SignalType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent {
		if env.Event != models.EventSignal {
			continue
		}
		var m models.Signal
		mustDecode(env, &m)
		if m.Type == typ {
			n++
		}
	}
	return n
}

// fakeMedia hands out real SampleTracks and counts acquisitions.
type fakeMedia struct {
	mu           sync.Mutex
	err          error
	gate         chan struct{}
	acquired     int
	releaseCalls int
	live         int
	maxLive      int
	handles      []*MediaHandle
}

func (m *fakeMedia) Acquire(ctx context.Context) (*MediaHandle, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	audio, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake", nil)
	if err != nil {
		return nil, err
	}
	video, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake", nil)
	if err != nil {
		return nil, err
	}
	h := NewMediaHandle(audio, video)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	m.live++
	if m.live > m.maxLive {
		m.maxLive = m.live
	}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMedia) Release(h *MediaHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if h.Stopped() {
		return
	}
	_ = h.Stop()
	m.live--
}

func (m *fakeMedia) stats() (acquired, releaseCalls, live, maxLive int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.releaseCalls, m.live, m.maxLive
}

var (
	fakeOffer  = json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	fakeAnswer = json.RawMessage(`{"type":"answer","sdp":"v=0 fake"}`)
)

// fakeLink negotiates instantly: the initiator offers on creation, the
// responder answers an offer, and both report connected once they hold the
// remote description. With hold set it only records what it is given.
type fakeLink struct {
	role   Role
	hold   bool
	events LinkEvents

	mu        sync.Mutex
	applied   []Signal
	destroyed int
}

func (l *fakeLink) ApplyRemoteSignal(sig Signal) {
	l.mu.Lock()
	if l.destroyed > 0 {
		l.mu.Unlock()
		return
	}
	l.applied = append(l.applied, sig)
	l.mu.Unlock()

	if l.hold {
		return
	}
	switch sig.Type {
	case models.SignalTypeOffer:
		go func() {
			l.events.OnLocalSignal(Signal{Type: models.SignalTypeAnswer, Payload: fakeAnswer})
			l.events.OnConnected()
		}()
	case models.SignalTypeAnswer:
		go l.events.OnConnected()
	}
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
}

func (l *fakeLink) appliedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

func (l *fakeLink) destroyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

type fakeLinks struct {
	mu    sync.Mutex
	hold  bool
	links []*fakeLink
}

func (f *fakeLinks) factory(role Role, tracks []webrtc.TrackLocal, events LinkEvents) (PeerLink, error) {
	f.mu.Lock()
	l := &fakeLink{role: role, hold: f.hold, events: events}
	f.links = append(f.links, l)
	f.mu.Unlock()

	if role == RoleInitiator && !l.hold {
		go events.OnLocalSignal(Signal{Type: models.SignalTypeOffer, Payload: fakeOffer})
	}
	return l, nil
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

// recorder collects controller callbacks.
type recorder struct {
	mu       sync.Mutex
	states   []State
	incoming []Snapshot
	errs     []error
	tracks   int
	channel  []bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnIncoming: func(s Snapshot) {
			r.mu.Lock()
			r.incoming = append(r.incoming, s)
			r.mu.Unlock()
		},
		OnStateChange: func(s Snapshot) {
			r.mu.Lock()
			r.states = append(r.states, s.State)
			r.mu.Unlock()
		},
		OnRemoteTrack: func(*webrtc.TrackRemote) {
			r.mu.Lock()
			r.tracks++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnChannelState: func(connected bool) {
			r.mu.Lock()
			r.channel = append(r.channel, connected)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) incomingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming)
}

func (r *recorder) channelStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.channel...)
}

// party is one client: a controller and its fakes.
type party struct {
	id    string
	ctrl  *Controller
	ch    *fakeChannel
	media *fakeMedia
	links *fakeLinks
	rec   *recorder
}

func newParty(t *testing.T, relay *fakeRelay, id string, configure ...func(*party, *Options)) *party {
	t.Helper()

	p := &party{
		id:    id,
		ch:    relay.channel(t, id),
		media: &fakeMedia{},
		links: &fakeLinks{},
		rec:   &recorder{},
	}
	opts := Options{
		Identity:  StaticIdentity{ID: id, DisplayName: "Dr " + id},
		Channel:   p.ch,
		Media:     p.media,
		Links:     p.links.factory,
		Logger:    zerolog.Nop(),
		Callbacks: p.rec.callbacks(),
	}
	for _, fn := range configure {
		fn(p, &opts)
	}

	ctrl, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)
	p.ctrl = ctrl
	return p
}

func (p *party) state() State { return p.ctrl.Snapshot().State }

// sync waits until everything already posted to the event loop has run.
func (p *party) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, p.ctrl.do(func() error { return nil }))
}

func waitState(t *testing.T, p *party, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.state() == want },
		2*time.Second, 5*time.Millisecond, "%s never reached %s (at %s)", p.id, want, p.state())
}

// connectCall brings a and b to an active call placed by a.
func connectCall(t *testing.T, a, b *party) {
	t.Helper()
	require.NoError(t, a.ctrl.Dial(b.id))
	waitState(t, b, StateRinging)
	require.NoError(t, b.ctrl.Accept())
	waitState(t, a, StateActive)
	waitState(t, b, StateActive)
}
