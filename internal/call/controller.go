package call

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Callbacks are invoked in order on a dedicated goroutine, never on the
// controller's event loop, so they may call back into the Controller.
type Callbacks struct {
	// OnIncoming fires when a call starts ringing.
	OnIncoming func(Snapshot)
	// OnStateChange fires on every state transition.
	OnStateChange func(Snapshot)
	// OnRemoteTrack hands over a remote track. Reading it blocks, so the
	// receiver should read from its own goroutine.
	OnRemoteTrack func(*webrtc.TrackRemote)
	// OnError reports why a call ended abnormally.
	OnError func(error)
	// OnChannelState reports signaling connectivity.
	OnChannelState func(connected bool)
}

// Options configures a Controller.
type Options struct {
	Identity  IdentityProvider
	Channel   SignalingChannel
	Media     MediaSource
	Links     LinkFactory
	Logger    zerolog.Logger
	Callbacks Callbacks

	// RingTimeout ends an unanswered outgoing call. Zero disables it.
	RingTimeout time.Duration
	// PreAcquireMedia starts the camera while dialing, for a local preview.
	PreAcquireMedia bool
}

// Controller runs the call state machine for one client. It holds at most one
// live Session. Signaling events, media completions and PeerLink callbacks
// are all serialized onto one event loop; public methods post to that loop
// and wait for the result.
type Controller struct {
	opts Options
	log  zerolog.Logger

	identity Identity
	ctx      context.Context
	cancel   context.CancelFunc

	loop   *mailbox
	events *mailbox

	started     atomic.Bool
	stopped     atomic.Bool
	stopOnce    sync.Once
	last        atomic.Pointer[Snapshot]
	unsubscribe func()

	// owned by the event loop
	session   *Session
	acquiring bool
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Identity == nil:
		return nil, errors.New("identity provider is required")
	case opts.Channel == nil:
		return nil, errors.New("signaling channel is required")
	case opts.Media == nil:
		return nil, errors.New("media source is required")
	case opts.Links == nil:
		return nil, errors.New("link factory is required")
	}

	c := &Controller{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "call").Logger(),
		loop:   newMailbox(),
		events: newMailbox(),
	}
	c.last.Store(&Snapshot{State: StateIdle})
	return c, nil
}

// Start resolves the local identity, subscribes to the signaling channel and
// starts the event loop. The controller stops when ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	id, err := c.opts.Identity.Identity()
	if err != nil {
		return err
	}
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.Wrap(ErrInvalidState, "already started")
	}
	if c.stopped.Load() {
		// Stop ran between the check above and the swap.
		return ErrStopped
	}

	c.identity = id
	c.log = c.log.With().Str("identity", id.ID).Logger()
	c.last.Store(&Snapshot{LocalIdentity: id.ID, State: StateIdle})
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.loop.run()
	go c.events.run()

	c.unsubscribe = c.opts.Channel.Subscribe(func(ev ChannelEvent) {
		c.loop.post(func() { c.onChannelEvent(ev) })
	})

	go func() {
		<-c.ctx.Done()
		c.Stop()
	}()

	c.log.Info().Msg("call controller started")
	return nil
}

// Stop hangs up any call, releases its resources and stops the event loop.
// Later calls are no-ops. Start and UI actions afterwards return ErrStopped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		if !c.started.Load() {
			c.loop.close()
			c.events.close()
			return
		}

		c.loop.post(c.shutdown)
		c.loop.close()
		<-c.loop.done
		c.cancel()
		c.events.close()
		c.log.Info().Msg("call controller stopped")
	})
}

// Dial places a call to remote.
func (c *Controller) Dial(remote string) error {
	return c.do(func() error { return c.dial(remote) })
}

// Accept answers the ringing call.
func (c *Controller) Accept() error {
	return c.do(c.accept)
}

// Reject declines the ringing call.
func (c *Controller) Reject() error {
	return c.do(c.reject)
}

// HangUp ends the current call from any live state. Without a live call it
// does nothing.
func (c *Controller) HangUp() error {
	return c.do(c.hangUp)
}

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (c *Controller) ToggleAudio() (bool, error) {
	return c.toggle((*MediaHandle).ToggleAudio)
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle((*MediaHandle).ToggleVideo)
}

// Snapshot returns the state of the current or most recent call.
func (c *Controller) Snapshot() Snapshot {
	return *c.last.Load()
}

func (c *Controller) toggle(flip func(*MediaHandle) bool) (bool, error) {
	var enabled bool
	err := c.do(func() error {
		s := c.session
		if s == nil || !s.State.Live() || s.localStream == nil {
			return ErrInvalidState
		}
		enabled = flip(s.localStream)
		c.publishSnapshot(s)
		return nil
	})
	return enabled, err
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(fn func() error) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.started.Load() {
		return ErrInvalidState
	}
	result := make(chan error, 1)
	if !c.loop.post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-c.loop.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// notify runs fn on the callback goroutine.
func (c *Controller) notify(fn func()) {
	c.events.post(fn)
}

// UI actions. Everything below runs on the event loop.

func (c *Controller) dial(remote string) error {
	if s := c.session; s != nil && s.State.Live() {
		return errors.Wrapf(ErrInvalidState, "call with %s is %s", s.RemoteIdentity, s.State)
	}
	if remote == "" || remote == c.identity.ID {
		return errors.Wrap(ErrInvalidState, "invalid callee")
	}
	if !c.opts.Channel.Connected() {
		return ErrChannelUnavailable
	}

	room, err := NewRoomName(c.identity.ID, remote)
	if err != nil {
		return err
	}
	if err := c.emit(models.EventCallInvite, models.CallInvite{
		TargetIdentity: remote,
		Room:           room,
		CallerName:     c.identity.DisplayName,
	}); err != nil {
		return err
	}

	s := c.newSession(remote, room, RoleInitiator)
	c.session = s
	c.setState(s, StateDialing)

	if c.opts.RingTimeout > 0 {
		s.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
			c.loop.post(func() { c.onRingTimeout(s) })
		})
	}
	if c.opts.PreAcquireMedia {
		c.acquireMedia(s)
	}
	return nil
}

func (c *Controller) accept() error {
	s := c.session
	if s == nil || s.State != StateRinging {
		return ErrInvalidState
	}
	if !c.opts.Channel.Connected() {
		return ErrChannelUnavailable
	}

	if err := c.emit(models.EventAcceptCall, models.AcceptCall{
		CallerSID:      s.remoteSID,
		CallerIdentity: s.RemoteIdentity,
		RoomName:       s.RoomName,
	}); err != nil {
		return err
	}
	// The caller is already connecting once accept_call is out, so a failed
	// join must still reach it as end_call.
	c.setState(s, StateConnecting)
	if err := c.emit(models.EventJoinRoom, models.JoinRoom{Room: s.RoomName}); err != nil {
		c.teardown(s, StateFailed, err, true)
		return err
	}

	c.acquireMedia(s)
	return nil
}

func (c *Controller) reject() error {
	s := c.session
	if s == nil || s.State != StateRinging {
		return ErrInvalidState
	}

	if err := c.emit(models.EventRejectCall, models.RejectCall{
		CallerSID:      s.remoteSID,
		CallerIdentity: s.RemoteIdentity,
		Room:           s.RoomName,
	}); err != nil {
		c.sessionLog(s).Debug().Err(err).Msg("reject not delivered")
	}
	c.teardown(s, StateRejected, nil, false)
	return nil
}

func (c *Controller) hangUp() error {
	s := c.session
	if s == nil || !s.State.Live() {
		return nil
	}
	if s.State == StateRinging {
		return c.reject()
	}
	c.teardown(s, StateEnded, nil, true)
	return nil
}

func (c *Controller) shutdown() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	_ = c.hangUp()
}

// Signaling events.

func (c *Controller) onChannelEvent(ev ChannelEvent) {
	switch ev.Kind {
	case ChannelConnected:
		c.notifyChannel(true)
		c.flushOutbox()
	case ChannelDisconnected:
		// Media may keep flowing peer to peer; only call_ended or the user
		// ends the call.
		c.log.Warn().Msg("signaling disconnected")
		c.notifyChannel(false)
	case ChannelError:
		c.log.Warn().Err(ev.Err).Msg("signaling error")
	case ChannelMessage:
		c.onMessage(ev.Message)
	}
}

func (c *Controller) notifyChannel(connected bool) {
	if cb := c.opts.Callbacks.OnChannelState; cb != nil {
		c.notify(func() { cb(connected) })
	}
}

func (c *Controller) onMessage(env models.Envelope) {
	var err error
	switch env.Event {
	case models.EventIncomingCall:
		var m models.IncomingCall
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onIncoming(m)
		}
	case models.EventAcceptCall:
		var m models.AcceptCall
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onAccepted(m)
		}
	case models.EventCallRejected:
		var m models.RejectCall
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onRejected(m)
		}
	case models.EventUserBusy:
		var m models.UserBusy
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onBusy(m)
		}
	case models.EventUserUnavailable:
		var m models.UserUnavailable
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onUnavailable(m)
		}
	case models.EventSignal:
		var m models.Signal
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onSignal(m)
		}
	case models.EventCallEnded:
		var m models.CallEnded
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.onRemoteEnded(m)
		}
	case models.EventError:
		var m models.ErrorMessage
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.log.Warn().Str("event", string(m.Event)).Str("error", m.Error).Msg("relay rejected message")
		}
	default:
		c.log.Debug().Str("event", string(env.Event)).Msg("unknown event ignored")
	}
	if err != nil {
		c.log.Debug().Err(err).Str("event", string(env.Event)).Msg("malformed payload dropped")
	}
}

// drop logs a message that does not belong to the current call.
func (c *Controller) drop(event models.Event, room, sender string) {
	ev := c.log.Debug().Err(ErrStaleSignal).Str("event", string(event)).Str("room", room).Str("sender", sender)
	if s := c.session; s != nil {
		ev = ev.Str("state", string(s.State)).Str("current_room", s.RoomName)
	}
	ev.Msg("message dropped")
}

func (c *Controller) onIncoming(m models.IncomingCall) {
	if m.CallerIdentity == "" || m.SuggestedRoom == "" {
		c.drop(models.EventIncomingCall, m.SuggestedRoom, m.CallerIdentity)
		return
	}

	if s := c.session; s != nil && s.State.Live() {
		if s.RoomName == m.SuggestedRoom {
			c.drop(models.EventIncomingCall, m.SuggestedRoom, m.CallerIdentity)
			return
		}
		c.log.Info().Str("caller", m.CallerIdentity).Str("state", string(s.State)).Msg("busy, refusing incoming call")
		if err := c.emit(models.EventUserBusy, models.UserBusy{
			TargetSID:      m.CallerSID,
			TargetIdentity: m.CallerIdentity,
			Room:           m.SuggestedRoom,
		}); err != nil {
			c.log.Debug().Err(err).Msg("busy reply not delivered")
		}
		return
	}

	s := c.newSession(m.CallerIdentity, m.SuggestedRoom, RoleResponder)
	s.RemoteName = m.CallerName
	s.remoteSID = m.CallerSID
	c.session = s
	c.setState(s, StateRinging)

	if cb := c.opts.Callbacks.OnIncoming; cb != nil {
		snap := s.snapshot()
		c.notify(func() { cb(snap) })
	}
}

func (c *Controller) onAccepted(m models.AcceptCall) {
	s := c.session
	if s == nil || s.State != StateDialing || s.RoomName != m.RoomName || s.RemoteIdentity != m.SenderIdentity {
		c.drop(models.EventAcceptCall, m.RoomName, m.SenderIdentity)
		return
	}

	stopRing(s)
	if err := c.emit(models.EventJoinRoom, models.JoinRoom{Room: s.RoomName}); err != nil {
		c.teardown(s, StateFailed, err, true)
		return
	}
	c.setState(s, StateConnecting)

	switch {
	case s.localStream != nil:
		c.startLink(s)
	case !s.mediaPending:
		c.acquireMedia(s)
	}
}

// matches reports whether a dialing-phase reply is for the current call.
func (c *Controller) matches(room, sender string) (*Session, bool) {
	s := c.session
	if s == nil || s.State != StateDialing || s.RemoteIdentity != sender {
		return nil, false
	}
	if room != "" && room != s.RoomName {
		return nil, false
	}
	return s, true
}

func (c *Controller) onRejected(m models.RejectCall) {
	s, ok := c.matches(m.Room, m.SenderIdentity)
	if !ok {
		c.drop(models.EventCallRejected, m.Room, m.SenderIdentity)
		return
	}
	c.teardown(s, StateRejected, nil, false)
}

func (c *Controller) onBusy(m models.UserBusy) {
	s, ok := c.matches(m.Room, m.SenderIdentity)
	if !ok {
		c.drop(models.EventUserBusy, m.Room, m.SenderIdentity)
		return
	}
	c.teardown(s, StateFailed, ErrBusy, false)
}

func (c *Controller) onUnavailable(m models.UserUnavailable) {
	s, ok := c.matches(m.Room, m.TargetIdentity)
	if !ok {
		c.drop(models.EventUserUnavailable, m.Room, m.TargetIdentity)
		return
	}
	c.teardown(s, StateFailed, ErrUnavailable, false)
}

func (c *Controller) onSignal(m models.Signal) {
	s := c.session
	if s == nil || s.RoomName != m.Room || s.RemoteIdentity != m.SenderIdentity ||
		(s.State != StateConnecting && s.State != StateActive) {
		c.drop(models.EventSignal, m.Room, m.SenderIdentity)
		return
	}

	if s.peerLink == nil {
		s.pendingSignals = append(s.pendingSignals, m)
		return
	}
	s.peerLink.ApplyRemoteSignal(Signal{Type: m.Type, Payload: m.Payload})
}

func (c *Controller) onRemoteEnded(m models.CallEnded) {
	s := c.session
	if s == nil || !s.State.Live() || s.RoomName != m.Room || s.RemoteIdentity != m.SenderIdentity {
		c.drop(models.EventCallEnded, m.Room, m.SenderIdentity)
		return
	}
	c.sessionLog(s).Info().Msg("remote ended call")
	c.teardown(s, StateEnded, nil, false)
}

func (c *Controller) onRingTimeout(s *Session) {
	if c.session != s || s.State != StateDialing {
		return
	}
	c.sessionLog(s).Info().Msg("no answer")
	c.teardown(s, StateEnded, ErrNoAnswer, true)
}

// Media and PeerLink completions.

// acquireMedia starts an acquisition for s. Only one runs at a time; if an
// earlier call's acquisition is still outstanding, s is served once that one
// settles and its handle has been released.
func (c *Controller) acquireMedia(s *Session) {
	s.mediaPending = true
	if c.acquiring {
		return
	}
	c.acquiring = true
	go func() {
		h, err := c.opts.Media.Acquire(c.ctx)
		posted := c.loop.post(func() { c.onMediaReady(s, h, err) })
		if !posted && h != nil {
			c.opts.Media.Release(h)
		}
	}()
}

func (c *Controller) onMediaReady(s *Session, h *MediaHandle, err error) {
	c.acquiring = false
	s.mediaPending = false
	if c.session != s || !s.State.Live() {
		if h != nil {
			c.opts.Media.Release(h)
		}
		if cur := c.session; cur != nil && cur != s && cur.State.Live() && cur.mediaPending {
			c.acquireMedia(cur)
		}
		return
	}
	if err != nil {
		c.teardown(s, StateFailed, err, true)
		return
	}

	s.localStream = h
	c.publishSnapshot(s)
	if s.State == StateConnecting && s.peerLink == nil {
		c.startLink(s)
	}
}

func (c *Controller) startLink(s *Session) {
	link, err := c.opts.Links(s.Role, s.localStream.Tracks(), LinkEvents{
		OnLocalSignal: func(sig Signal) {
			c.loop.post(func() { c.onLocalSignal(s, sig) })
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			c.loop.post(func() { c.onRemoteTrack(s, track) })
		},
		OnConnected: func() {
			c.loop.post(func() { c.onLinkConnected(s) })
		},
		OnError: func(err error) {
			c.loop.post(func() { c.onLinkError(s, err) })
		},
	})
	if err != nil {
		c.teardown(s, StateFailed, errors.Wrap(ErrNegotiationFailed, err.Error()), true)
		return
	}
	s.peerLink = link
	c.sessionLog(s).Debug().Str("role", s.Role.String()).Msg("peer link created")

	pending := s.pendingSignals
	s.pendingSignals = nil
	for _, m := range pending {
		link.ApplyRemoteSignal(Signal{Type: m.Type, Payload: m.Payload})
	}
}

func (c *Controller) current(s *Session) bool {
	return c.session == s && s.State.Live()
}

func (c *Controller) onLocalSignal(s *Session, sig Signal) {
	if !c.current(s) {
		return
	}
	m := models.Signal{
		Room:             s.RoomName,
		Type:             sig.Type,
		Payload:          sig.Payload,
		ReceiverIdentity: s.RemoteIdentity,
	}
	if err := c.emit(models.EventSignal, m); err != nil {
		c.sessionLog(s).Debug().Err(err).Str("type", string(sig.Type)).Msg("signal queued until reconnect")
		s.outbox = append(s.outbox, m)
	}
}

func (c *Controller) flushOutbox() {
	s := c.session
	if s == nil || !s.State.Live() {
		return
	}
	for len(s.outbox) > 0 {
		if err := c.emit(models.EventSignal, s.outbox[0]); err != nil {
			return
		}
		s.outbox = s.outbox[1:]
	}
}

func (c *Controller) onRemoteTrack(s *Session, track *webrtc.TrackRemote) {
	if !c.current(s) {
		return
	}
	if cb := c.opts.Callbacks.OnRemoteTrack; cb != nil {
		c.notify(func() { cb(track) })
	}
	c.markActive(s)
}

func (c *Controller) onLinkConnected(s *Session) {
	if !c.current(s) {
		return
	}
	c.markActive(s)
}

func (c *Controller) markActive(s *Session) {
	if s.State != StateConnecting {
		return
	}
	s.connectedAt = time.Now()
	c.setState(s, StateActive)
}

func (c *Controller) onLinkError(s *Session, err error) {
	if !c.current(s) {
		return
	}
	if !errors.Is(err, ErrNegotiationFailed) {
		err = errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	c.teardown(s, StateFailed, err, true)
}

// Teardown.

// teardown moves s to final and releases everything it owns. It runs once per
// session; later calls are no-ops. end_call is sent only when notifyRemote is
// set and the call had progressed past ringing.
func (c *Controller) teardown(s *Session, final State, err error, notifyRemote bool) {
	if s.State.Terminal() {
		return
	}
	prev := s.State
	stopRing(s)

	if final == StateEnded {
		c.setState(s, StateEnding)
	}
	if notifyRemote && prev.progressed() {
		if emitErr := c.emit(models.EventEndCall, models.CallEnded{Room: s.RoomName}); emitErr != nil {
			c.sessionLog(s).Debug().Err(emitErr).Msg("end_call not delivered")
		}
	}

	if link := s.peerLink; link != nil {
		s.peerLink = nil
		c.safely(s, "destroy peer link", link.Destroy)
	}
	if h := s.localStream; h != nil {
		s.localStream = nil
		c.safely(s, "release media", func() { c.opts.Media.Release(h) })
	}
	s.pendingSignals = nil
	s.outbox = nil

	s.err = err
	c.setState(s, final)

	if err != nil {
		c.sessionLog(s).Warn().Err(err).Msg("call ended with error")
		if cb := c.opts.Callbacks.OnError; cb != nil {
			c.notify(func() { cb(err) })
		}
	}
}

func (c *Controller) safely(s *Session, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.sessionLog(s).Error().Interface("panic", r).Msg(what)
		}
	}()
	fn()
}

func stopRing(s *Session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// Helpers.

func (c *Controller) newSession(remote, room string, role Role) *Session {
	return &Session{
		LocalIdentity:  c.identity.ID,
		RemoteIdentity: remote,
		RoomName:       room,
		Role:           role,
		State:          StateIdle,
		createdAt:      time.Now(),
	}
}

func (c *Controller) emit(event models.Event, payload any) error {
	return c.opts.Channel.Emit(event, payload)
}

func (c *Controller) setState(s *Session, state State) {
	prev := s.State
	s.State = state
	c.sessionLog(s).Info().Str("from", string(prev)).Str("state", string(state)).Msg("call state")

	snap := c.publishSnapshot(s)
	if cb := c.opts.Callbacks.OnStateChange; cb != nil {
		c.notify(func() { cb(snap) })
	}
}

func (c *Controller) publishSnapshot(s *Session) Snapshot {
	snap := s.snapshot()
	c.last.Store(&snap)
	return snap
}

func (c *Controller) sessionLog(s *Session) *zerolog.Logger {
	l := c.log.With().Str("room", s.RoomName).Str("remote", s.RemoteIdentity).Logger()
	return &l
}
