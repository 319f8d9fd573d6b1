package call

import (
	"time"

	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pion/randutil"
)

// State is the lifecycle position of a call session.
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// Live reports whether a session in state s occupies the controller.
func (s State) Live() bool {
	return s != StateIdle && !s.Terminal()
}

// progressed reports whether the call got far enough for the remote side to
// be waiting on this room, so an end_call is owed.
func (s State) progressed() bool {
	return s == StateDialing || s == StateConnecting || s == StateActive
}

// Role decides which side creates the initial offer.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

const (
	roomSuffixLength = 8
	roomSuffixRunes  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// NewRoomName derives the room for a call from the caller, the callee and a
// random suffix, so a stale room from an earlier attempt never collides.
func NewRoomName(caller, callee string) (string, error) {
	suffix, err := randutil.GenerateCryptoRandomString(roomSuffixLength, roomSuffixRunes)
	if err != nil {
		return "", err
	}
	return caller + "-" + callee + "-" + suffix, nil
}

// Session is one call attempt seen from this client. It is owned by the
// controller's event loop and never shared.
type Session struct {
	LocalIdentity  string
	RemoteIdentity string
	RemoteName     string
	RoomName       string
	Role           Role
	State          State

	// remoteSID addresses the caller's connection for accept/reject/busy.
	remoteSID string

	peerLink     PeerLink
	localStream  *MediaHandle
	mediaPending bool

	// signals received before the PeerLink exists, applied in order later.
	pendingSignals []models.Signal
	// local signals the channel refused, re-sent after reconnect.
	outbox []models.Signal

	ringTimer *time.Timer
	err       error

	createdAt   time.Time
	connectedAt time.Time
}

// Snapshot is an immutable copy of the observable session state.
type Snapshot struct {
	LocalIdentity  string
	RemoteIdentity string
	RemoteName     string
	RoomName       string
	Role           Role
	State          State
	Err            error
	AudioEnabled   bool
	VideoEnabled   bool
	CreatedAt      time.Time
	ConnectedAt    time.Time
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		LocalIdentity:  s.LocalIdentity,
		RemoteIdentity: s.RemoteIdentity,
		RemoteName:     s.RemoteName,
		RoomName:       s.RoomName,
		Role:           s.Role,
		State:          s.State,
		Err:            s.err,
		CreatedAt:      s.createdAt,
		ConnectedAt:    s.connectedAt,
	}
	if s.localStream != nil {
		snap.AudioEnabled = s.localStream.AudioEnabled()
		snap.VideoEnabled = s.localStream.VideoEnabled()
	}
	return snap
}

// Duration returns how long the call was connected, or zero.
func (s Snapshot) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}
