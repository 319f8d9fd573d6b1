package call

import "github.com/pkg/errors"

var (
	// ErrPermissionDenied is returned when the platform refuses access to the
	// camera or microphone.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable is returned when no usable capture device exists.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrNegotiationFailed is raised by a PeerLink that cannot reach or keep a
	// connected state.
	ErrNegotiationFailed = errors.New("peer negotiation failed")

	// ErrChannelUnavailable is returned when the signaling channel is down at
	// the moment a call has to be placed or answered.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")

	// ErrStaleSignal marks a message for a room or identity the controller is
	// no longer talking to. Such messages are dropped, never surfaced.
	ErrStaleSignal = errors.New("stale signal")

	// ErrBusy means the remote party is already in a call.
	ErrBusy = errors.New("remote party busy")

	// ErrUnavailable means the remote party has no signaling connection.
	ErrUnavailable = errors.New("remote party unavailable")

	// ErrNoAnswer means the remote party did not answer before the ring timeout.
	ErrNoAnswer = errors.New("no answer")

	// ErrUnauthenticated is returned by an IdentityProvider without a session.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrInvalidState rejects a user action that does not apply to the
	// current call state.
	ErrInvalidState = errors.New("invalid call state")

	// ErrStopped is returned by a controller after Stop.
	ErrStopped = errors.New("controller stopped")
)
