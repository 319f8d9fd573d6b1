package models

import "encoding/json"

// Event names a signaling message on the wire.
type Event string

// Client → relay.
const (
	EventCallInvite Event = "call_invite"
	EventAcceptCall Event = "accept_call"
	EventRejectCall Event = "reject_call"
	EventUserBusy   Event = "user_busy"
	EventJoinRoom   Event = "join_room"
	EventSignal     Event = "signal"
	EventEndCall    Event = "end_call"
)

// Relay → client. accept_call, user_busy and signal keep their names when
// forwarded.
const (
	EventIncomingCall    Event = "incoming_call"
	EventCallRejected    Event = "call_rejected"
	EventCallEnded       Event = "call_ended"
	EventUserUnavailable Event = "user_unavailable"
	EventError           Event = "error"
)

// SignalType is the kind of WebRTC negotiation data carried by a signal event.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Envelope is the frame exchanged over the websocket.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope for event.
func NewEnvelope(event Event, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// CallInvite asks the relay to ring TargetIdentity.
type CallInvite struct {
	TargetIdentity string `json:"target_identity"`
	Room           string `json:"room"`
	CallerName     string `json:"caller_name,omitempty"`
}

// IncomingCall is delivered to the callee.
type IncomingCall struct {
	CallerIdentity string `json:"caller_identity"`
	CallerSID      string `json:"caller_sid"`
	SuggestedRoom  string `json:"suggested_room"`
	CallerName     string `json:"caller_name,omitempty"`
	SenderIdentity string `json:"sender_identity,omitempty"`
}

// AcceptCall is sent by the callee and forwarded to the caller.
type AcceptCall struct {
	CallerSID      string `json:"caller_sid"`
	CallerIdentity string `json:"caller_identity"`
	RoomName       string `json:"room_name"`
	SenderIdentity string `json:"sender_identity,omitempty"`
}

// RejectCall is sent by the callee; the caller receives it as call_rejected.
type RejectCall struct {
	CallerSID      string `json:"caller_sid"`
	CallerIdentity string `json:"caller_identity"`
	Room           string `json:"room,omitempty"`
	SenderIdentity string `json:"sender_identity,omitempty"`
}

// UserBusy answers an invite the callee cannot take.
type UserBusy struct {
	TargetSID      string `json:"target_sid"`
	TargetIdentity string `json:"target_identity,omitempty"`
	Room           string `json:"room,omitempty"`
	SenderIdentity string `json:"sender_identity,omitempty"`
}

// UserUnavailable tells the caller the target has no live connection.
type UserUnavailable struct {
	TargetIdentity string `json:"target_identity"`
	Room           string `json:"room"`
}

// JoinRoom registers the sender as a member of Room.
type JoinRoom struct {
	Room string `json:"room"`
}

// Signal carries one offer, answer or ICE candidate between the two peers.
type Signal struct {
	Room             string          `json:"room"`
	Type             SignalType      `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	SenderIdentity   string          `json:"sender_identity,omitempty"`
	ReceiverIdentity string          `json:"receiver_identity"`
}

// CallEnded is both the end_call request and the call_ended notification.
type CallEnded struct {
	Room           string `json:"room"`
	SenderIdentity string `json:"sender_identity,omitempty"`
}

// ErrorMessage reports a relay-side rejection of a client message.
type ErrorMessage struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}
