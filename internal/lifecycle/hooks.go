package lifecycle

import (
	"time"

	"peercall-platform/internal/calls"
	"peercall-platform/internal/media"
	"peercall-platform/internal/signaling"
)

// IncomingCall describes a request that started ringing.
type IncomingCall struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary describes how a call attempt ended.
type Summary struct {
	CallID    string         `json:"call_id"`
	PeerID    string         `json:"peer_id"`
	Role      signaling.Role `json:"role"`
	Outcome   calls.Outcome  `json:"outcome"`
	Connected bool           `json:"connected"`
	Duration  time.Duration  `json:"duration"`
	Err       error          `json:"-"`
}

// Hooks are fixed when an agent is created. Session hooks run on the
// session goroutine; they must return quickly and must not call back into
// the agent synchronously.
type Hooks struct {
	OnIncomingCall func(IncomingCall)
	OnRemoteStream func(callID string, t *media.RemoteTrack)
	OnCallEnded    func(Summary)
	OnError        func(callID string, err error)
	OnConnected    func(callID string)
}

// Notifier shows short status messages to a user. Delivery is
// fire-and-forget.
type Notifier interface {
	Notify(userID, message string)
}

type NotifierFunc func(userID, message string)

func (f NotifierFunc) Notify(userID, message string) { f(userID, message) }

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

const (
	msgReady          = "Ready to find someone to talk to"
	msgSearching      = "Looking for someone to talk to..."
	msgCalling        = "Calling someone..."
	msgNoPartner      = "No one is available right now. Try again later."
	msgNoAnswer       = "No one answered. Try again?"
	msgDeclined       = "Call was declined. Try again?"
	msgIncoming       = "Someone wants to talk to you!"
	msgMissed         = "Missed call."
	msgConnecting     = "Connecting..."
	msgConnected      = "Call connected!"
	msgEnded          = "Call ended. Ready to find someone new."
	msgConnectionLost = "Connection error. Please try again."
	msgMediaDenied    = "Failed to access camera. Please check permissions."
	msgSearchFailed   = "Failed to find someone. Please try again."
)
