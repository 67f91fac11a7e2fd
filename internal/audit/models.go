package audit

import "time"

// Event is an immutable, append-only record of one step of a call attempt.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id and type are required.
// - recording is best-effort; call flows never block on audit failures.
type Event struct {
	ID     string    `json:"id" db:"id"`
	CallID string    `json:"call_id" db:"call_id"`
	Type   EventType `json:"type" db:"type"`

	// UserID is the participant whose session emitted the event.
	UserID string `json:"user_id,omitempty" db:"user_id"`
	PeerID string `json:"peer_id,omitempty" db:"peer_id"`
	// Role is initiator or responder.
	Role string `json:"role,omitempty" db:"role"`

	// Outcome is set on ended events only.
	Outcome string `json:"outcome,omitempty" db:"outcome"`
	Reason  string `json:"reason,omitempty" db:"reason"`

	// DurationMS is the connected time of an ended call, zero if it never connected.
	DurationMS int64 `json:"duration_ms,omitempty" db:"duration_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventInitiated EventType = "initiated"
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventConnected EventType = "connected"
	EventEnded     EventType = "ended"
)

func (t EventType) Valid() bool {
	switch t {
	case EventInitiated, EventAccepted, EventRejected, EventConnected, EventEnded:
		return true
	default:
		return false
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Since  time.Time
	CallID string
	Limit  int
}
