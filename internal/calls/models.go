package calls

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the handshake record an initiator writes for a target.
//
// Invariants:
// - at most one pending request per (initiator, target) pair.
// - CallID is unique per attempt and never reused.
// - only the target moves Status away from pending.
type Request struct {
	CallID      string        `json:"call_id"`
	InitiatorID string        `json:"initiator_id"`
	TargetID    string        `json:"target_id"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestRejected:
		return true
	default:
		return false
	}
}

// Outcome is how a call attempt finished. It is what the call log records.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)

// NewCallID returns call_<unix millis>_<9 random chars>.
func NewCallID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("call_%d_%s", now.UnixMilli(), suffix)
}
