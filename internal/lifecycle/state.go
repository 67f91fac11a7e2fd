package lifecycle

import "errors"

// State is where a call attempt is in its lifecycle. Ended is terminal.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRinging
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitions lists every legal move. Anything else is a bug or a stale
// event and is refused.
var transitions = map[State][]State{
	StateIdle:        {StateRequesting, StateRinging, StateEnded},
	StateRequesting:  {StateNegotiating, StateEnded},
	StateRinging:     {StateNegotiating, StateEnded},
	StateNegotiating: {StateActive, StateEnded},
	StateActive:      {StateEnded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNegotiationFailed = errors.New("lifecycle: negotiation failed")
	ErrPeerDisconnected  = errors.New("lifecycle: peer disconnected")
	ErrInvalidState      = errors.New("lifecycle: operation not valid in current state")
	ErrNoSession         = errors.New("lifecycle: no current call")
	ErrBusy              = errors.New("lifecycle: already in a call")
)
