package reporting

import (
	"context"
	"errors"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/signaling"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// EventSource reads the call event log. *audit.Service implements it.
type EventSource interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type Service struct {
	events EventSource
}

func NewService(events EventSource) *Service { return &Service{events: events} }

// attempt folds every event logged for one call id.
type attempt struct {
	initiated bool
	connected bool
	outcome   string
	ownerEnd  bool // outcome came from the initiator
	duration  int64
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.events == nil {
		return CallsSummary{}, errors.New("reporting: event source not configured")
	}

	rows, err := s.events.List(ctx, audit.Filter{Since: req.Range.From})
	if err != nil {
		return CallsSummary{}, err
	}

	byCall := map[string]*attempt{}
	for _, e := range rows {
		if !e.CreatedAt.Before(req.Range.To) {
			continue
		}
		a, ok := byCall[e.CallID]
		if !ok {
			a = &attempt{}
			byCall[e.CallID] = a
		}
		switch e.Type {
		case audit.EventInitiated:
			a.initiated = true
		case audit.EventConnected:
			a.connected = true
		case audit.EventEnded:
			initiator := e.Role == string(signaling.RoleInitiator)
			if a.outcome == "" || (initiator && !a.ownerEnd) {
				a.outcome = e.Outcome
				a.ownerEnd = initiator
			}
			if e.DurationMS > a.duration {
				a.duration = e.DurationMS
			}
		}
	}

	out := CallsSummary{From: req.Range.From, To: req.Range.To}
	var connectedMS int64
	for _, a := range byCall {
		// Calls that started before the window only count if they began in it.
		if !a.initiated {
			continue
		}
		out.Attempts++
		if a.connected {
			out.Connected++
			connectedMS += a.duration
		}
		switch calls.Outcome(a.outcome) {
		case calls.OutcomeCompleted:
			out.Completed++
		case calls.OutcomeRejected:
			out.Rejected++
		case calls.OutcomeNoAnswer:
			out.NoAnswer++
		case calls.OutcomeCanceled:
			out.Canceled++
		case calls.OutcomeFailed:
			out.Failed++
		case "":
			out.InProgress++
		}
	}
	out.TotalConnectedSeconds = connectedMS / 1000
	if out.Connected > 0 {
		out.AverageConnectedSeconds = out.TotalConnectedSeconds / int64(out.Connected)
	}
	if out.Attempts > 0 {
		out.ConnectionRate = float64(out.Connected) / float64(out.Attempts)
	}
	return out, nil
}
