package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"peercall-platform/internal/docstore"
)

const RequestsCollection = "callRequests"

var (
	ErrNotFound        = errors.New("calls: request not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// RequestSnapshot is the observed state of one request. Exists is false
// once the document has been deleted.
type RequestSnapshot struct {
	Request
	Exists bool
}

// IncomingRequest is a change to a request addressed to a target.
type IncomingRequest struct {
	Type    docstore.ChangeType
	Request Request
}

// Requests stores call requests in the shared document store.
type Requests struct {
	store docstore.Store
	clock func() time.Time
	log   *slog.Logger
}

func NewRequests(store docstore.Store, log *slog.Logger) *Requests {
	if log == nil {
		log = slog.Default()
	}
	return &Requests{store: store, clock: time.Now, log: log}
}

func (r *Requests) Create(ctx context.Context, req Request) error {
	if req.CallID == "" || req.InitiatorID == "" || req.TargetID == "" {
		return ErrInvalidArgument
	}
	if req.InitiatorID == req.TargetID {
		return ErrInvalidArgument
	}
	if req.Status == "" {
		req.Status = RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.clock().UTC()
	}
	err := r.store.Set(ctx, RequestsCollection, req.CallID, docstore.Fields{
		"call_id":      req.CallID,
		"initiator_id": req.InitiatorID,
		"target_id":    req.TargetID,
		"status":       req.Status,
		"created_at":   req.CreatedAt,
	}, false)
	if err != nil {
		return fmt.Errorf("calls: create request %s: %w", req.CallID, err)
	}
	return nil
}

func (r *Requests) Get(ctx context.Context, callID string) (Request, error) {
	snap, err := r.store.Get(ctx, RequestsCollection, callID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("calls: get request %s: %w", callID, err)
	}
	return decodeRequest(snap)
}

// SetStatus fails with ErrNotFound if the initiator already withdrew the request.
func (r *Requests) SetStatus(ctx context.Context, callID string, status RequestStatus) error {
	if callID == "" || !status.Valid() {
		return ErrInvalidArgument
	}
	err := r.store.Update(ctx, RequestsCollection, callID, docstore.Fields{"status": status})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("calls: set request %s status: %w", callID, err)
	}
	return nil
}

func (r *Requests) Delete(ctx context.Context, callID string) error {
	if err := r.store.Delete(ctx, RequestsCollection, callID); err != nil {
		return fmt.Errorf("calls: delete request %s: %w", callID, err)
	}
	return nil
}

// Watch follows one request until ctx is done.
func (r *Requests) Watch(ctx context.Context, callID string) (<-chan RequestSnapshot, error) {
	snaps, err := r.store.Watch(ctx, RequestsCollection, callID)
	if err != nil {
		return nil, fmt.Errorf("calls: watch request %s: %w", callID, err)
	}
	out := make(chan RequestSnapshot, 4)
	go func() {
		defer close(out)
		for s := range snaps {
			rs := RequestSnapshot{Exists: s.Exists}
			if s.Exists {
				req, err := decodeRequest(s)
				if err != nil {
					r.log.Warn("calls: undecodable request", "call_id", callID, "err", err)
					continue
				}
				rs.Request = req
			} else {
				rs.CallID = callID
			}
			select {
			case out <- rs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchIncoming follows requests addressed to targetID.
func (r *Requests) WatchIncoming(ctx context.Context, targetID string) (<-chan IncomingRequest, error) {
	changes, err := r.store.WatchQuery(ctx, RequestsCollection, docstore.Where("target_id", docstore.OpEqual, targetID))
	if err != nil {
		return nil, fmt.Errorf("calls: watch incoming for %s: %w", targetID, err)
	}
	out := make(chan IncomingRequest, 4)
	go func() {
		defer close(out)
		for c := range changes {
			in := IncomingRequest{Type: c.Type}
			if c.Type == docstore.ChangeRemoved {
				in.Request = Request{CallID: c.Snapshot.ID, TargetID: targetID}
			} else {
				req, err := decodeRequest(c.Snapshot)
				if err != nil {
					r.log.Warn("calls: undecodable incoming request", "call_id", c.Snapshot.ID, "err", err)
					continue
				}
				in.Request = req
			}
			select {
			case out <- in:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Liveness reports whether a participant is still heartbeating.
type Liveness func(ctx context.Context, userID string) (bool, error)

// SweepStale deletes requests created before cutoff. Both sides normally
// clean up; this catches attempts whose participants vanished.
//
// An accepted request is the hang-up channel of a running call, so it is
// only removed once live reports neither participant alive. With a nil
// live accepted requests are never swept.
func (r *Requests) SweepStale(ctx context.Context, cutoff time.Time, live Liveness) (int, error) {
	snaps, err := r.store.Query(ctx, RequestsCollection)
	if err != nil {
		return 0, fmt.Errorf("calls: sweep query: %w", err)
	}
	removed := 0
	for _, s := range snaps {
		req, err := decodeRequest(s)
		if err != nil || !req.CreatedAt.Before(cutoff) {
			continue
		}
		if req.Status == RequestAccepted && r.anyAlive(ctx, req, live) {
			continue
		}
		if err := r.store.Delete(ctx, RequestsCollection, s.ID); err != nil {
			return removed, fmt.Errorf("calls: sweep %s: %w", s.ID, err)
		}
		removed++
		r.log.Info("calls: swept stale request", "call_id", req.CallID, "status", req.Status)
	}
	return removed, nil
}

func (r *Requests) anyAlive(ctx context.Context, req Request, live Liveness) bool {
	if live == nil {
		return true
	}
	for _, id := range []string{req.InitiatorID, req.TargetID} {
		ok, err := live(ctx, id)
		if err != nil {
			r.log.Warn("calls: liveness check failed, keeping request", "call_id", req.CallID, "user_id", id, "err", err)
			return true
		}
		if ok {
			return true
		}
	}
	return false
}

func decodeRequest(s docstore.Snapshot) (Request, error) {
	var req Request
	if err := s.Decode(&req); err != nil {
		return Request{}, err
	}
	if req.CallID == "" {
		req.CallID = s.ID
	}
	return req, nil
}
