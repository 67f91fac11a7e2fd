package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"peercall-platform/internal/docstore"
)

// Collection holds one record per signed-in user, keyed by user id.
const Collection = "activeUsers"

type Status string

const (
	StatusAvailable     Status = "available"
	StatusCalling       Status = "calling"
	StatusReceivingCall Status = "receiving_call"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusCalling, StatusReceivingCall:
		return true
	default:
		return false
	}
}

// Record is a user's advertised availability.
//
// Each user writes only their own record. The single exception is the
// reservation taken by an initiator (Reserve/Release), which is a
// conditional write on status and call_id.
type Record struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Status      Status    `json:"status"`
	CallID      string    `json:"call_id"`
	LastUpdated time.Time `json:"last_updated"`
}

var (
	ErrNotFound        = errors.New("presence: user not registered")
	ErrInvalidArgument = errors.New("presence: invalid argument")
)

type Registry struct {
	store docstore.Store
	clock func() time.Time
	log   *slog.Logger
}

func NewRegistry(store docstore.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, clock: time.Now, log: log}
}

// Register advertises the user as available, replacing any previous record.
func (r *Registry) Register(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	err := r.store.Set(ctx, Collection, userID, docstore.Fields{
		"user_id":      userID,
		"display_name": displayName,
		"status":       StatusAvailable,
		"call_id":      "",
		"last_updated": r.now(),
	}, false)
	if err != nil {
		return fmt.Errorf("presence: register %s: %w", userID, err)
	}
	return nil
}

// SetStatus updates the user's status. A missing record is not an error:
// the user may have signed out while a call was being torn down.
func (r *Registry) SetStatus(ctx context.Context, userID string, status Status) error {
	if userID == "" || !status.Valid() {
		return ErrInvalidArgument
	}
	fields := docstore.Fields{"status": status, "last_updated": r.now()}
	if status == StatusAvailable {
		fields["call_id"] = ""
	}
	return r.update(ctx, userID, fields)
}

// MarkCalling moves an available user to calling for callID. It reports
// false when the user is no longer available, for example because another
// caller reserved them first.
func (r *Registry) MarkCalling(ctx context.Context, userID, callID string) (bool, error) {
	if userID == "" || callID == "" {
		return false, ErrInvalidArgument
	}
	ok, err := r.store.CompareAndSet(ctx, Collection, userID,
		docstore.Condition{Field: "status", Value: StatusAvailable},
		docstore.Fields{"status": StatusCalling, "call_id": callID, "last_updated": r.now()},
	)
	if err != nil {
		return false, fmt.Errorf("presence: mark calling %s: %w", userID, err)
	}
	return ok, nil
}

// Unregister removes the record. Safe to call more than once.
func (r *Registry) Unregister(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if err := r.store.Delete(ctx, Collection, userID); err != nil {
		return fmt.Errorf("presence: unregister %s: %w", userID, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, userID string) (Record, error) {
	snap, err := r.store.Get(ctx, Collection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	var rec Record
	if err := snap.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("presence: decode %s: %w", userID, err)
	}
	return rec, nil
}

// Touch refreshes the heartbeat. ErrNotFound tells the caller the record
// was swept and must be registered again.
func (r *Registry) Touch(ctx context.Context, userID string) error {
	err := r.store.Update(ctx, Collection, userID, docstore.Fields{"last_updated": r.now()})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Live reports whether the user has a record heartbeated at or after
// staleBefore.
func (r *Registry) Live(ctx context.Context, userID string, staleBefore time.Time) (bool, error) {
	rec, err := r.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.LastUpdated.Before(staleBefore), nil
}

// Available lists matchable users other than excludeID. Records whose
// heartbeat is older than staleAfter are skipped (0 disables the check).
func (r *Registry) Available(ctx context.Context, excludeID string, staleAfter time.Duration) ([]Record, error) {
	snaps, err := r.store.Query(ctx, Collection, docstore.Where("status", docstore.OpEqual, StatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("presence: query available: %w", err)
	}
	now := r.now()
	out := make([]Record, 0, len(snaps))
	for _, s := range snaps {
		var rec Record
		if err := s.Decode(&rec); err != nil {
			r.log.Warn("presence: skipping undecodable record", "user_id", s.ID, "err", err)
			continue
		}
		if rec.UserID == "" {
			rec.UserID = s.ID
		}
		if rec.UserID == excludeID {
			continue
		}
		if staleAfter > 0 && now.Sub(rec.LastUpdated) > staleAfter {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Reserve moves an available target to receiving_call on behalf of callID.
// It reports false if someone else got there first.
func (r *Registry) Reserve(ctx context.Context, targetID, callID string) (bool, error) {
	if targetID == "" || callID == "" {
		return false, ErrInvalidArgument
	}
	ok, err := r.store.CompareAndSet(ctx, Collection, targetID,
		docstore.Condition{Field: "status", Value: StatusAvailable},
		docstore.Fields{"status": StatusReceivingCall, "call_id": callID, "last_updated": r.now()},
	)
	if err != nil {
		return false, fmt.Errorf("presence: reserve %s: %w", targetID, err)
	}
	return ok, nil
}

// Release undoes Reserve or MarkCalling if the user is still held for
// callID.
func (r *Registry) Release(ctx context.Context, targetID, callID string) error {
	if targetID == "" || callID == "" {
		return ErrInvalidArgument
	}
	_, err := r.store.CompareAndSet(ctx, Collection, targetID,
		docstore.Condition{Field: "call_id", Value: callID},
		docstore.Fields{"status": StatusAvailable, "call_id": "", "last_updated": r.now()},
	)
	if err != nil {
		return fmt.Errorf("presence: release %s: %w", targetID, err)
	}
	return nil
}

// Sweep deletes records whose heartbeat is older than staleBefore, which
// covers users whose process went away without signing out.
func (r *Registry) Sweep(ctx context.Context, staleBefore time.Time) (int, error) {
	snaps, err := r.store.Query(ctx, Collection)
	if err != nil {
		return 0, fmt.Errorf("presence: sweep query: %w", err)
	}
	removed := 0
	for _, s := range snaps {
		var rec Record
		if err := s.Decode(&rec); err != nil || !rec.LastUpdated.Before(staleBefore) {
			continue
		}
		if err := r.store.Delete(ctx, Collection, s.ID); err != nil {
			return removed, fmt.Errorf("presence: sweep %s: %w", s.ID, err)
		}
		removed++
		r.log.Info("presence: swept stale record", "user_id", s.ID, "last_updated", rec.LastUpdated)
	}
	return removed, nil
}

func (r *Registry) update(ctx context.Context, userID string, fields docstore.Fields) error {
	err := r.store.Update(ctx, Collection, userID, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		r.log.Debug("presence: update on missing record ignored", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence: update %s: %w", userID, err)
	}
	return nil
}

func (r *Registry) now() time.Time { return r.clock().UTC() }
