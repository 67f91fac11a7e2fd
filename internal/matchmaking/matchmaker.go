package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"peercall-platform/internal/calls"
	"peercall-platform/internal/presence"
)

var (
	// ErrNoPartnerAvailable means nobody else is currently available.
	ErrNoPartnerAvailable = errors.New("matchmaking: no partner available")
	// ErrPartnerUnavailable means the chosen partner was taken or left
	// between selection and reservation.
	ErrPartnerUnavailable = errors.New("matchmaking: partner no longer available")
	// ErrRequesterBusy means the requester is itself reserved or calling,
	// typically because a call to them landed first.
	ErrRequesterBusy   = errors.New("matchmaking: requester is not available")
	ErrInvalidArgument = errors.New("matchmaking: invalid argument")
)

// PresenceStore is the part of the presence registry the matchmaker needs.
type PresenceStore interface {
	Available(ctx context.Context, excludeID string, staleAfter time.Duration) ([]presence.Record, error)
	Reserve(ctx context.Context, targetID, callID string) (bool, error)
	Release(ctx context.Context, targetID, callID string) error
	MarkCalling(ctx context.Context, userID, callID string) (bool, error)
}

// RequestWriter creates call requests.
type RequestWriter interface {
	Create(ctx context.Context, req calls.Request) error
}

type Options struct {
	// StaleAfter skips partners whose heartbeat is older than this.
	StaleAfter time.Duration
	// Attempts bounds FindAndCall retries.
	Attempts int
}

// Matchmaker pairs an idle requester with a uniformly random available user.
type Matchmaker struct {
	presence PresenceStore
	requests RequestWriter
	opts     Options
	log      *slog.Logger

	clock     func() time.Time
	newCallID func(time.Time) string

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewMatchmaker builds a matchmaker. rng may be nil; tests pass a seeded one.
func NewMatchmaker(p PresenceStore, r RequestWriter, opts Options, rng *rand.Rand, log *slog.Logger) *Matchmaker {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matchmaker{
		presence:  p,
		requests:  r,
		opts:      opts,
		log:       log,
		clock:     time.Now,
		newCallID: calls.NewCallID,
		rng:       rng,
	}
}

// FindPartner picks a random available user other than the requester.
func (m *Matchmaker) FindPartner(ctx context.Context, requesterID string) (presence.Record, error) {
	return m.findPartner(ctx, requesterID, nil)
}

// InitiateCall marks the requester as calling, reserves the target and
// writes a pending request. It returns the new call id.
//
// Both presence writes are conditional on the user being available, so of
// two initiators racing for the same target exactly one wins, and two users
// calling each other at once cannot both end up calling.
func (m *Matchmaker) InitiateCall(ctx context.Context, requesterID, targetID string) (string, error) {
	if requesterID == "" || targetID == "" || requesterID == targetID {
		return "", ErrInvalidArgument
	}
	now := m.clock().UTC()
	callID := m.newCallID(now)

	ok, err := m.presence.MarkCalling(ctx, requesterID, callID)
	if err != nil {
		return "", fmt.Errorf("matchmaking: mark %s calling: %w", requesterID, err)
	}
	if !ok {
		return "", ErrRequesterBusy
	}

	ok, err = m.presence.Reserve(ctx, targetID, callID)
	if err != nil || !ok {
		m.release(ctx, requesterID, callID)
		if err != nil {
			return "", fmt.Errorf("matchmaking: reserve %s: %w", targetID, err)
		}
		return "", ErrPartnerUnavailable
	}

	req := calls.Request{
		CallID:      callID,
		InitiatorID: requesterID,
		TargetID:    targetID,
		Status:      calls.RequestPending,
		CreatedAt:   now,
	}
	if err := m.requests.Create(ctx, req); err != nil {
		m.release(ctx, targetID, callID)
		m.release(ctx, requesterID, callID)
		return "", fmt.Errorf("matchmaking: create request: %w", err)
	}
	m.log.Info("call initiated", "call_id", callID, "initiator_id", requesterID, "target_id", targetID)
	return callID, nil
}

func (m *Matchmaker) release(ctx context.Context, userID, callID string) {
	if err := m.presence.Release(ctx, userID, callID); err != nil {
		m.log.Warn("matchmaking: release after failed initiate", "call_id", callID, "user_id", userID, "err", err)
	}
}

// Match is the result of FindAndCall.
type Match struct {
	CallID  string          `json:"call_id"`
	Partner presence.Record `json:"partner"`
}

// FindAndCall finds a partner and calls them, retrying with another
// partner when the chosen one is taken in between.
func (m *Matchmaker) FindAndCall(ctx context.Context, requesterID string) (Match, error) {
	taken := map[string]struct{}{}
	var lastErr error = ErrNoPartnerAvailable
	for attempt := 0; attempt < m.opts.Attempts; attempt++ {
		partner, err := m.findPartner(ctx, requesterID, taken)
		if err != nil {
			if errors.Is(err, ErrNoPartnerAvailable) && len(taken) > 0 {
				return Match{}, ErrNoPartnerAvailable
			}
			return Match{}, err
		}
		callID, err := m.InitiateCall(ctx, requesterID, partner.UserID)
		if err == nil {
			return Match{CallID: callID, Partner: partner}, nil
		}
		if !errors.Is(err, ErrPartnerUnavailable) {
			return Match{}, err
		}
		m.log.Debug("matchmaking: partner taken, retrying", "user_id", requesterID, "partner_id", partner.UserID, "attempt", attempt+1)
		taken[partner.UserID] = struct{}{}
		lastErr = err
	}
	return Match{}, lastErr
}

func (m *Matchmaker) findPartner(ctx context.Context, requesterID string, skip map[string]struct{}) (presence.Record, error) {
	if requesterID == "" {
		return presence.Record{}, ErrInvalidArgument
	}
	recs, err := m.presence.Available(ctx, requesterID, m.opts.StaleAfter)
	if err != nil {
		return presence.Record{}, fmt.Errorf("matchmaking: list available: %w", err)
	}
	candidates := recs[:0:0]
	for _, r := range recs {
		if r.UserID == requesterID {
			continue
		}
		if _, ok := skip[r.UserID]; ok {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return presence.Record{}, ErrNoPartnerAvailable
	}
	return candidates[m.intn(len(candidates))], nil
}

func (m *Matchmaker) intn(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}
