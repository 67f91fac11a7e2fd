package auth

import (
	"context"
	"log/slog"
	"sync"
)

// SessionListener is told when a user comes online (first live connection)
// and goes offline (last connection closed).
type SessionListener interface {
	SignIn(ctx context.Context, userID, displayName string) error
	SignOut(ctx context.Context, userID string) error
}

// Sessions counts live connections per user. Each user has their own
// lock, held across listener calls, so sign-in and sign-out of one user
// never interleave while other users proceed independently.
type Sessions struct {
	listener SessionListener
	log      *slog.Logger

	mu    sync.Mutex
	users map[string]*userSlot
}

// userSlot is one user's connection count. refs counts goroutines holding
// or waiting for mu; the slot is dropped once refs and conns are both zero.
type userSlot struct {
	mu    sync.Mutex
	conns int
	refs  int
}

func NewSessions(l SessionListener, log *slog.Logger) *Sessions {
	if log == nil {
		log = slog.Default()
	}
	return &Sessions{listener: l, log: log, users: map[string]*userSlot{}}
}

// Open records a new connection for id, signing the user in if it is
// their first.
func (s *Sessions) Open(ctx context.Context, id Identity) error {
	u := s.acquire(id.UserID)
	defer s.release(id.UserID, u)
	if u.conns == 0 {
		if err := s.listener.SignIn(ctx, id.UserID, id.DisplayName); err != nil {
			return err
		}
		s.log.Info("user signed in", "user_id", id.UserID)
	}
	u.conns++
	return nil
}

// Close drops a connection, signing the user out when none remain.
func (s *Sessions) Close(ctx context.Context, userID string) error {
	u := s.acquire(userID)
	defer s.release(userID, u)
	switch u.conns {
	case 0:
		return nil
	case 1:
		u.conns = 0
		s.log.Info("user signed out", "user_id", userID)
		return s.listener.SignOut(ctx, userID)
	default:
		u.conns--
		return nil
	}
}

func (s *Sessions) Active(userID string) int {
	u := s.acquire(userID)
	defer s.release(userID, u)
	return u.conns
}

func (s *Sessions) acquire(userID string) *userSlot {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		u = &userSlot{}
		s.users[userID] = u
	}
	u.refs++
	s.mu.Unlock()
	u.mu.Lock()
	return u
}

func (s *Sessions) release(userID string, u *userSlot) {
	idle := u.conns == 0
	u.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	u.refs--
	if u.refs == 0 && idle {
		delete(s.users, userID)
	}
}
