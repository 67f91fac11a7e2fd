package lifecycle

import (
	"context"
	"errors"
	"testing"

	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
)

func TestDirectory_SignInOut(t *testing.T) {
	h := newHarness(t)
	built := 0
	dir := NewDirectory(func(userID, name string) *Agent {
		built++
		return NewAgent(userID, name, Deps{
			Presence:   h.presence,
			Requests:   h.requests,
			Relay:      h.relay,
			Matchmaker: h.mm,
			NewMedia:   func() *media.Controller { return media.NewController(media.SyntheticDevice{}, &fakeNet{}, quiet) },
			Log:        quiet,
		}, defaultTimeouts, Hooks{})
	}, quiet)
	ctx := context.Background()

	if err := dir.SignIn(ctx, "alice", "A"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := dir.SignIn(ctx, "alice", "A"); err != nil {
		t.Fatalf("second sign in: %v", err)
	}
	if built != 1 || dir.Len() != 1 {
		t.Fatalf("expected one agent, built=%d len=%d", built, dir.Len())
	}
	if rec, err := h.presence.Get(ctx, "alice"); err != nil || rec.Status != presence.StatusAvailable {
		t.Fatalf("expected alice available, got %+v (%v)", rec, err)
	}
	if _, ok := dir.Agent("alice"); !ok {
		t.Fatalf("agent not found")
	}

	if err := dir.SignOut(ctx, "alice"); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if err := dir.SignOut(ctx, "alice"); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
	if _, err := h.presence.Get(ctx, "alice"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected alice unregistered, got %v", err)
	}

	_ = dir.SignIn(ctx, "bob", "B")
	_ = dir.SignIn(ctx, "carol", "C")
	if err := dir.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if dir.Len() != 0 {
		t.Fatalf("expected empty directory")
	}
	if _, err := h.presence.Get(ctx, "bob"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected bob unregistered, got %v", err)
	}
}
