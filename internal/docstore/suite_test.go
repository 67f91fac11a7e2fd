package docstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SetGetMerge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Set(ctx, "users", "u1", Fields{"status": "available", "name": "A"}, false); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.Set(ctx, "users", "u1", Fields{"status": "calling"}, true); err != nil {
			t.Fatalf("merge: %v", err)
		}
		snap, err := s.Get(ctx, "users", "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var doc struct {
			Status string `json:"status"`
			Name   string `json:"name"`
		}
		if err := snap.Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.Status != "calling" || doc.Name != "A" {
			t.Fatalf("unexpected doc: %+v", doc)
		}

		if err := s.Set(ctx, "users", "u1", Fields{"status": "available"}, false); err != nil {
			t.Fatalf("replace: %v", err)
		}
		snap, _ = s.Get(ctx, "users", "u1")
		if _, ok := snap.Fields["name"]; ok {
			t.Fatalf("expected replace to drop name")
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), "users", "ghost", Fields{"status": "available"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get(context.Background(), "users", "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update must not create the document, got %v", err)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "users", "u1", Fields{"status": "available"}, false)
		if err := s.Delete(ctx, "users", "u1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, "users", "u1"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		if _, err := s.Get(ctx, "users", "u1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AppendKeepsOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			if err := s.Append(ctx, "sessions", "c1", "candidates", map[string]int{"seq": i}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		snap, err := s.Get(ctx, "sessions", "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		list := snap.List("candidates")
		if len(list) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(list))
		}
		if string(list[0]) != `{"seq":1}` || string(list[2]) != `{"seq":3}` {
			t.Fatalf("unexpected order: %s", list)
		}
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "users", "u1", Fields{"status": "available"}, false)

		ok, err := s.CompareAndSet(ctx, "users", "u1", Condition{Field: "status", Value: "available"}, Fields{"status": "receiving_call", "call_id": "c1"})
		if err != nil || !ok {
			t.Fatalf("expected first CAS to win, ok=%v err=%v", ok, err)
		}
		ok, err = s.CompareAndSet(ctx, "users", "u1", Condition{Field: "status", Value: "available"}, Fields{"status": "receiving_call", "call_id": "c2"})
		if err != nil || ok {
			t.Fatalf("expected second CAS to lose, ok=%v err=%v", ok, err)
		}
		ok, _ = s.CompareAndSet(ctx, "users", "ghost", Condition{Field: "status", Value: "available"}, Fields{"status": "x"})
		if ok {
			t.Fatalf("CAS on missing document must fail")
		}
		ok, _ = s.CompareAndSet(ctx, "users", "u1", Condition{Field: "missing"}, Fields{"flag": true})
		if !ok {
			t.Fatalf("nil condition should match absent field")
		}

		snap, _ := s.Get(ctx, "users", "u1")
		var callID string
		if _, err := snap.Field("call_id", &callID); err != nil || callID != "c1" {
			t.Fatalf("expected call_id c1, got %q (%v)", callID, err)
		}
	})

	t.Run("QueryFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "users", "a", Fields{"status": "available"}, false)
		_ = s.Set(ctx, "users", "b", Fields{"status": "calling"}, false)
		_ = s.Set(ctx, "users", "c", Fields{"status": "available"}, false)

		got, err := s.Query(ctx, "users", Where("status", OpEqual, "available"))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
			t.Fatalf("unexpected result: %+v", got)
		}
		got, _ = s.Query(ctx, "users", Where("status", OpNotEqual, "available"))
		if len(got) != 1 || got[0].ID != "b" {
			t.Fatalf("unexpected != result: %+v", got)
		}
	})

	t.Run("WatchDeliversCurrentThenChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = s.Set(ctx, "requests", "c1", Fields{"status": "pending"}, false)

		ch, err := s.Watch(ctx, "requests", "c1")
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		first := nextSnapshot(t, ch)
		if !first.Exists {
			t.Fatalf("expected initial snapshot to exist")
		}

		_ = s.Update(ctx, "requests", "c1", Fields{"status": "accepted"})
		waitSnapshot(t, ch, func(s Snapshot) bool {
			var st string
			ok, _ := s.Field("status", &st)
			return ok && st == "accepted"
		})

		_ = s.Delete(ctx, "requests", "c1")
		waitSnapshot(t, ch, func(s Snapshot) bool { return !s.Exists })

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatalf("watch channel not closed after cancel")
			}
		}
	})

	t.Run("WatchQueryEmitsChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = s.Set(ctx, "requests", "old", Fields{"target_id": "bob", "status": "pending"}, false)

		ch, err := s.WatchQuery(ctx, "requests", Where("target_id", OpEqual, "bob"))
		if err != nil {
			t.Fatalf("watch query: %v", err)
		}
		if c := nextChange(t, ch); c.Type != ChangeAdded || c.Snapshot.ID != "old" {
			t.Fatalf("expected initial added, got %+v", c)
		}

		_ = s.Set(ctx, "requests", "other", Fields{"target_id": "carol", "status": "pending"}, false)
		_ = s.Set(ctx, "requests", "new", Fields{"target_id": "bob", "status": "pending"}, false)
		if c := nextChange(t, ch); c.Type != ChangeAdded || c.Snapshot.ID != "new" {
			t.Fatalf("expected added new, got %+v", c)
		}

		_ = s.Delete(ctx, "requests", "old")
		if c := nextChange(t, ch); c.Type != ChangeRemoved || c.Snapshot.ID != "old" {
			t.Fatalf("expected removed old, got %+v", c)
		}
	})

	t.Run("WatchQueryTracksFieldChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = s.Set(ctx, "requests", "c1", Fields{"target_id": "bob", "status": "pending"}, false)

		ch, err := s.WatchQuery(ctx, "requests", Where("target_id", OpEqual, "bob"))
		if err != nil {
			t.Fatalf("watch query: %v", err)
		}
		nextChange(t, ch)

		_ = s.Update(ctx, "requests", "c1", Fields{"status": "accepted"})
		if c := nextChange(t, ch); c.Type != ChangeModified || c.Snapshot.ID != "c1" {
			t.Fatalf("expected modified c1, got %+v", c)
		}
		_ = s.Update(ctx, "requests", "c1", Fields{"target_id": "carol"})
		if c := nextChange(t, ch); c.Type != ChangeRemoved || c.Snapshot.ID != "c1" {
			t.Fatalf("expected c1 to leave the result set, got %+v", c)
		}
	})
}

func nextSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("watch channel closed")
			}
			if cond(s) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
		}
	}
}

func nextChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatalf("query channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return Change{}
}
