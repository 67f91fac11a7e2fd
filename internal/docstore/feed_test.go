package docstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func snapFor(id, target string) Snapshot {
	return Snapshot{Collection: "requests", ID: id, Exists: true, Fields: map[string]json.RawMessage{
		"target_id": json.RawMessage(`"` + target + `"`),
	}}
}

func TestIDFeed_QueriesOnceThenReadsNamedDocuments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs := map[string]Snapshot{"a": snapFor("a", "bob")}
	var (
		mu      sync.Mutex
		queries int
		reads   []string
	)
	query := func(context.Context) ([]Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		queries++
		return []Snapshot{docs["a"]}, nil
	}
	read := func(_ context.Context, id string) (Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		reads = append(reads, id)
		if s, ok := docs[id]; ok {
			return s, nil
		}
		return Snapshot{Collection: "requests", ID: id}, nil
	}

	ids := make(chan string, 8)
	ch := idFeed(ctx, ids, query, read, []Filter{Where("target_id", OpEqual, "bob")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c := nextChange(t, ch); c.Type != ChangeAdded || c.Snapshot.ID != "a" {
		t.Fatalf("expected initial added, got %+v", c)
	}

	mu.Lock()
	docs["other"] = snapFor("other", "carol")
	docs["b"] = snapFor("b", "bob")
	mu.Unlock()
	ids <- "other"
	ids <- "b"
	if c := nextChange(t, ch); c.Type != ChangeAdded || c.Snapshot.ID != "b" {
		t.Fatalf("expected added b, got %+v", c)
	}

	mu.Lock()
	docs["a"] = snapFor("a", "dave")
	mu.Unlock()
	ids <- "a"
	if c := nextChange(t, ch); c.Type != ChangeRemoved || c.Snapshot.ID != "a" {
		t.Fatalf("expected a to leave the result set, got %+v", c)
	}

	mu.Lock()
	delete(docs, "b")
	mu.Unlock()
	ids <- "b"
	if c := nextChange(t, ch); c.Type != ChangeRemoved || c.Snapshot.ID != "b" {
		t.Fatalf("expected removed b, got %+v", c)
	}

	mu.Lock()
	defer mu.Unlock()
	if queries != 1 {
		t.Fatalf("expected a single full query, got %d", queries)
	}
	if len(reads) != 4 {
		t.Fatalf("expected one read per event, got %v", reads)
	}
}

func TestIDFeed_UnrelatedWritesEmitNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	query := func(context.Context) ([]Snapshot, error) { return nil, nil }
	read := func(_ context.Context, id string) (Snapshot, error) { return snapFor(id, "carol"), nil }
	ids := make(chan string, 1)
	ch := idFeed(ctx, ids, query, read, []Filter{Where("target_id", OpEqual, "bob")}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ids <- "x"
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
