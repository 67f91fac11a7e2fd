package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Backends only need to tell the feed that something in a collection (or a
// document) changed; the feed re-reads and publishes the new state. Ticks
// are coalesced into a buffer of one, so a burst of writes yields at least
// one read of the final state.

func tick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type readFunc func(ctx context.Context) (Snapshot, error)

type queryFunc func(ctx context.Context) ([]Snapshot, error)

func docFeed(ctx context.Context, notify <-chan struct{}, read readFunc, log *slog.Logger) <-chan Snapshot {
	out := make(chan Snapshot, 8)
	go func() {
		defer close(out)
		for {
			snap, err := read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("docstore: watch read failed", "err", err)
			} else {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}

func queryFeed(ctx context.Context, notify <-chan struct{}, query queryFunc, log *slog.Logger) <-chan Change {
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		seen := map[string]string{}
		for {
			snaps, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("docstore: query watch failed", "err", err)
			} else {
				for _, ch := range diffResults(seen, snaps) {
					select {
					case out <- ch:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}

type readIDFunc func(ctx context.Context, id string) (Snapshot, error)

// idFeed serves a query watch from per-document events. One full query
// seeds the result set; after that each id is re-read on its own and
// checked against filters.
func idFeed(ctx context.Context, ids <-chan string, query queryFunc, read readIDFunc, filters []Filter, log *slog.Logger) <-chan Change {
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		seen := map[string]string{}
		emit := func(changes []Change) bool {
			for _, ch := range changes {
				select {
				case out <- ch:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		snaps, err := query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("docstore: query watch failed", "err", err)
		} else if !emit(diffResults(seen, snaps)) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-ids:
				if !ok {
					return
				}
				snap, err := read(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("docstore: query watch read failed", "id", id, "err", err)
					continue
				}
				if !emit(diffOne(seen, id, snap, filters)) {
					return
				}
			}
		}
	}()
	return out
}

// diffOne is diffResults for a single re-read document.
func diffOne(seen map[string]string, id string, s Snapshot, filters []Filter) []Change {
	prev, had := seen[id]
	if !matchAll(s, filters) || !s.Exists {
		if !had {
			return nil
		}
		delete(seen, id)
		return []Change{{Type: ChangeRemoved, Snapshot: Snapshot{ID: id}}}
	}
	sig := signature(s)
	seen[id] = sig
	switch {
	case !had:
		return []Change{{Type: ChangeAdded, Snapshot: s}}
	case prev != sig:
		return []Change{{Type: ChangeModified, Snapshot: s}}
	}
	return nil
}

// diffResults compares a fresh result set against the previous one and
// updates seen in place.
func diffResults(seen map[string]string, snaps []Snapshot) []Change {
	var changes []Change
	current := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		current[s.ID] = struct{}{}
		sig := signature(s)
		prev, ok := seen[s.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeAdded, Snapshot: s})
		case prev != sig:
			changes = append(changes, Change{Type: ChangeModified, Snapshot: s})
		default:
			continue
		}
		seen[s.ID] = sig
	}
	for id := range seen {
		if _, ok := current[id]; ok {
			continue
		}
		delete(seen, id)
		changes = append(changes, Change{Type: ChangeRemoved, Snapshot: Snapshot{ID: id}})
	}
	return changes
}

func signature(s Snapshot) string {
	b, _ := json.Marshal(s)
	return string(b)
}
