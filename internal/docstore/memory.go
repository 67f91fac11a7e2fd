package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process memory. It backs tests and the
// single-process demo mode.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]*memDoc
	watchers map[int]*memWatcher
	nextID   int
	closed   bool
	log      *slog.Logger
}

type memDoc struct {
	fields map[string]json.RawMessage
	lists  map[string][]json.RawMessage
}

type memWatcher struct {
	coll   string
	id     string // empty for collection watchers
	notify chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     map[string]map[string]*memDoc{},
		watchers: map[int]*memWatcher{},
		log:      slog.Default(),
	}
}

func (s *MemoryStore) Get(ctx context.Context, coll, id string) (Snapshot, error) {
	if err := validateRef(coll, id); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	snap := s.snapshotLocked(coll, id)
	if !snap.Exists {
		return snap, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Set(ctx context.Context, coll, id string, fields Fields, merge bool) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	enc, err := encodeFields(fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d := s.docLocked(coll, id, true)
	if !merge {
		d.fields = map[string]json.RawMessage{}
		d.lists = map[string][]json.RawMessage{}
	}
	for k, v := range enc {
		d.fields[k] = v
	}
	s.notifyLocked(coll, id)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, coll, id string, fields Fields) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	enc, err := encodeFields(fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d := s.docLocked(coll, id, false)
	if d == nil {
		return ErrNotFound
	}
	for k, v := range enc {
		d.fields[k] = v
	}
	s.notifyLocked(coll, id)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, coll, id, list string, value any) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d := s.docLocked(coll, id, true)
	d.lists[list] = append(d.lists[list], raw)
	s.notifyLocked(coll, id)
	return nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, coll, id string, cond Condition, fields Fields) (bool, error) {
	if err := validateRef(coll, id); err != nil {
		return false, err
	}
	enc, err := encodeFields(fields)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	d := s.docLocked(coll, id, false)
	if d == nil {
		return false, nil
	}
	ok, err := cond.holds(d.fields)
	if err != nil || !ok {
		return false, err
	}
	for k, v := range enc {
		d.fields[k] = v
	}
	s.notifyLocked(coll, id)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, coll, id string) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if docs, ok := s.docs[coll]; ok {
		if _, ok := docs[id]; ok {
			delete(docs, id)
			s.notifyLocked(coll, id)
		}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, coll string, filters ...Filter) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.queryLocked(coll, filters), nil
}

func (s *MemoryStore) Watch(ctx context.Context, coll, id string) (<-chan Snapshot, error) {
	if err := validateRef(coll, id); err != nil {
		return nil, err
	}
	notify, err := s.subscribe(ctx, coll, id)
	if err != nil {
		return nil, err
	}
	read := func(ctx context.Context) (Snapshot, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshotLocked(coll, id), nil
	}
	return docFeed(ctx, notify, read, s.log), nil
}

func (s *MemoryStore) WatchQuery(ctx context.Context, coll string, filters ...Filter) (<-chan Change, error) {
	notify, err := s.subscribe(ctx, coll, "")
	if err != nil {
		return nil, err
	}
	query := func(ctx context.Context) ([]Snapshot, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.queryLocked(coll, filters), nil
	}
	return queryFeed(ctx, notify, query, s.log), nil
}

// Close stops every listener. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, w := range s.watchers {
		close(w.notify)
		delete(s.watchers, id)
	}
	return nil
}

func (s *MemoryStore) subscribe(ctx context.Context, coll, id string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	wid := s.nextID
	s.nextID++
	w := &memWatcher{coll: coll, id: id, notify: make(chan struct{}, 1)}
	s.watchers[wid] = w

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[wid]; ok {
			delete(s.watchers, wid)
			close(w.notify)
		}
	}()
	return w.notify, nil
}

func (s *MemoryStore) notifyLocked(coll, id string) {
	for _, w := range s.watchers {
		if w.coll != coll {
			continue
		}
		if w.id != "" && w.id != id {
			continue
		}
		tick(w.notify)
	}
}

func (s *MemoryStore) docLocked(coll, id string, create bool) *memDoc {
	docs, ok := s.docs[coll]
	if !ok {
		if !create {
			return nil
		}
		docs = map[string]*memDoc{}
		s.docs[coll] = docs
	}
	d, ok := docs[id]
	if !ok && create {
		d = &memDoc{fields: map[string]json.RawMessage{}, lists: map[string][]json.RawMessage{}}
		docs[id] = d
	}
	return d
}

func (s *MemoryStore) snapshotLocked(coll, id string) Snapshot {
	snap := Snapshot{Collection: coll, ID: id}
	d := s.docLocked(coll, id, false)
	if d == nil {
		return snap
	}
	snap.Exists = true
	snap.Fields = make(map[string]json.RawMessage, len(d.fields))
	for k, v := range d.fields {
		snap.Fields[k] = v
	}
	if len(d.lists) > 0 {
		snap.Lists = make(map[string][]json.RawMessage, len(d.lists))
		for k, v := range d.lists {
			snap.Lists[k] = append([]json.RawMessage(nil), v...)
		}
	}
	return snap
}

func (s *MemoryStore) queryLocked(coll string, filters []Filter) []Snapshot {
	ids := make([]string, 0, len(s.docs[coll]))
	for id := range s.docs[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap := s.snapshotLocked(coll, id)
		if matchAll(snap, filters) {
			out = append(out, snap)
		}
	}
	return out
}
