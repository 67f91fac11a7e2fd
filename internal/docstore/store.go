package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is the shared document store every participant reads and writes.
//
// Documents live in named collections and carry two kinds of data:
// scalar fields (last-write-wins, merged per field) and append-only list
// fields. Listeners observe documents or filtered collections and receive
// the state after each write; consecutive writes may be coalesced.
type Store interface {
	Get(ctx context.Context, coll, id string) (Snapshot, error)

	// Set creates the document. With merge=false any previous content
	// (including list fields) is replaced.
	Set(ctx context.Context, coll, id string, fields Fields, merge bool) error

	// Update merges fields into an existing document, ErrNotFound otherwise.
	Update(ctx context.Context, coll, id string, fields Fields) error

	// Append adds value to the end of the list field, creating the document if needed.
	Append(ctx context.Context, coll, id, list string, value any) error

	// CompareAndSet merges fields only when cond holds. It reports whether
	// the write happened; a missing document never matches.
	CompareAndSet(ctx context.Context, coll, id string, cond Condition, fields Fields) (bool, error)

	// Delete is idempotent.
	Delete(ctx context.Context, coll, id string) error

	Query(ctx context.Context, coll string, filters ...Filter) ([]Snapshot, error)

	// Watch delivers the current state of the document first, then the
	// state after every change. The channel closes when ctx is done.
	Watch(ctx context.Context, coll, id string) (<-chan Snapshot, error)

	// WatchQuery delivers Added for every matching document first, then
	// Added/Modified/Removed as the result set changes.
	WatchQuery(ctx context.Context, coll string, filters ...Filter) (<-chan Change, error)

	Close() error
}

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrClosed   = errors.New("docstore: store closed")
)

// Fields is a partial document. Values are JSON encoded on write.
type Fields map[string]any

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	Collection string                       `json:"collection"`
	ID         string                       `json:"id"`
	Exists     bool                         `json:"exists"`
	Fields     map[string]json.RawMessage   `json:"fields,omitempty"`
	Lists      map[string][]json.RawMessage `json:"lists,omitempty"`
}

// Decode unmarshals the scalar fields into dst as if they were one JSON object.
func (s Snapshot) Decode(dst any) error {
	if !s.Exists {
		return ErrNotFound
	}
	raw, err := json.Marshal(s.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Field decodes a single field. ok is false when the field is absent or null.
func (s Snapshot) Field(name string, dst any) (ok bool, err error) {
	raw, found := s.Fields[name]
	if !found || isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("docstore: field %s: %w", name, err)
	}
	return true, nil
}

// List returns the raw entries of a list field in append order.
func (s Snapshot) List(name string) []json.RawMessage {
	return s.Lists[name]
}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual    Op = "=="
	OpNotEqual Op = "!="
)

// Filter restricts a query to documents whose field compares to Value.
// Documents missing the field never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func (f Filter) Match(s Snapshot) bool {
	if !s.Exists {
		return false
	}
	raw, ok := s.Fields[f.Field]
	if !ok {
		return false
	}
	want, err := encodeValue(f.Value)
	if err != nil {
		return false
	}
	eq := bytes.Equal(raw, want)
	switch f.Op {
	case OpEqual:
		return eq
	case OpNotEqual:
		return !eq
	default:
		return false
	}
}

func matchAll(s Snapshot, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(s) {
			return false
		}
	}
	return true
}

// Condition guards CompareAndSet. A nil Value matches an absent or null field.
type Condition struct {
	Field string
	Value any
}

func (c Condition) holds(fields map[string]json.RawMessage) (bool, error) {
	raw, ok := fields[c.Field]
	if c.Value == nil {
		return !ok || isNull(raw), nil
	}
	want, err := encodeValue(c.Value)
	if err != nil {
		return false, err
	}
	return ok && bytes.Equal(raw, want), nil
}

// ChangeType classifies query listener events.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type     ChangeType
	Snapshot Snapshot
}

// encodeValue produces the canonical stored form of a value. Stored fields
// and filter operands go through the same encoder so equality is byte
// equality.
func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func encodeFields(fields Fields) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "" {
			return nil, errors.New("docstore: empty field name")
		}
		raw, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("docstore: encode %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func validateRef(coll, id string) error {
	if coll == "" || id == "" {
		return errors.New("docstore: collection and id are required")
	}
	return nil
}
