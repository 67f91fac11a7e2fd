package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore maps documents onto plain Redis structures:
//
//	docstore:<coll>:ids                 set of document ids
//	docstore:<coll>:doc:<id>            hash of scalar fields (JSON values)
//	docstore:<coll>:lists:<id>          set of list field names
//	docstore:<coll>:list:<id>:<name>    list field entries
//
// Every write publishes the document id on docstore:<coll>:events and
// docstore:<coll>:events:<id>. Document watchers re-read on each message;
// query watchers re-read just the document the message names.
type RedisStore struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisStore(rdb *redis.Client, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{rdb: rdb, log: log}
}

var replaceScript = redis.NewScript(`
-- KEYS[1] = ids set, KEYS[2] = doc hash, KEYS[3] = list names set
-- ARGV[1] = list key prefix, ARGV[2] = id, ARGV[3..] = field/value pairs
local names = redis.call('SMEMBERS', KEYS[3])
for _, n in ipairs(names) do
  redis.call('DEL', ARGV[1] .. n)
end
redis.call('DEL', KEYS[2], KEYS[3])
redis.call('SADD', KEYS[1], ARGV[2])
if #ARGV > 2 then
  redis.call('HSET', KEYS[2], unpack(ARGV, 3))
end
return 1
`)

var updateScript = redis.NewScript(`
-- KEYS[1] = ids set, KEYS[2] = doc hash
-- ARGV[1] = id, ARGV[2..] = field/value pairs
-- Returns 0 when the document does not exist.
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if #ARGV > 1 then
  redis.call('HSET', KEYS[2], unpack(ARGV, 2))
end
return 1
`)

var compareAndSetScript = redis.NewScript(`
-- KEYS[1] = ids set, KEYS[2] = doc hash
-- ARGV[1] = id, ARGV[2] = guarded field, ARGV[3] = 'absent' | 'equal'
-- ARGV[4] = expected value, ARGV[5..] = field/value pairs
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local cur = redis.call('HGET', KEYS[2], ARGV[2])
if ARGV[3] == 'absent' then
  if cur and cur ~= 'null' then
    return 0
  end
elseif cur ~= ARGV[4] then
  return 0
end
if #ARGV > 4 then
  redis.call('HSET', KEYS[2], unpack(ARGV, 5))
end
return 1
`)

var deleteScript = redis.NewScript(`
-- KEYS[1] = ids set, KEYS[2] = doc hash, KEYS[3] = list names set
-- ARGV[1] = list key prefix, ARGV[2] = id
local names = redis.call('SMEMBERS', KEYS[3])
for _, n in ipairs(names) do
  redis.call('DEL', ARGV[1] .. n)
end
redis.call('DEL', KEYS[2], KEYS[3])
return redis.call('SREM', KEYS[1], ARGV[2])
`)

func (s *RedisStore) Get(ctx context.Context, coll, id string) (Snapshot, error) {
	if err := validateRef(coll, id); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.read(ctx, coll, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !snap.Exists {
		return snap, ErrNotFound
	}
	return snap, nil
}

func (s *RedisStore) Set(ctx context.Context, coll, id string, fields Fields, merge bool) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	pairs, err := hashPairs(fields)
	if err != nil {
		return err
	}
	k := keysFor(coll, id)
	if merge {
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, k.ids, id)
			if len(pairs) > 0 {
				p.HSet(ctx, k.doc, pairs...)
			}
			return nil
		})
	} else {
		args := append([]any{k.listPrefix, id}, pairs...)
		err = replaceScript.Run(ctx, s.rdb, []string{k.ids, k.doc, k.listNames}, args...).Err()
	}
	if err != nil {
		return fmt.Errorf("docstore: redis set %s/%s: %w", coll, id, err)
	}
	s.publish(ctx, k)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, coll, id string, fields Fields) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	pairs, err := hashPairs(fields)
	if err != nil {
		return err
	}
	k := keysFor(coll, id)
	res, err := updateScript.Run(ctx, s.rdb, []string{k.ids, k.doc}, append([]any{id}, pairs...)...).Int()
	if err != nil {
		return fmt.Errorf("docstore: redis update %s/%s: %w", coll, id, err)
	}
	if res == 0 {
		return ErrNotFound
	}
	s.publish(ctx, k)
	return nil
}

func (s *RedisStore) Append(ctx context.Context, coll, id, list string, value any) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	if list == "" {
		return errors.New("docstore: list name is required")
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	k := keysFor(coll, id)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k.ids, id)
		p.SAdd(ctx, k.listNames, list)
		p.RPush(ctx, k.listPrefix+list, string(raw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("docstore: redis append %s/%s.%s: %w", coll, id, list, err)
	}
	s.publish(ctx, k)
	return nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, coll, id string, cond Condition, fields Fields) (bool, error) {
	if err := validateRef(coll, id); err != nil {
		return false, err
	}
	pairs, err := hashPairs(fields)
	if err != nil {
		return false, err
	}
	mode, expected := "absent", ""
	if cond.Value != nil {
		raw, err := encodeValue(cond.Value)
		if err != nil {
			return false, err
		}
		mode, expected = "equal", string(raw)
	}
	k := keysFor(coll, id)
	args := append([]any{id, cond.Field, mode, expected}, pairs...)
	res, err := compareAndSetScript.Run(ctx, s.rdb, []string{k.ids, k.doc}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("docstore: redis compare-and-set %s/%s: %w", coll, id, err)
	}
	if res == 0 {
		return false, nil
	}
	s.publish(ctx, k)
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, coll, id string) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	k := keysFor(coll, id)
	removed, err := deleteScript.Run(ctx, s.rdb, []string{k.ids, k.doc, k.listNames}, k.listPrefix, id).Int()
	if err != nil {
		return fmt.Errorf("docstore: redis delete %s/%s: %w", coll, id, err)
	}
	if removed > 0 {
		s.publish(ctx, k)
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, coll string, filters ...Filter) ([]Snapshot, error) {
	ids, err := s.rdb.SMembers(ctx, collKeys(coll).ids).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: redis query %s: %w", coll, err)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.read(ctx, coll, id)
		if err != nil {
			return nil, err
		}
		if matchAll(snap, filters) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *RedisStore) Watch(ctx context.Context, coll, id string) (<-chan Snapshot, error) {
	if err := validateRef(coll, id); err != nil {
		return nil, err
	}
	notify, err := s.subscribe(ctx, keysFor(coll, id).docEvents)
	if err != nil {
		return nil, err
	}
	read := func(ctx context.Context) (Snapshot, error) { return s.read(ctx, coll, id) }
	return docFeed(ctx, notify, read, s.log), nil
}

// WatchQuery runs the query once, then re-reads only the document named by
// each collection event, so a write costs every watcher a single read.
func (s *RedisStore) WatchQuery(ctx context.Context, coll string, filters ...Filter) (<-chan Change, error) {
	ids, err := s.subscribeIDs(ctx, collKeys(coll).collEvents)
	if err != nil {
		return nil, err
	}
	query := func(ctx context.Context) ([]Snapshot, error) { return s.Query(ctx, coll, filters...) }
	read := func(ctx context.Context, id string) (Snapshot, error) { return s.read(ctx, coll, id) }
	return idFeed(ctx, ids, query, read, filters, s.log), nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) read(ctx context.Context, coll, id string) (Snapshot, error) {
	k := keysFor(coll, id)
	var (
		exists *redis.BoolCmd
		hash   *redis.MapStringStringCmd
		names  *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.SIsMember(ctx, k.ids, id)
		hash = p.HGetAll(ctx, k.doc)
		names = p.SMembers(ctx, k.listNames)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("docstore: redis read %s/%s: %w", coll, id, err)
	}

	snap := Snapshot{Collection: coll, ID: id}
	if !exists.Val() {
		return snap, nil
	}
	snap.Exists = true
	snap.Fields = make(map[string]json.RawMessage, len(hash.Val()))
	for f, v := range hash.Val() {
		snap.Fields[f] = json.RawMessage(v)
	}

	if len(names.Val()) == 0 {
		return snap, nil
	}
	ranges := make(map[string]*redis.StringSliceCmd, len(names.Val()))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, n := range names.Val() {
			ranges[n] = p.LRange(ctx, k.listPrefix+n, 0, -1)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("docstore: redis read lists %s/%s: %w", coll, id, err)
	}
	snap.Lists = make(map[string][]json.RawMessage, len(ranges))
	for n, cmd := range ranges {
		entries := make([]json.RawMessage, 0, len(cmd.Val()))
		for _, e := range cmd.Val() {
			entries = append(entries, json.RawMessage(e))
		}
		snap.Lists[n] = entries
	}
	return snap, nil
}

func (s *RedisStore) publish(ctx context.Context, k redisKeys) {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, k.docEvents, k.id)
		p.Publish(ctx, k.collEvents, k.id)
		return nil
	})
	if err != nil {
		s.log.Warn("docstore: publish failed", "collection", k.coll, "id", k.id, "err", err)
	}
}

// subscribe returns once the subscription is confirmed, so a read issued
// afterwards cannot miss a concurrent write.
func (s *RedisStore) subscribe(ctx context.Context, channel string) (<-chan struct{}, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("docstore: redis subscribe %s: %w", channel, err)
	}

	notify := make(chan struct{}, 1)
	go func() {
		defer close(notify)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				tick(notify)
			}
		}
	}()
	return notify, nil
}

// subscribeIDs is subscribe for collection channels: it passes on the
// document id carried by every message instead of coalescing them.
func (s *RedisStore) subscribeIDs(ctx context.Context, channel string) (<-chan string, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("docstore: redis subscribe %s: %w", channel, err)
	}

	ids := make(chan string, 64)
	go func() {
		defer close(ids)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ids <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ids, nil
}

type redisKeys struct {
	coll, id   string
	ids        string
	doc        string
	listNames  string
	listPrefix string
	docEvents  string
	collEvents string
}

func collKeys(coll string) redisKeys {
	base := "docstore:" + coll
	return redisKeys{coll: coll, ids: base + ":ids", collEvents: base + ":events"}
}

func keysFor(coll, id string) redisKeys {
	k := collKeys(coll)
	base := "docstore:" + coll
	k.id = id
	k.doc = base + ":doc:" + id
	k.listNames = base + ":lists:" + id
	k.listPrefix = base + ":list:" + id + ":"
	k.docEvents = base + ":events:" + id
	return k
}

func hashPairs(fields Fields) ([]any, error) {
	enc, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(enc))
	for f := range enc {
		names = append(names, f)
	}
	sort.Strings(names)
	pairs := make([]any, 0, 2*len(enc))
	for _, f := range names {
		pairs = append(pairs, f, string(enc[f]))
	}
	return pairs, nil
}
