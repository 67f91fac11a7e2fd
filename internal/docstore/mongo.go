package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each store collection in a Mongo collection of the same
// name. Scalar fields live under "f" and list fields under "l"; values are
// kept as their JSON text so filters compare exactly like the other
// backends. Listeners use change streams, which need a replica set.
type MongoStore struct {
	db  *mongo.Database
	log *slog.Logger
}

type mongoDoc struct {
	ID     string              `bson:"_id"`
	Fields map[string]string   `bson:"f,omitempty"`
	Lists  map[string][]string `bson:"l,omitempty"`
}

func NewMongoStore(db *mongo.Database, log *slog.Logger) *MongoStore {
	if log == nil {
		log = slog.Default()
	}
	return &MongoStore{db: db, log: log}
}

func (s *MongoStore) Get(ctx context.Context, coll, id string) (Snapshot, error) {
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

func (s *MongoStore) Set(ctx context.Context, coll, id string, fields Fields, merge bool) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	enc, err := mongoFields(fields)
	if err != nil {
		return err
	}
	c := s.db.Collection(coll)
	if !merge {
		doc := mongoDoc{ID: id, Fields: enc, Lists: map[string][]string{}}
		_, err = c.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	} else {
		_, err = c.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, setUpdate(enc), options.Update().SetUpsert(true))
	}
	if err != nil {
		return fmt.Errorf("docstore: mongo set %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, coll, id string, fields Fields) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	enc, err := mongoFields(fields)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(coll).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, setUpdate(enc))
	if err != nil {
		return fmt.Errorf("docstore: mongo update %s/%s: %w", coll, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, coll, id, list string, value any) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	if err := validateMongoName(list); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	update := bson.D{{Key: "$push", Value: bson.D{{Key: "l." + list, Value: string(raw)}}}}
	_, err = s.db.Collection(coll).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("docstore: mongo append %s/%s.%s: %w", coll, id, list, err)
	}
	return nil
}

func (s *MongoStore) CompareAndSet(ctx context.Context, coll, id string, cond Condition, fields Fields) (bool, error) {
	if err := validateRef(coll, id); err != nil {
		return false, err
	}
	if err := validateMongoName(cond.Field); err != nil {
		return false, err
	}
	enc, err := mongoFields(fields)
	if err != nil {
		return false, err
	}
	filter, err := conditionFilter(id, cond)
	if err != nil {
		return false, err
	}
	res, err := s.db.Collection(coll).UpdateOne(ctx, filter, setUpdate(enc))
	if err != nil {
		return false, fmt.Errorf("docstore: mongo compare-and-set %s/%s: %w", coll, id, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) Delete(ctx context.Context, coll, id string) error {
	if err := validateRef(coll, id); err != nil {
		return err
	}
	if _, err := s.db.Collection(coll).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("docstore: mongo delete %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, coll string, filters ...Filter) ([]Snapshot, error) {
	filter, err := queryFilter(filters)
	if err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(coll).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("docstore: mongo query %s: %w", coll, err)
	}
	defer cur.Close(ctx)

	var out []Snapshot
	for cur.Next(ctx) {
		var d mongoDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("docstore: mongo decode %s: %w", coll, err)
		}
		out = append(out, d.snapshot(coll))
	}
	return out, cur.Err()
}

func (s *MongoStore) Watch(ctx context.Context, coll, id string) (<-chan Snapshot, error) {
	if err := validateRef(coll, id); err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	}
	notify, err := s.subscribe(ctx, coll, pipeline)
	if err != nil {
		return nil, err
	}
	read := func(ctx context.Context) (Snapshot, error) { return s.read(ctx, coll, id) }
	return docFeed(ctx, notify, read, s.log), nil
}

func (s *MongoStore) WatchQuery(ctx context.Context, coll string, filters ...Filter) (<-chan Change, error) {
	notify, err := s.subscribe(ctx, coll, mongo.Pipeline{})
	if err != nil {
		return nil, err
	}
	query := func(ctx context.Context) ([]Snapshot, error) { return s.Query(ctx, coll, filters...) }
	return queryFeed(ctx, notify, query, s.log), nil
}

// Close is a no-op; the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (s *MongoStore) read(ctx context.Context, coll, id string) (Snapshot, error) {
	var d mongoDoc
	err := s.db.Collection(coll).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{Collection: coll, ID: id}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("docstore: mongo read %s/%s: %w", coll, id, err)
	}
	return d.snapshot(coll), nil
}

// subscribe opens the change stream before the first read happens so no
// write between the two is lost.
func (s *MongoStore) subscribe(ctx context.Context, coll string, pipeline mongo.Pipeline) (<-chan struct{}, error) {
	cs, err := s.db.Collection(coll).Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("docstore: mongo watch %s: %w", coll, err)
	}
	notify := make(chan struct{}, 1)
	go func() {
		defer close(notify)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			tick(notify)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Warn("docstore: change stream ended", "collection", coll, "err", err)
		}
	}()
	return notify, nil
}

func (d mongoDoc) snapshot(coll string) Snapshot {
	snap := Snapshot{Collection: coll, ID: d.ID, Exists: true, Fields: make(map[string]json.RawMessage, len(d.Fields))}
	for k, v := range d.Fields {
		snap.Fields[k] = json.RawMessage(v)
	}
	if len(d.Lists) > 0 {
		snap.Lists = make(map[string][]json.RawMessage, len(d.Lists))
		for k, entries := range d.Lists {
			out := make([]json.RawMessage, 0, len(entries))
			for _, e := range entries {
				out = append(out, json.RawMessage(e))
			}
			snap.Lists[k] = out
		}
	}
	return snap
}

func mongoFields(fields Fields) (map[string]string, error) {
	enc, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(enc))
	for k, v := range enc {
		if err := validateMongoName(k); err != nil {
			return nil, err
		}
		out[k] = string(v)
	}
	return out, nil
}

func setUpdate(fields map[string]string) bson.D {
	if len(fields) == 0 {
		return bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "f", Value: bson.D{}}}}}
	}
	set := make(bson.D, 0, len(fields))
	for k, v := range fields {
		set = append(set, bson.E{Key: "f." + k, Value: v})
	}
	return bson.D{{Key: "$set", Value: set}}
}

func conditionFilter(id string, cond Condition) (bson.D, error) {
	key := "f." + cond.Field
	if cond.Value == nil {
		return bson.D{
			{Key: "_id", Value: id},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: key, Value: bson.D{{Key: "$exists", Value: false}}}},
				bson.D{{Key: key, Value: "null"}},
			}},
		}, nil
	}
	raw, err := encodeValue(cond.Value)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "_id", Value: id}, {Key: key, Value: string(raw)}}, nil
}

func queryFilter(filters []Filter) (bson.D, error) {
	out := bson.D{}
	for _, f := range filters {
		if err := validateMongoName(f.Field); err != nil {
			return nil, err
		}
		raw, err := encodeValue(f.Value)
		if err != nil {
			return nil, err
		}
		key := "f." + f.Field
		switch f.Op {
		case OpEqual:
			out = append(out, bson.E{Key: key, Value: string(raw)})
		case OpNotEqual:
			out = append(out, bson.E{Key: key, Value: bson.D{
				{Key: "$exists", Value: true},
				{Key: "$ne", Value: string(raw)},
			}})
		default:
			return nil, fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	return out, nil
}

func validateMongoName(name string) error {
	if name == "" || strings.ContainsAny(name, ".$") {
		return fmt.Errorf("docstore: invalid field name %q", name)
	}
	return nil
}
