package docstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedisStore(rdb, nil)
	})
}

func TestRedisKeysLayout(t *testing.T) {
	k := keysFor("callSessions", "call_1")
	if k.doc != "docstore:callSessions:doc:call_1" {
		t.Fatalf("unexpected doc key %q", k.doc)
	}
	if k.listPrefix+"candidates_initiator" != "docstore:callSessions:list:call_1:candidates_initiator" {
		t.Fatalf("unexpected list key %q", k.listPrefix)
	}
	if k.collEvents != "docstore:callSessions:events" || k.docEvents != "docstore:callSessions:events:call_1" {
		t.Fatalf("unexpected channels %q %q", k.collEvents, k.docEvents)
	}
}

func TestHashPairsSorted(t *testing.T) {
	pairs, err := hashPairs(Fields{"b": 2, "a": "x"})
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(pairs) != 4 || pairs[0] != "a" || pairs[1] != `"x"` || pairs[2] != "b" || pairs[3] != "2" {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
}
