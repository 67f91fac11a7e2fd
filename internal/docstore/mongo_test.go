package docstore

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestQueryFilter(t *testing.T) {
	f, err := queryFilter([]Filter{
		Where("target_id", OpEqual, "bob"),
		Where("status", OpNotEqual, "rejected"),
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(f) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(f))
	}
	if f[0].Key != "f.target_id" || f[0].Value != `"bob"` {
		t.Fatalf("unexpected equality clause: %+v", f[0])
	}
	ne, ok := f[1].Value.(bson.D)
	if !ok || f[1].Key != "f.status" || len(ne) != 2 || ne[1].Key != "$ne" || ne[1].Value != `"rejected"` {
		t.Fatalf("unexpected inequality clause: %+v", f[1])
	}
}

func TestConditionFilter(t *testing.T) {
	f, err := conditionFilter("u1", Condition{Field: "status", Value: "available"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if f[0].Value != "u1" || f[1].Key != "f.status" || f[1].Value != `"available"` {
		t.Fatalf("unexpected filter: %+v", f)
	}

	f, _ = conditionFilter("u1", Condition{Field: "call_id"})
	if f[1].Key != "$or" {
		t.Fatalf("expected $or for absent condition, got %+v", f)
	}
}

func TestMongoRejectsDottedNames(t *testing.T) {
	if _, err := mongoFields(Fields{"a.b": 1}); err == nil {
		t.Fatalf("expected error for dotted field")
	}
	if _, err := queryFilter([]Filter{Where("$where", OpEqual, 1)}); err == nil {
		t.Fatalf("expected error for operator field")
	}
}
