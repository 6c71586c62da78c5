package agentstart

import (
	"testing"
	"time"
)

func TestMatchWhere_AndGroup(t *testing.T) {
	row := map[string]any{"userId": "u1", "visibility": "private"}

	if !MatchWhere(row, []Where{Eq("userId", "u1"), Eq("visibility", "private")}) {
		t.Error("expected match when all AND clauses hold")
	}
	if MatchWhere(row, []Where{Eq("userId", "u1"), Eq("visibility", "public")}) {
		t.Error("expected no match when one AND clause fails")
	}
}

func TestMatchWhere_OrGroup(t *testing.T) {
	row := map[string]any{"userId": "u1", "visibility": "private"}

	// Owner-or-public: one OR clause matching is enough.
	where := []Where{
		{Field: "userId", Value: "u1", Connector: Or},
		{Field: "visibility", Value: "public", Connector: Or},
	}
	if !MatchWhere(row, where) {
		t.Error("expected match when one OR clause holds")
	}

	where = []Where{
		{Field: "userId", Value: "other", Connector: Or},
		{Field: "visibility", Value: "public", Connector: Or},
	}
	if MatchWhere(row, where) {
		t.Error("expected no match when no OR clause holds")
	}
}

func TestMatchWhere_MixedGroups(t *testing.T) {
	row := map[string]any{"threadId": "t1", "userId": "u1", "visibility": "private"}

	// AND clause must hold alongside the OR group.
	where := []Where{
		Eq("threadId", "t1"),
		{Field: "userId", Value: "u1", Connector: Or},
		{Field: "visibility", Value: "public", Connector: Or},
	}
	if !MatchWhere(row, where) {
		t.Error("expected match: AND holds and one OR holds")
	}

	where[0] = Eq("threadId", "t2")
	if MatchWhere(row, where) {
		t.Error("expected no match when the AND clause fails")
	}
}

func TestMatchWhere_Operators(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := map[string]any{
		"id":        "msg_042",
		"title":     "Fix flaky retry test",
		"createdAt": created,
		"count":     7,
	}

	tests := []struct {
		name  string
		where Where
		want  bool
	}{
		{"in hit", Where{Field: "id", Operator: OpIn, Value: []string{"msg_041", "msg_042"}}, true},
		{"in miss", Where{Field: "id", Operator: OpIn, Value: []string{"msg_041"}}, false},
		{"contains", Where{Field: "title", Operator: OpContains, Value: "flaky"}, true},
		{"starts_with", Where{Field: "id", Operator: OpStartsWith, Value: "msg_"}, true},
		{"ends_with", Where{Field: "id", Operator: OpEndsWith, Value: "042"}, true},
		{"lt time", Where{Field: "createdAt", Operator: OpLT, Value: created.Add(time.Hour)}, true},
		{"lt time equal", Where{Field: "createdAt", Operator: OpLT, Value: created}, false},
		{"lte time equal", Where{Field: "createdAt", Operator: OpLTE, Value: created}, true},
		{"lt numeric", Where{Field: "count", Operator: OpLT, Value: 10}, true},
		{"missing field", Where{Field: "nope", Operator: OpEq, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchWhere(row, []Where{tt.where}); got != tt.want {
				t.Errorf("MatchWhere = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLooseEqual_CrossTypeNumerics(t *testing.T) {
	// Values round-tripped through JSON come back as float64.
	row := map[string]any{"count": float64(3)}
	if !MatchWhere(row, []Where{Eq("count", 3)}) {
		t.Error("int should equal float64 of the same value")
	}
	if !MatchWhere(row, []Where{Eq("count", int64(3))}) {
		t.Error("int64 should equal float64 of the same value")
	}
	if MatchWhere(row, []Where{Eq("count", 4)}) {
		t.Error("distinct numbers should not be equal")
	}
}

func TestLooseEqual_Time(t *testing.T) {
	utc := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	local := utc.In(time.FixedZone("X", 3600))
	row := map[string]any{"createdAt": utc}
	if !MatchWhere(row, []Where{Eq("createdAt", local)}) {
		t.Error("time.Equal should ignore location")
	}
}

func TestSortRows(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []map[string]any{
		{"id": "c", "createdAt": base.Add(2 * time.Second)},
		{"id": "a", "createdAt": base},
		{"id": "b", "createdAt": base.Add(time.Second)},
	}

	SortRows(rows, &SortBy{Field: "createdAt", Direction: "asc"})
	for i, want := range []string{"a", "b", "c"} {
		if rows[i]["id"] != want {
			t.Fatalf("asc position %d = %v, want %s", i, rows[i]["id"], want)
		}
	}

	SortRows(rows, &SortBy{Field: "createdAt", Direction: "desc"})
	if rows[0]["id"] != "c" {
		t.Errorf("desc first = %v, want c", rows[0]["id"])
	}
}

func TestSortRows_StableTies(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []map[string]any{
		{"id": "first", "createdAt": ts},
		{"id": "second", "createdAt": ts},
		{"id": "third", "createdAt": ts},
	}
	SortRows(rows, &SortBy{Field: "createdAt", Direction: "asc"})
	for i, want := range []string{"first", "second", "third"} {
		if rows[i]["id"] != want {
			t.Fatalf("tie position %d = %v, want %s (insertion order must survive)", i, rows[i]["id"], want)
		}
	}
}

func TestCheckWhere(t *testing.T) {
	if err := CheckWhere(ModelThread, []Where{Eq("userId", "u1")}); err != nil {
		t.Errorf("valid clause: %v", err)
	}

	err := CheckWhere("bogus", nil)
	if _, ok := err.(*ErrSchema); !ok {
		t.Errorf("unknown model: got %T, want *ErrSchema", err)
	}

	err = CheckWhere(ModelThread, []Where{Eq("nope", "x")})
	if _, ok := err.(*ErrField); !ok {
		t.Errorf("unknown field: got %T, want *ErrField", err)
	}
}

func TestModelFields(t *testing.T) {
	if ModelFields("bogus") != nil {
		t.Error("unknown model should return nil")
	}
	fields := ModelFields(ModelMessage)
	want := map[string]bool{"id": true, "threadId": true, "parts": true}
	for f := range want {
		found := false
		for _, have := range fields {
			if have == f {
				found = true
			}
		}
		if !found {
			t.Errorf("message fields missing %q", f)
		}
	}
}
