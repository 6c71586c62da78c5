package agentstart

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Model names understood by every MemoryAdapter. The schema is small and
// fixed: the engine never touches storage outside these three models.
const (
	ModelThread  = "thread"
	ModelMessage = "message"
	ModelTodo    = "todo"
)

// Operator is the comparison applied by a Where clause.
type Operator string

const (
	OpEq         Operator = "eq"
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpLT         Operator = "lt"
	OpLTE        Operator = "lte"
)

// Connector joins a clause into the conjunctive or disjunctive group.
type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
)

// Where is one filter clause. Clauses with Connector Or form a single
// disjunctive group; the remaining clauses form the conjunctive group;
// a row matches when both groups match.
type Where struct {
	Field     string
	Operator  Operator // zero value means OpEq
	Value     any
	Connector Connector // zero value means And
}

// Eq is shorthand for the most common clause.
func Eq(field string, value any) Where {
	return Where{Field: field, Operator: OpEq, Value: value}
}

// SortBy orders FindMany results.
type SortBy struct {
	Field     string
	Direction string // "asc" or "desc"
}

// MemoryAdapter is the storage facade: the only way the engine touches
// persistent state. Rows are generic maps so adapters stay
// storage-engine-agnostic; both ingress and egress values are normalized
// (time.Time for dates, native Go values for JSON columns).
//
// Upsert must be atomic with respect to concurrent callers matching the
// same where clauses. Adapters generate an "id" (NewID) when the caller
// supplies none.
type MemoryAdapter interface {
	Create(ctx context.Context, model string, data map[string]any) (map[string]any, error)
	FindOne(ctx context.Context, model string, where []Where) (map[string]any, error)
	FindMany(ctx context.Context, model string, where []Where, sortBy *SortBy, limit, offset int) ([]map[string]any, error)
	Count(ctx context.Context, model string, where []Where) (int, error)
	Update(ctx context.Context, model string, where []Where, patch map[string]any) (map[string]any, error)
	UpdateMany(ctx context.Context, model string, where []Where, patch map[string]any) (int, error)
	Upsert(ctx context.Context, model string, where []Where, create, update map[string]any) (map[string]any, error)
	Delete(ctx context.Context, model string, where []Where) error
	DeleteMany(ctx context.Context, model string, where []Where) (int, error)
}

// ModelFields returns the schema for a model, or nil for unknown models.
// Adapters use it to reject unknown models/fields with typed errors.
func ModelFields(model string) []string {
	switch model {
	case ModelThread:
		return []string{"id", "userId", "title", "visibility", "lastContext", "createdAt", "updatedAt"}
	case ModelMessage:
		return []string{"id", "threadId", "role", "parts", "attachments", "metadata", "createdAt", "updatedAt"}
	case ModelTodo:
		return []string{"id", "threadId", "todos", "createdAt", "updatedAt"}
	default:
		return nil
	}
}

// CheckWhere validates model and field names for a clause list.
func CheckWhere(model string, where []Where) error {
	fields := ModelFields(model)
	if fields == nil {
		return &ErrSchema{Model: model}
	}
	for _, w := range where {
		found := false
		for _, f := range fields {
			if f == w.Field {
				found = true
				break
			}
		}
		if !found {
			return &ErrField{Model: model, Field: w.Field}
		}
	}
	return nil
}

// MatchWhere evaluates the clause list against a row: the AND of the
// conjunctive group and the disjunctive (Or) group.
func MatchWhere(row map[string]any, where []Where) bool {
	var anyOr, orMatched bool
	for _, w := range where {
		if w.Connector == Or {
			anyOr = true
			if matchClause(row, w) {
				orMatched = true
			}
			continue
		}
		if !matchClause(row, w) {
			return false
		}
	}
	if anyOr && !orMatched {
		return false
	}
	return true
}

func matchClause(row map[string]any, w Where) bool {
	v, ok := row[w.Field]
	if !ok {
		return false
	}
	op := w.Operator
	if op == "" {
		op = OpEq
	}
	switch op {
	case OpEq:
		return looseEqual(v, w.Value)
	case OpIn:
		rv := reflect.ValueOf(w.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return looseEqual(v, w.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(toString(v), toString(w.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(v), toString(w.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(v), toString(w.Value))
	case OpLT, OpLTE:
		c, ok := compareValues(v, w.Value)
		if !ok {
			return false
		}
		if op == OpLT {
			return c < 0
		}
		return c <= 0
	}
	return false
}

func looseEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	if a == nil || b == nil {
		return a == b
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Cross-type numeric equality (int vs int64 vs float64 after JSON).
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

// compareValues orders two values of compatible kinds.
// Returns ok=false when the kinds cannot be compared.
func compareValues(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := normalizeTime(b)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	return strings.Compare(toString(a), toString(b)), true
}

func normalizeTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case Visibility:
		return string(s)
	case Role:
		return string(s)
	case time.Time:
		return FormatTime(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SortRows orders rows in place by the given sort spec. Ties keep
// insertion order (stable sort), matching the message total-order
// contract (createdAt, then insertion order).
func SortRows(rows []map[string]any, sortBy *SortBy) {
	if sortBy == nil {
		return
	}
	desc := strings.EqualFold(sortBy.Direction, "desc")
	sort.SliceStable(rows, func(i, j int) bool {
		c, ok := compareValues(rows[i][sortBy.Field], rows[j][sortBy.Field])
		if !ok {
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}
