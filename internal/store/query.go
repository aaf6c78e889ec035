package store

import (
	"fmt"
	"sort"
	"time"
)

type FilterOp string

const (
	OpEq            FilterOp = "=="
	OpNeq           FilterOp = "!="
	OpLt            FilterOp = "<"
	OpLte           FilterOp = "<="
	OpGt            FilterOp = ">"
	OpGte           FilterOp = ">="
	OpIn            FilterOp = "in"
	OpArrayContains FilterOp = "array-contains"
)

type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects documents of one collection. Backends evaluate filters,
// ordering and limit with ApplyQuery so every backend agrees on results.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

func NewQuery(collection string) Query {
	return Query{Collection: collection}
}

func (q Query) Where(field string, op FilterOp, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

func (q Query) String() string {
	return fmt.Sprintf("%s %v order=%s desc=%t limit=%d", q.Collection, q.Filters, q.OrderBy, q.Descending, q.Limit)
}

func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: empty collection")
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("query: empty filter field")
		}
		switch f.Op {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpArrayContains:
		case OpIn:
			if _, ok := f.Value.([]string); !ok {
				if _, ok := f.Value.([]any); !ok {
					return fmt.Errorf("query: %s 'in' needs a slice value", f.Field)
				}
			}
		default:
			return fmt.Errorf("query: unsupported operator %q", f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("query: negative limit")
	}
	return nil
}

// Matches reports whether document data satisfies every filter.
func (q Query) Matches(d Data) bool {
	for _, f := range q.Filters {
		if !f.matches(d) {
			return false
		}
	}
	return true
}

func (f Filter) matches(d Data) bool {
	value, present := d[f.Field]
	want, err := NormalizeValue(f.Value)
	if err != nil {
		return false
	}

	switch f.Op {
	case OpEq:
		return present && compareValues(value, want) == 0
	case OpNeq:
		return !present || compareValues(value, want) != 0
	case OpLt:
		return present && sameKind(value, want) && compareValues(value, want) < 0
	case OpLte:
		return present && sameKind(value, want) && compareValues(value, want) <= 0
	case OpGt:
		return present && sameKind(value, want) && compareValues(value, want) > 0
	case OpGte:
		return present && sameKind(value, want) && compareValues(value, want) >= 0
	case OpIn:
		candidates, ok := want.([]any)
		if !ok || !present {
			return false
		}
		for _, c := range candidates {
			if compareValues(value, c) == 0 {
				return true
			}
		}
		return false
	case OpArrayContains:
		items, ok := value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if compareValues(item, want) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ApplyQuery filters, orders and limits snapshots in place of a query engine.
// Only existing documents are returned.
func ApplyQuery(q Query, snapshots []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if !s.Exists || !q.Matches(s.Data) {
			continue
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		// stable tie-break so every backend returns the same order
		return out[i].Ref.ID < out[j].Ref.ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func sameKind(a, b any) bool {
	return typeRank(a) == typeRank(b)
}

// typeRank orders values of different types: nil < bool < number < time < string < other.
func typeRank(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int32, int64:
		return 2
	case string:
		if _, ok := parseTime(t); ok {
			return 3
		}
		return 4
	default:
		return 5
	}
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		af, _ := ToFloat(a)
		bf, _ := ToFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 3:
		at, _ := parseTime(a.(string))
		bt, _ := parseTime(b.(string))
		return at.Compare(bt)
	case 4:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	default:
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

func parseTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
