package storage

import "time"

// ConditionOp is the comparison a Condition performs.
type ConditionOp int

const (
	// OpRowExists holds if the row exists.
	OpRowExists ConditionOp = iota

	// OpRowAbsent holds if the row does not exist.
	OpRowAbsent

	// OpEquals holds if the row exists and the column equals Value. A nil Value matches an absent column.
	OpEquals

	// OpGreaterThan holds if the row exists and the integer column is greater than Value.
	OpGreaterThan

	// OpLessThanColumn holds if the row exists and the integer column is less than the integer column OtherColumn.
	OpLessThanColumn
)

func (op ConditionOp) String() string {
	switch op {
	case OpRowExists:
		return "exists"
	case OpRowAbsent:
		return "absent"
	case OpEquals:
		return "eq"
	case OpGreaterThan:
		return "gt"
	case OpLessThanColumn:
		return "lt_column"
	default:
		return "unknown"
	}
}

// Condition is a predicate over one row of the batch's partition.
type Condition struct {
	Clustering  string
	Op          ConditionOp
	Column      string
	Value       any
	OtherColumn string
}

// RowExists requires the row to exist.
func RowExists(clustering string) Condition {
	return Condition{Clustering: clustering, Op: OpRowExists}
}

// RowAbsent requires the row to be absent.
func RowAbsent(clustering string) Condition {
	return Condition{Clustering: clustering, Op: OpRowAbsent}
}

// ColumnEquals requires column to equal value.
func ColumnEquals(clustering, column string, value any) Condition {
	return Condition{Clustering: clustering, Op: OpEquals, Column: column, Value: value}
}

// ColumnIsNull requires the row to exist with column absent or null.
func ColumnIsNull(clustering, column string) Condition {
	return Condition{Clustering: clustering, Op: OpEquals, Column: column}
}

// ColumnGreaterThan requires the integer column to be greater than value.
func ColumnGreaterThan(clustering, column string, value int64) Condition {
	return Condition{Clustering: clustering, Op: OpGreaterThan, Column: column, Value: value}
}

// ColumnLessThanColumn requires the integer column to be less than the integer column other.
func ColumnLessThanColumn(clustering, column, other string) Condition {
	return Condition{Clustering: clustering, Op: OpLessThanColumn, Column: column, OtherColumn: other}
}

// Mutation changes one row of the batch's partition.
type Mutation struct {
	Clustering string
	Set        Values
	Increment  map[string]int64
	Delete     bool
	Age        time.Time
}

// Batch is a set of mutations applied atomically to a single partition if all conditions hold.
type Batch struct {
	Table      string
	Partition  string
	Conditions []Condition
	Mutations  []Mutation
}

// Validate checks the batch targets exactly one partition and carries at least one mutation.
func (b Batch) Validate() error {
	if err := StaticKey(b.Table, b.Partition).Validate(); err != nil {
		return err
	}

	if len(b.Mutations) == 0 {
		return ErrEmptyBatch
	}

	return nil
}

// Normalized returns a copy of the batch with all values in canonical form.
func (b Batch) Normalized() (Batch, error) {
	out := Batch{
		Table:      b.Table,
		Partition:  b.Partition,
		Conditions: make([]Condition, len(b.Conditions)),
		Mutations:  make([]Mutation, len(b.Mutations)),
	}

	for i, condition := range b.Conditions {
		value, err := normalizeValue(condition.Value)
		if err != nil {
			return Batch{}, ErrUnsupportedValue
		}
		condition.Value = value
		out.Conditions[i] = condition
	}

	for i, mutation := range b.Mutations {
		set, err := Normalize(mutation.Set)
		if err != nil {
			return Batch{}, err
		}
		mutation.Set = set
		out.Mutations[i] = mutation
	}

	return out, nil
}

// ReferencedRows returns the distinct clustering keys named by conditions and mutations.
func (b Batch) ReferencedRows() []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(b.Conditions)+len(b.Mutations))

	add := func(clustering string) {
		if _, ok := seen[clustering]; ok {
			return
		}
		seen[clustering] = struct{}{}
		keys = append(keys, clustering)
	}

	for _, condition := range b.Conditions {
		add(condition.Clustering)
	}
	for _, mutation := range b.Mutations {
		add(mutation.Clustering)
	}

	return keys
}

// Holds evaluates the condition against the current rows of the partition, keyed by clustering key.
func (c Condition) Holds(rows map[string]Row) bool {
	row, exists := rows[c.Clustering]

	switch c.Op {
	case OpRowExists:
		return exists
	case OpRowAbsent:
		return !exists
	}

	if !exists {
		return false
	}

	switch c.Op {
	case OpEquals:
		current := row.Values[c.Column]
		if c.Value == nil {
			return current == nil
		}
		return valuesEqual(current, c.Value)

	case OpGreaterThan:
		current, ok := toInt64(row.Values[c.Column])
		limit, limitOK := toInt64(c.Value)
		return ok && limitOK && current > limit

	case OpLessThanColumn:
		current, ok := toInt64(row.Values[c.Column])
		other, otherOK := toInt64(row.Values[c.OtherColumn])
		return ok && otherOK && current < other

	default:
		return false
	}
}

// AllHold evaluates every condition of the batch.
func (b Batch) AllHold(rows map[string]Row) bool {
	for _, condition := range b.Conditions {
		if !condition.Holds(rows) {
			return false
		}
	}

	return true
}

// Apply returns the row that results from applying m to current.
// The second result is false when the mutation deletes the row.
func (m Mutation) Apply(key Key, current Row, exists bool) (Row, bool) {
	if m.Delete {
		return Row{}, false
	}

	next := Row{Key: key, Values: Values{}}
	if exists {
		next = current.Clone()
		next.Key = key
	}

	for column, value := range m.Set {
		if value == nil {
			delete(next.Values, column)
			continue
		}
		next.Values[column] = value
	}

	for column, delta := range m.Increment {
		current, _ := toInt64(next.Values[column])
		next.Values[column] = current + delta
	}

	if !m.Age.IsZero() {
		next.Age = m.Age.UTC()
	}

	return next, true
}

func valuesEqual(a, b any) bool {
	if an, ok := toInt64(a); ok {
		bn, bok := toInt64(b)
		return bok && an == bn
	}

	return a == b
}
