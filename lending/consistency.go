package lending

import "context"

// ConsistencyLevel selects where storage engines serve reads from.
type ConsistencyLevel int

const (
	// StrongConsistency reads from the primary. Every read that precedes a conditional write uses it.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency allows reads from a replica. Catalog listings and history views use it.
	EventualConsistency
)

type contextKey string

// ConsistencyLevelKey is the context key under which the read consistency level is stored.
const ConsistencyLevelKey contextKey = "lending.consistency_level"

// WithStrongConsistency marks reads made with ctx as requiring the primary.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, StrongConsistency)
}

// WithEventualConsistency allows reads made with ctx to be served by a replica.
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, EventualConsistency)
}

// GetConsistencyLevel returns the level stored in ctx, StrongConsistency if none is set.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(ConsistencyLevelKey).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}
