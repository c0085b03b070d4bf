package agent

import (
	"context"
	"time"
)

// Filter narrows agent listings.
type Filter struct {
	Zone    *Zone
	Status  *Status
	Persona *Persona
}

// Repository defines agent persistence. GetByID returns (nil, nil) when the
// agent does not exist; callers map that to ErrNotFound at the service
// boundary.
type Repository interface {
	Create(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, agentID string) (*Agent, error)

	// List pages matching agents newest first. A limit of zero or less means
	// no limit.
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Agent, error)

	// UpdateStatus applies a conditional status write: the row must currently
	// hold the from status. A concurrent transition loses the race instead of
	// overwriting it; offline rows are never mutated.
	UpdateStatus(ctx context.Context, agentID string, from, to Status) error

	// UpdateHeartbeat resets the health score to 100 with last-write-wins on
	// the heartbeat timestamp.
	UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) error

	IncrementCompleted(ctx context.Context, agentID string) error
	IncrementFailed(ctx context.Context, agentID string, penalty int) error

	Count(ctx context.Context, zone *Zone) (int, error)
	CountByZone(ctx context.Context) (map[Zone]int, error)

	// Stale returns active agents whose heartbeat is missing or older than the
	// threshold. An active agent that has never heartbeated is stale from
	// creation.
	Stale(ctx context.Context, threshold time.Duration) ([]*Agent, error)

	// LeastUtilized returns active agents in a zone ordered by ascending
	// completed-task count.
	LeastUtilized(ctx context.Context, zone Zone, limit int) ([]*Agent, error)
}

// Cache is an advisory read-through cache keyed by agent id. Entries carry a
// TTL and are invalidated on any registry mutation of the same key; the
// repository stays the only ground truth.
type Cache interface {
	Get(ctx context.Context, agentID string) (*Agent, error)
	Put(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, agentID string) error
}
