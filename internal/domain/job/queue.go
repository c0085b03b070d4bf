package job

import (
	"context"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// Queue defines the durable per-zone job queue backend with at-least-once
// delivery. Delayed entries back the retry backoff schedule.
type Queue interface {
	Enqueue(ctx context.Context, j *Job) error
	EnqueueDelayed(ctx context.Context, j *Job, delay time.Duration) error

	// Dequeue blocks up to wait for the next job in the zone queue and returns
	// (nil, nil) when none arrived. Higher-priority jobs are delivered first;
	// jobs of equal priority come out in arrival order.
	Dequeue(ctx context.Context, zone agent.Zone, wait time.Duration) (*Job, error)

	// PromoteDue moves delayed jobs whose due time has passed back onto the
	// zone queue and returns how many were promoted.
	PromoteDue(ctx context.Context, zone agent.Zone, now time.Time) (int, error)

	// Depth returns the waiting and delayed counts for a zone.
	Depth(ctx context.Context, zone agent.Zone) (waiting, delayed int, err error)
}
