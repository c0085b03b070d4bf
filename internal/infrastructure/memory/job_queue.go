package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
)

type delayedJob struct {
	job *job.Job
	due time.Time
}

// JobQueue is an in-memory job.Queue for tests and local runs without redis.
type JobQueue struct {
	mu      sync.Mutex
	ready   map[agent.Zone][]*job.Job
	delayed map[agent.Zone][]delayedJob
	wake    chan struct{}
}

func NewJobQueue() *JobQueue {
	return &JobQueue{
		ready:   make(map[agent.Zone][]*job.Job),
		delayed: make(map[agent.Zone][]delayedJob),
		wake:    make(chan struct{}, 1),
	}
}

func (q *JobQueue) Enqueue(_ context.Context, j *job.Job) error {
	q.mu.Lock()
	q.ready[j.Zone] = append(q.ready[j.Zone], j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *JobQueue) EnqueueDelayed(_ context.Context, j *job.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[j.Zone] = append(q.delayed[j.Zone], delayedJob{job: j, due: time.Now().Add(delay)})
	return nil
}

func (q *JobQueue) Dequeue(ctx context.Context, zone agent.Zone, wait time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if jobs := q.ready[zone]; len(jobs) > 0 {
			// Highest priority first; the strict comparison keeps arrival
			// order within a priority tier.
			best := 0
			for i, j := range jobs {
				if j.Priority > jobs[best].Priority {
					best = i
				}
			}
			j := jobs[best]
			q.ready[zone] = append(jobs[:best], jobs[best+1:]...)
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(minDuration(remaining, 10*time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *JobQueue) PromoteDue(_ context.Context, zone agent.Zone, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keep []delayedJob
	promoted := 0
	for _, d := range q.delayed[zone] {
		if d.due.After(now) {
			keep = append(keep, d)
			continue
		}
		q.ready[zone] = append(q.ready[zone], d.job)
		promoted++
	}
	q.delayed[zone] = keep
	if promoted > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return promoted, nil
}

func (q *JobQueue) Depth(_ context.Context, zone agent.Zone) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[zone]), len(q.delayed[zone]), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
