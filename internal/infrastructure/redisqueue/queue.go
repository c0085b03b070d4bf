package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
)

// priorityBand separates the priority tiers in the ready-set score. It must
// exceed any unix-millisecond timestamp so a lower-priority job can never
// outrank a higher-priority one on age alone.
const priorityBand = 1e13

// JobQueue implements job.Queue on redis: one sorted set per zone for ready
// jobs scored by priority then arrival time, and one sorted set per zone for
// delayed (backoff) jobs scored by due time. Delivery is at-least-once; a
// consumer crash after BZPOPMIN loses only the job it held, and the
// submitter's retry budget covers redelivery.
type JobQueue struct {
	rdb *redis.Client
}

func NewJobQueue(rdb *redis.Client) *JobQueue {
	return &JobQueue{rdb: rdb}
}

func readyKey(zone agent.Zone) string {
	return fmt.Sprintf("fleet:queue:%s", zone)
}

func delayedKey(zone agent.Zone) string {
	return fmt.Sprintf("fleet:queue:%s:delayed", zone)
}

// readyScore ranks ready jobs: higher priority pops first, oldest first
// within the same priority.
func readyScore(priority int, at time.Time) float64 {
	return float64(job.MaxPriority-priority)*priorityBand + float64(at.UnixMilli())
}

func (q *JobQueue) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	score := readyScore(j.Priority, time.Now())
	return q.rdb.ZAdd(ctx, readyKey(j.Zone), redis.Z{Score: score, Member: data}).Err()
}

func (q *JobQueue) EnqueueDelayed(ctx context.Context, j *job.Job, delay time.Duration) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, delayedKey(j.Zone), redis.Z{Score: due, Member: data}).Err()
}

func (q *JobQueue) Dequeue(ctx context.Context, zone agent.Zone, wait time.Duration) (*job.Job, error) {
	res, err := q.rdb.BZPopMin(ctx, wait, readyKey(zone)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	payload, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected bzpopmin member type %T", res.Member)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}
	return &j, nil
}

func (q *JobQueue) PromoteDue(ctx context.Context, zone agent.Zone, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey(zone), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, member := range due {
		// Remove-then-add: a member another promoter already claimed is
		// skipped, so a job is never promoted twice.
		removed, err := q.rdb.ZRem(ctx, delayedKey(zone), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(member), &j); err != nil {
			return promoted, fmt.Errorf("malformed delayed job payload: %w", err)
		}
		score := readyScore(j.Priority, now)
		if err := q.rdb.ZAdd(ctx, readyKey(zone), redis.Z{Score: score, Member: member}).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *JobQueue) Depth(ctx context.Context, zone agent.Zone) (int, int, error) {
	waiting, err := q.rdb.ZCard(ctx, readyKey(zone)).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey(zone)).Result()
	if err != nil {
		return 0, 0, err
	}
	return int(waiting), int(delayed), nil
}
