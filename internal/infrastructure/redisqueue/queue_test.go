package redisqueue

import (
	"testing"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/job"
)

func TestReadyScoreOrdersByPriorityThenAge(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)

	highOld := readyScore(9, now)
	highNew := readyScore(9, later)
	lowOld := readyScore(2, now)

	if highOld >= highNew {
		t.Fatalf("within a priority, older must score lower: %f >= %f", highOld, highNew)
	}
	if highNew >= lowOld {
		t.Fatalf("higher priority must score lower than any lower-priority job: %f >= %f", highNew, lowOld)
	}
}

func TestReadyScorePriorityBandsNeverOverlap(t *testing.T) {
	// The oldest job of a priority tier must still outrank the newest job of
	// the tier above it, far into the future.
	farFuture := time.Now().Add(100 * 365 * 24 * time.Hour)
	for p := job.MinPriority + 1; p <= job.MaxPriority; p++ {
		if readyScore(p, farFuture) >= readyScore(p-1, time.Unix(0, 0)) {
			t.Fatalf("priority %d band overlaps priority %d", p, p-1)
		}
	}
}
