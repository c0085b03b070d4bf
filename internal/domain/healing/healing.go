package healing

import (
	"sync"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// Action represents the recovery action chosen for one heal attempt.
type Action string

const (
	ActionRestart Action = "restart"
	ActionReplace Action = "replace"
	ActionIgnore  Action = "ignore"
)

// HealingAction is the ephemeral record of one recovery attempt. It is kept in
// a bounded in-memory history for statistics and is never authoritative state.
type HealingAction struct {
	AgentID       string        `json:"agentId"`
	Zone          agent.Zone    `json:"zone"`
	Action        Action        `json:"action"`
	Reason        string        `json:"reason"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ReplacementID string        `json:"replacementId,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Stats aggregates healing outcomes over a trailing window.
type Stats struct {
	Window       time.Duration `json:"window"`
	Restarted    int           `json:"restarted"`
	Replaced     int           `json:"replaced"`
	Failed       int           `json:"failed"`
	MeanRecovery time.Duration `json:"meanRecovery"`
}

// History is a bounded ring of healing actions. Entries are evicted by
// capacity and by max age so a long-running process never grows unbounded.
type History struct {
	mu      sync.RWMutex
	entries []HealingAction
	head    int
	size    int
	maxAge  time.Duration
}

// NewHistory creates a history holding at most capacity entries, discarding
// entries older than maxAge on read.
func NewHistory(capacity int, maxAge time.Duration) *History {
	if capacity <= 0 {
		capacity = 1024
	}
	return &History{
		entries: make([]HealingAction, capacity),
		maxAge:  maxAge,
	}
}

// Record appends an action, overwriting the oldest entry when full.
func (h *History) Record(a HealingAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.head] = a
	h.head = (h.head + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
}

// Recent returns retained actions no older than maxAge, oldest first.
func (h *History) Recent() []HealingAction {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cutoff := time.Now().Add(-h.maxAge)
	out := make([]HealingAction, 0, h.size)
	for i := 0; i < h.size; i++ {
		idx := (h.head - h.size + i + len(h.entries)) % len(h.entries)
		e := h.entries[idx]
		if h.maxAge > 0 && e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats aggregates restart/replace/failure counts and mean recovery latency
// over the trailing window.
func (h *History) Stats(window time.Duration) Stats {
	stats := Stats{Window: window}
	cutoff := time.Now().Add(-window)
	var totalElapsed time.Duration
	var successes int
	for _, e := range h.Recent() {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if !e.Success {
			stats.Failed++
			continue
		}
		switch e.Action {
		case ActionRestart:
			stats.Restarted++
		case ActionReplace:
			stats.Replaced++
		default:
			continue
		}
		totalElapsed += e.Elapsed
		successes++
	}
	if successes > 0 {
		stats.MeanRecovery = totalElapsed / time.Duration(successes)
	}
	return stats
}
