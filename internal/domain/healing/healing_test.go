package healing

import (
	"fmt"
	"testing"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

func TestHistoryCapacityBound(t *testing.T) {
	h := NewHistory(3, time.Hour)
	for i := 0; i < 5; i++ {
		h.Record(HealingAction{
			AgentID:   fmt.Sprintf("a%d", i),
			Zone:      agent.ZoneCloud,
			Action:    ActionRestart,
			Success:   true,
			Timestamp: time.Now().UTC(),
		})
	}
	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("retained %d entries, want 3", len(recent))
	}
	// Oldest two were overwritten.
	if recent[0].AgentID != "a2" || recent[2].AgentID != "a4" {
		t.Fatalf("wrong entries retained: %s..%s", recent[0].AgentID, recent[2].AgentID)
	}
}

func TestHistoryMaxAgeEviction(t *testing.T) {
	h := NewHistory(10, time.Minute)
	h.Record(HealingAction{AgentID: "old", Action: ActionRestart, Success: true, Timestamp: time.Now().Add(-2 * time.Minute)})
	h.Record(HealingAction{AgentID: "fresh", Action: ActionRestart, Success: true, Timestamp: time.Now()})
	recent := h.Recent()
	if len(recent) != 1 || recent[0].AgentID != "fresh" {
		t.Fatalf("expected only the fresh entry, got %d entries", len(recent))
	}
}

func TestStatsWindow(t *testing.T) {
	h := NewHistory(10, time.Hour)
	now := time.Now().UTC()
	h.Record(HealingAction{AgentID: "a1", Action: ActionRestart, Success: true, Elapsed: 2 * time.Second, Timestamp: now})
	h.Record(HealingAction{AgentID: "a2", Action: ActionReplace, Success: true, Elapsed: 4 * time.Second, Timestamp: now})
	h.Record(HealingAction{AgentID: "a3", Action: ActionRestart, Success: false, Timestamp: now})
	h.Record(HealingAction{AgentID: "a4", Action: ActionRestart, Success: true, Elapsed: 9 * time.Second, Timestamp: now.Add(-30 * time.Minute)})

	stats := h.Stats(10 * time.Minute)
	if stats.Restarted != 1 {
		t.Errorf("restarted = %d, want 1", stats.Restarted)
	}
	if stats.Replaced != 1 {
		t.Errorf("replaced = %d, want 1", stats.Replaced)
	}
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
	if stats.MeanRecovery != 3*time.Second {
		t.Errorf("mean recovery = %v, want 3s", stats.MeanRecovery)
	}
}

func TestStatsIgnoresIgnoredActions(t *testing.T) {
	h := NewHistory(10, time.Hour)
	h.Record(HealingAction{AgentID: "a1", Action: ActionIgnore, Success: true, Timestamp: time.Now().UTC()})
	stats := h.Stats(time.Hour)
	if stats.Restarted != 0 || stats.Replaced != 0 || stats.Failed != 0 {
		t.Fatalf("ignore action counted: %+v", stats)
	}
}
