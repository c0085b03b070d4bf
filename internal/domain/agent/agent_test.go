package agent

import (
	"testing"
	"time"
)

func TestTransitionRules(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusError, true},
		{StatusActive, StatusOffline, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusError, false},
		{StatusPaused, StatusOffline, false},
		{StatusError, StatusActive, true},
		{StatusError, StatusOffline, true},
		{StatusError, StatusPaused, false},
		{StatusOffline, StatusActive, false},
		{StatusOffline, StatusError, false},
	}
	for _, c := range cases {
		a := &Agent{AgentID: "a1", Status: c.from}
		err := a.Transition(c.to)
		if c.allowed && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if !c.allowed && err == nil {
			t.Errorf("%s -> %s: expected rejection", c.from, c.to)
		}
	}
}

func TestTransitionFromOfflineIsTerminal(t *testing.T) {
	a := &Agent{AgentID: "a1", Status: StatusOffline}
	if err := a.Transition(StatusActive); err == nil {
		t.Fatal("offline agent accepted a transition")
	}
	if a.Status != StatusOffline {
		t.Fatalf("status mutated to %s", a.Status)
	}
}

func TestRecordHeartbeatRestoresHealth(t *testing.T) {
	a := &Agent{AgentID: "a1", Status: StatusActive, HealthScore: 40}
	ts := time.Now().UTC()
	a.RecordHeartbeat(ts)
	if a.HealthScore != MaxHealthScore {
		t.Fatalf("health score = %d, want %d", a.HealthScore, MaxHealthScore)
	}
	if a.LastHeartbeat == nil || !a.LastHeartbeat.Equal(ts) {
		t.Fatal("heartbeat timestamp not recorded")
	}
}

func TestRecordHeartbeatIgnoresOlderTimestamp(t *testing.T) {
	now := time.Now().UTC()
	a := &Agent{AgentID: "a1", Status: StatusActive}
	a.RecordHeartbeat(now)
	a.RecordHeartbeat(now.Add(-time.Minute))
	if !a.LastHeartbeat.Equal(now) {
		t.Fatalf("heartbeat went backwards to %v", a.LastHeartbeat)
	}
}

func TestRecordFailureFloorsAtZero(t *testing.T) {
	a := &Agent{AgentID: "a1", Status: StatusActive, HealthScore: 15}
	a.RecordFailure(DefaultFailurePenalty)
	if a.HealthScore != 5 {
		t.Fatalf("health score = %d, want 5", a.HealthScore)
	}
	a.RecordFailure(DefaultFailurePenalty)
	if a.HealthScore != 0 {
		t.Fatalf("health score = %d, want 0", a.HealthScore)
	}
	if a.TasksFailed != 2 {
		t.Fatalf("tasks failed = %d, want 2", a.TasksFailed)
	}
}

func TestValidHealthScore(t *testing.T) {
	for _, v := range []int{0, 50, 100} {
		if !ValidHealthScore(v) {
			t.Errorf("score %d rejected", v)
		}
	}
	for _, v := range []int{-1, 101} {
		if ValidHealthScore(v) {
			t.Errorf("score %d accepted", v)
		}
	}
}

func TestValidZone(t *testing.T) {
	for _, z := range Zones() {
		if !ValidZone(z) {
			t.Errorf("zone %s rejected", z)
		}
	}
	if ValidZone(Zone("orbit")) {
		t.Error("unknown zone accepted")
	}
}
