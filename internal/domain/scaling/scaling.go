package scaling

import (
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// Action represents the outcome of one scaling evaluation.
type Action string

const (
	ActionScaleUp   Action = "scale-up"
	ActionScaleDown Action = "scale-down"
	ActionNone      Action = "none"
)

// Decision is the ephemeral record of one scaling evaluation. It drives
// provisioning calls only and is never persisted as entity state.
type Decision struct {
	Action      Action     `json:"action"`
	Delta       int        `json:"delta"`
	TargetCount int        `json:"targetCount"`
	Zone        agent.Zone `json:"zone,omitempty"`
	Reason      string     `json:"reason"`
	Executed    bool       `json:"executed"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	DecidedAt   time.Time  `json:"decidedAt"`
}

// Metrics is the input set for one scaling evaluation. Queue depth comes from
// the job router, agent counts from the registry; latency and utilization are
// supplied by an external monitoring collaborator.
type Metrics struct {
	QueueDepth        int                `json:"queueDepth"`
	ActiveAgents      int                `json:"activeAgents"`
	IdleAgents        int                `json:"idleAgents"`
	AvgResponseTimeMs float64            `json:"avgResponseTimeMs"`
	Utilization       float64            `json:"utilization"`
	AgentsByZone      map[agent.Zone]int `json:"agentsByZone"`
	GatheredAt        time.Time          `json:"gatheredAt"`
}

// UpThresholds trigger capacity growth.
type UpThresholds struct {
	QueueDepth     int
	ResponseTimeMs float64
}

// DownThresholds trigger capacity reduction.
type DownThresholds struct {
	QueueDepth int
	IdleAgents int
}
