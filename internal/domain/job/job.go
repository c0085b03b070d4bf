package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// Type represents a job category.
type Type string

const (
	TypeIngest      Type = "ingest"
	TypeTransform   Type = "transform"
	TypeAnalyze     Type = "analyze"
	TypeReport      Type = "report"
	TypeMaintenance Type = "maintenance"
)

const (
	MinPriority = 1
	MaxPriority = 10

	// DefaultMaxAttempts bounds the retry budget per job.
	DefaultMaxAttempts = 3
)

var (
	ErrInvalidPriority  = errors.New("job priority out of range")
	ErrUnknownType      = errors.New("unknown job type")
	ErrExhaustedRetries = errors.New("job failed after exhausting retries")
)

// Job represents a unit of work routed to exactly one agent within its zone's
// concurrency budget.
type Job struct {
	JobID       string            `json:"jobId"`
	Type        Type              `json:"type"`
	Zone        agent.Zone        `json:"zone"`
	AgentID     string            `json:"agentId,omitempty"` // optional explicit target
	Priority    int               `json:"priority"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// Validate rejects out-of-range priorities and unknown types/zones before the
// job reaches a queue.
func (j *Job) Validate() error {
	if !ValidType(j.Type) {
		return ErrUnknownType
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if !agent.ValidZone(j.Zone) {
		return agent.ErrUnknownZone
	}
	return nil
}

// ValidType reports whether t belongs to the closed type set.
func ValidType(t Type) bool {
	switch t {
	case TypeIngest, TypeTransform, TypeAnalyze, TypeReport, TypeMaintenance:
		return true
	}
	return false
}

// Result reports the outcome of one execution attempt to the completion
// handler. Terminal is set exactly once, when the retry budget is exhausted or
// the job succeeded.
type Result struct {
	JobID         string        `json:"jobId"`
	Type          Type          `json:"type"`
	Zone          agent.Zone    `json:"zone"`
	AgentID       string        `json:"agentId"`
	Success       bool          `json:"success"`
	Terminal      bool          `json:"terminal"`
	Attempt       int           `json:"attempt"`
	ExecutionTime time.Duration `json:"executionTime"`
	Error         string        `json:"error,omitempty"`
}
