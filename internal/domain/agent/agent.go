package agent

import (
	"errors"
	"time"
)

// Status represents agent lifecycle status.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Persona represents a named behavioral identity. Informational only; it
// never drives control decisions.
type Persona string

const (
	PersonaScout    Persona = "scout"
	PersonaBuilder  Persona = "builder"
	PersonaAnalyst  Persona = "analyst"
	PersonaCurator  Persona = "curator"
	PersonaGuardian Persona = "guardian"
	PersonaCourier  Persona = "courier"
)

// MaxHealthScore is the score assigned on a successful heartbeat.
const MaxHealthScore = 100

// DefaultFailurePenalty is subtracted from the health score per failed task.
const DefaultFailurePenalty = 10

var (
	ErrNotFound           = errors.New("agent not found")
	ErrDuplicateID        = errors.New("duplicate agent id or verification hash")
	ErrAgentOffline       = errors.New("agent is offline")
	ErrInvalidTransition  = errors.New("invalid agent status transition")
	ErrInvalidHealthScore = errors.New("health score out of range")
	ErrZoneFull           = errors.New("zone capacity exhausted")
)

// Agent represents one unit of work capacity bound to a zone.
type Agent struct {
	AgentID          string            `json:"agentId"`
	VerificationHash string            `json:"verificationHash"`
	Persona          Persona           `json:"persona"`
	Capability       string            `json:"capability"`
	Zone             Zone              `json:"zone"`
	Status           Status            `json:"status"`
	HealthScore      int               `json:"healthScore"`
	LastHeartbeat    *time.Time        `json:"lastHeartbeat,omitempty"`
	TasksCompleted   int64             `json:"tasksCompleted"`
	TasksFailed      int64             `json:"tasksFailed"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// CanTransitionTo validates an agent status transition. Offline is terminal.
func (a *Agent) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusActive:  {StatusPaused, StatusError, StatusOffline},
		StatusPaused:  {StatusActive},
		StatusError:   {StatusActive, StatusOffline},
		StatusOffline: {},
	}
	for _, s := range transitions[a.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Transition applies a validated status change.
func (a *Agent) Transition(target Status) error {
	if a.Status == StatusOffline {
		return ErrAgentOffline
	}
	if !a.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	a.Status = target
	return nil
}

// RecordHeartbeat resets the health score and stamps the heartbeat. Older
// timestamps are ignored so a delayed heartbeat never masks a newer failure.
func (a *Agent) RecordHeartbeat(ts time.Time) {
	if a.LastHeartbeat != nil && !ts.After(*a.LastHeartbeat) {
		return
	}
	t := ts
	a.LastHeartbeat = &t
	a.HealthScore = MaxHealthScore
}

// RecordFailure increments the failure counter and decrements the health
// score, floored at zero.
func (a *Agent) RecordFailure(penalty int) {
	a.TasksFailed++
	a.HealthScore -= penalty
	if a.HealthScore < 0 {
		a.HealthScore = 0
	}
}

// RecordCompletion increments the completion counter.
func (a *Agent) RecordCompletion() {
	a.TasksCompleted++
}

// ValidHealthScore reports whether the score is within [0, 100].
func ValidHealthScore(score int) bool {
	return score >= 0 && score <= MaxHealthScore
}

// ValidPersona reports whether p belongs to the closed persona set.
func ValidPersona(p Persona) bool {
	switch p {
	case PersonaScout, PersonaBuilder, PersonaAnalyst, PersonaCurator, PersonaGuardian, PersonaCourier:
		return true
	}
	return false
}

// IsReplacement reports whether this agent was spawned by the self-healer to
// replace an exhausted agent.
func (a *Agent) IsReplacement() bool {
	return a.Metadata["healing_spawned"] == "true"
}
