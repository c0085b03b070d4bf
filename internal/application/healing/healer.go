package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	domainHealing "github.com/fleet-hub/fleet-hub/internal/domain/healing"
	"github.com/fleet-hub/fleet-hub/internal/domain/provision"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/metrics"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/sse"
)

// DefaultRestartCeiling is the consecutive-restart budget before an agent is
// replaced outright.
const DefaultRestartCeiling = 3

// Healer recovers error-status agents: bounded in-place restarts, then a
// one-shot replacement once the restart budget is exhausted.
type Healer struct {
	reg     *registry.Service
	prov    provision.Provisioner
	limits  map[agent.Zone]agent.ZoneLimits
	ceiling int
	history *domainHealing.History
	hub     *sse.Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int
	replaced map[string]struct{}
	breakers map[agent.Zone]*gobreaker.CircuitBreaker
}

func NewHealer(reg *registry.Service, prov provision.Provisioner, ceiling int, history *domainHealing.History, hub *sse.Hub, m *metrics.Metrics, logger zerolog.Logger) *Healer {
	if ceiling <= 0 {
		ceiling = DefaultRestartCeiling
	}
	if history == nil {
		history = domainHealing.NewHistory(1024, 24*time.Hour)
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	h := &Healer{
		reg:      reg,
		prov:     prov,
		limits:   reg.ZoneLimits(),
		ceiling:  ceiling,
		history:  history,
		hub:      hub,
		metrics:  m,
		logger:   logger.With().Str("service", "healer").Logger(),
		attempts: make(map[string]int),
		replaced: make(map[string]struct{}),
		breakers: make(map[agent.Zone]*gobreaker.CircuitBreaker),
	}
	for _, zone := range agent.Zones() {
		h.breakers[zone] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provisioner-" + string(zone),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}
	return h
}

// Heal recovers one agent and records the action in the bounded history.
// Agents not in error status are ignored.
func (h *Healer) Heal(ctx context.Context, a *agent.Agent) *domainHealing.HealingAction {
	start := time.Now()
	action := h.heal(ctx, a)
	action.Elapsed = time.Since(start)
	action.Timestamp = time.Now().UTC()

	h.history.Record(*action)
	outcome := "success"
	if !action.Success {
		outcome = "failure"
	}
	h.metrics.HealingActions.WithLabelValues(string(action.Action), outcome).Inc()
	if h.hub != nil && action.Action != domainHealing.ActionIgnore {
		h.hub.Broadcast(sse.EventHealing, action)
	}
	if !action.Success && action.Action == domainHealing.ActionReplace {
		// Unrecovered agent: both the restart budget and the replacement are
		// gone. This must reach an operator, not vanish into the history ring.
		h.logger.Error().
			Str("agent_id", action.AgentID).
			Str("zone", string(action.Zone)).
			Str("error", action.Error).
			Msg("agent unrecovered: replacement failed after restart budget exhausted")
	}
	return action
}

func (h *Healer) heal(ctx context.Context, a *agent.Agent) *domainHealing.HealingAction {
	action := &domainHealing.HealingAction{AgentID: a.AgentID, Zone: a.Zone}

	if a.Status != agent.StatusError {
		action.Action = domainHealing.ActionIgnore
		action.Reason = fmt.Sprintf("agent status is %s, not error", a.Status)
		action.Success = true
		return action
	}

	// An already-replaced agent is permanently out of recovery: replacing it
	// again on every sweep would multiply agents without bound.
	if h.isReplaced(a.AgentID) {
		action.Action = domainHealing.ActionIgnore
		action.Reason = "agent was already replaced"
		action.Success = true
		return action
	}

	if h.attemptCount(a.AgentID) >= h.ceiling {
		return h.replace(ctx, a, action)
	}
	return h.restart(ctx, a, action)
}

func (h *Healer) restart(ctx context.Context, a *agent.Agent, action *domainHealing.HealingAction) *domainHealing.HealingAction {
	attempt := h.incrementAttempts(a.AgentID)
	action.Action = domainHealing.ActionRestart
	action.Reason = fmt.Sprintf("restart attempt %d/%d", attempt, h.ceiling)

	if err := h.callProvisioner(ctx, a.Zone, "restart", func(callCtx context.Context) error {
		return h.prov.Restart(callCtx, a.AgentID, a.Zone)
	}); err != nil {
		action.Error = err.Error()
		h.logger.Warn().Err(err).Str("agent_id", a.AgentID).Int("attempt", attempt).Msg("restart failed")
		return action
	}

	if err := h.reg.Reactivate(ctx, a.AgentID); err != nil {
		action.Error = fmt.Sprintf("restarted but reactivation failed: %v", err)
		return action
	}
	if err := h.reg.Heartbeat(ctx, a.AgentID); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", a.AgentID).Msg("heartbeat refresh after restart failed")
	}
	h.resetAttempts(a.AgentID)
	action.Success = true
	return action
}

// replace provisions and registers a brand-new agent with the same capability
// and zone. The exhausted agent stays error and is permanently dropped from
// restart consideration.
func (h *Healer) replace(ctx context.Context, a *agent.Agent, action *domainHealing.HealingAction) *domainHealing.HealingAction {
	action.Action = domainHealing.ActionReplace
	action.Reason = fmt.Sprintf("restart budget of %d exhausted", h.ceiling)

	var newID string
	err := h.callProvisioner(ctx, a.Zone, "provision", func(callCtx context.Context) error {
		var provErr error
		newID, provErr = h.prov.Provision(callCtx, a.Capability, a.Zone)
		return provErr
	})
	if err != nil {
		action.Error = err.Error()
		return action
	}

	replacement, err := h.reg.Register(ctx, registry.RegisterInput{
		AgentID:    newID,
		Persona:    a.Persona,
		Capability: a.Capability,
		Zone:       a.Zone,
		Metadata: map[string]string{
			"healing_spawned": "true",
			"replaces":        a.AgentID,
		},
	})
	if err != nil {
		action.Error = fmt.Sprintf("replacement registration failed: %v", err)
		return action
	}

	action.ReplacementID = replacement.AgentID
	action.Success = true
	h.markReplaced(a.AgentID)
	h.logger.Info().
		Str("agent_id", a.AgentID).
		Str("replacement_id", replacement.AgentID).
		Str("zone", string(a.Zone)).
		Msg("agent replaced")
	return action
}

// HealAll heals a batch concurrently; one agent's outcome never blocks or
// affects another's.
func (h *Healer) HealAll(ctx context.Context, agents []*agent.Agent) []*domainHealing.HealingAction {
	actions := make([]*domainHealing.HealingAction, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		i, a := i, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			actions[i] = h.Heal(ctx, a)
		}()
	}
	wg.Wait()
	return actions
}

// HealErrored heals every agent currently in error status.
func (h *Healer) HealErrored(ctx context.Context) ([]*domainHealing.HealingAction, error) {
	status := agent.StatusError
	agents, err := h.reg.List(ctx, agent.Filter{Status: &status}, 0, 0)
	if err != nil {
		return nil, err
	}
	return h.HealAll(ctx, agents), nil
}

// Stats aggregates healing outcomes over a trailing window.
func (h *Healer) Stats(window time.Duration) domainHealing.Stats {
	return h.history.Stats(window)
}

// callProvisioner bounds a provisioning call with the zone's timeout and the
// zone's circuit breaker. A timeout counts as a failed attempt, never as a
// pending one.
func (h *Healer) callProvisioner(ctx context.Context, zone agent.Zone, op string, call func(context.Context) error) error {
	timeout := 30 * time.Second
	if limits, ok := h.limits[zone]; ok && limits.ProvisionTimeout > 0 {
		timeout = limits.ProvisionTimeout
	}
	_, err := h.breakers[zone].Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := call(callCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s in %s", provision.ErrProvisioningTimeout, op, zone)
		}
		return nil, err
	})
	if err != nil {
		h.metrics.ProvisionerErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (h *Healer) attemptCount(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[agentID]
}

func (h *Healer) incrementAttempts(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[agentID]++
	return h.attempts[agentID]
}

func (h *Healer) resetAttempts(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, agentID)
}

func (h *Healer) isReplaced(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.replaced[agentID]
	return ok
}

// markReplaced drops the agent from all future recovery. The attempts entry
// goes with it; the counter has served its purpose.
func (h *Healer) markReplaced(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replaced[agentID] = struct{}{}
	delete(h.attempts, agentID)
}
