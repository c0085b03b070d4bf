package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/metrics"
)

// DefaultStaleThreshold classifies an active agent as stale when its last
// heartbeat is at least this old.
const DefaultStaleThreshold = 5 * time.Minute

// CheckResult is the liveness evaluation of one agent.
type CheckResult struct {
	AgentID string     `json:"agentId"`
	Zone    agent.Zone `json:"zone"`
	Healthy bool       `json:"healthy"`
	Stale   bool       `json:"stale"`
	Error   string     `json:"error,omitempty"`
}

// ZoneMetrics aggregates liveness per zone.
type ZoneMetrics struct {
	Total          int     `json:"total"`
	Healthy        int     `json:"healthy"`
	Unhealthy      int     `json:"unhealthy"`
	Stale          int     `json:"stale"`
	HealthyPercent float64 `json:"healthyPercent"`
}

// Metrics is one full liveness snapshot.
type Metrics struct {
	Overall   ZoneMetrics                `json:"overall"`
	Zones     map[agent.Zone]ZoneMetrics `json:"zones"`
	CheckedAt time.Time                  `json:"checkedAt"`
}

// CycleResult is the outcome of one monitor cycle.
type CycleResult struct {
	Metrics       Metrics       `json:"metrics"`
	StaleAgentIDs []string      `json:"staleAgentIds"`
	Marked        int           `json:"marked"`
	Errors        []string      `json:"errors,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Monitor periodically evaluates agent liveness. Its only mutation is marking
// stale agents error; recovery belongs to the self-healer.
type Monitor struct {
	reg       *registry.Service
	threshold time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu   sync.RWMutex
	last *CycleResult
}

func NewMonitor(reg *registry.Service, threshold time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Monitor{
		reg:       reg,
		threshold: threshold,
		metrics:   m,
		logger:    logger.With().Str("service", "health-monitor").Logger(),
	}
}

// IsHealthy reports liveness for a single agent. An active agent that never
// heartbeated is unhealthy from creation, not assumed healthy.
func (m *Monitor) IsHealthy(a *agent.Agent) bool {
	if a.Status != agent.StatusActive {
		return false
	}
	if a.LastHeartbeat == nil {
		return false
	}
	return time.Since(*a.LastHeartbeat) < m.threshold
}

// CheckZone evaluates every active agent in one zone.
func (m *Monitor) CheckZone(ctx context.Context, zone agent.Zone) ([]CheckResult, error) {
	status := agent.StatusActive
	agents, err := m.reg.List(ctx, agent.Filter{Zone: &zone, Status: &status}, 0, 0)
	if err != nil {
		return nil, err
	}
	results := make([]CheckResult, 0, len(agents))
	for _, a := range agents {
		healthy := m.IsHealthy(a)
		results = append(results, CheckResult{
			AgentID: a.AgentID,
			Zone:    a.Zone,
			Healthy: healthy,
			Stale:   !healthy,
		})
	}
	return results, nil
}

// CheckAll fans the per-zone evaluation out concurrently so one slow zone
// cannot stall the others, then fans back in.
func (m *Monitor) CheckAll(ctx context.Context) (map[agent.Zone][]CheckResult, error) {
	var mu sync.Mutex
	out := make(map[agent.Zone][]CheckResult, len(agent.Zones()))

	g, gctx := errgroup.WithContext(ctx)
	for _, zone := range agent.Zones() {
		zone := zone
		g.Go(func() error {
			results, err := m.CheckZone(gctx, zone)
			if err != nil {
				return err
			}
			mu.Lock()
			out[zone] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot computes the aggregate liveness metrics. Zones with zero agents
// report a healthy percentage of 0.
func (m *Monitor) Snapshot(ctx context.Context) (Metrics, error) {
	byZone, err := m.CheckAll(ctx)
	if err != nil {
		return Metrics{}, err
	}
	snap := Metrics{
		Zones:     make(map[agent.Zone]ZoneMetrics, len(byZone)),
		CheckedAt: time.Now().UTC(),
	}
	for zone, results := range byZone {
		zm := ZoneMetrics{Total: len(results)}
		for _, r := range results {
			if r.Healthy {
				zm.Healthy++
			} else {
				zm.Unhealthy++
			}
			if r.Stale {
				zm.Stale++
			}
		}
		if zm.Total > 0 {
			zm.HealthyPercent = float64(zm.Healthy) / float64(zm.Total) * 100
		}
		snap.Zones[zone] = zm
		snap.Overall.Total += zm.Total
		snap.Overall.Healthy += zm.Healthy
		snap.Overall.Unhealthy += zm.Unhealthy
		snap.Overall.Stale += zm.Stale
	}
	if snap.Overall.Total > 0 {
		snap.Overall.HealthyPercent = float64(snap.Overall.Healthy) / float64(snap.Overall.Total) * 100
	}
	return snap, nil
}

// RunCycle computes metrics, fetches the stale set and marks every stale
// agent error. Individual mark failures are collected, not fatal; the next
// cycle retries naturally.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	stale, err := m.reg.StaleAgents(ctx, m.threshold)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{Metrics: snap}
	for _, a := range stale {
		result.StaleAgentIDs = append(result.StaleAgentIDs, a.AgentID)
		if err := m.reg.MarkError(ctx, a.AgentID); err != nil {
			// A lost race means another actor already transitioned the agent;
			// that is not a cycle failure.
			if errors.Is(err, agent.ErrInvalidTransition) || errors.Is(err, agent.ErrAgentOffline) {
				continue
			}
			result.Errors = append(result.Errors, a.AgentID+": "+err.Error())
			m.logger.Warn().Err(err).Str("agent_id", a.AgentID).Msg("failed to mark stale agent")
			continue
		}
		result.Marked++
	}
	result.Duration = time.Since(start)

	m.metrics.HealthCycles.Inc()
	m.metrics.StaleAgents.Set(float64(len(stale)))
	for zone, zm := range snap.Zones {
		m.metrics.HealthyPercent.WithLabelValues(string(zone)).Set(zm.HealthyPercent)
	}

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	m.logger.Info().
		Int("total", snap.Overall.Total).
		Int("stale", len(stale)).
		Int("marked", result.Marked).
		Dur("duration", result.Duration).
		Msg("health cycle completed")
	return result, nil
}

// Latest returns the most recent cycle result, if any cycle has run.
func (m *Monitor) Latest() (*CycleResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil, false
	}
	return m.last, true
}

// Threshold exposes the configured staleness threshold.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}
