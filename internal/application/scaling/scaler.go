package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/provision"
	domainScaling "github.com/fleet-hub/fleet-hub/internal/domain/scaling"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/metrics"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/sse"
)

// QueueSource reports the total job backlog (waiting plus delayed) that feeds
// the queue-depth input.
type QueueSource interface {
	TotalBacklog(ctx context.Context) (int, error)
}

// MonitorSource supplies latency and utilization gauges from the external
// monitoring collaborator. Values are inputs, never computed here.
type MonitorSource interface {
	AvgResponseTimeMs(ctx context.Context) float64
	Utilization(ctx context.Context) float64
	IdleAgents(ctx context.Context) int
}

// StaticMonitorSource is the zero-value monitoring collaborator used when no
// external monitoring is wired.
type StaticMonitorSource struct{}

func (StaticMonitorSource) AvgResponseTimeMs(context.Context) float64 { return 0 }
func (StaticMonitorSource) Utilization(context.Context) float64      { return 0 }
func (StaticMonitorSource) IdleAgents(context.Context) int           { return 0 }

// Config holds the scaler thresholds and bounds.
type Config struct {
	MinAgents     int
	MaxAgents     int
	Up            domainScaling.UpThresholds
	Down          domainScaling.DownThresholds
	UpIncrement   int
	DownIncrement int
	Cooldown      time.Duration
	Guard         string // optional govaluate expression vetoing decisions
}

// DefaultConfig mirrors the production fleet bounds.
func DefaultConfig() Config {
	return Config{
		MinAgents:     1000,
		MaxAgents:     30000,
		Up:            domainScaling.UpThresholds{QueueDepth: 10000, ResponseTimeMs: 5000},
		Down:          domainScaling.DownThresholds{QueueDepth: 1000, IdleAgents: 500},
		UpIncrement:   500,
		DownIncrement: 250,
		Cooldown:      5 * time.Minute,
	}
}

// Scaler is the load-responsive capacity control loop. It never pushes the
// active agent count outside [MinAgents, MaxAgents], and never issues a second
// non-none decision inside the cooldown window after an executed one.
type Scaler struct {
	reg     *registry.Service
	queue   QueueSource
	monitor MonitorSource
	prov    provision.Provisioner
	cfg     Config
	limits  map[agent.Zone]agent.ZoneLimits
	hub     *sse.Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu           sync.Mutex
	lastExecuted time.Time
	lastDecision *domainScaling.Decision
}

func NewScaler(reg *registry.Service, queue QueueSource, monitor MonitorSource, prov provision.Provisioner, cfg Config, hub *sse.Hub, m *metrics.Metrics, logger zerolog.Logger) *Scaler {
	if monitor == nil {
		monitor = StaticMonitorSource{}
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Scaler{
		reg:     reg,
		queue:   queue,
		monitor: monitor,
		prov:    prov,
		cfg:     cfg,
		limits:  reg.ZoneLimits(),
		hub:     hub,
		metrics: m,
		logger:  logger.With().Str("service", "scaler").Logger(),
	}
}

// Metrics gathers the evaluation inputs: backlog from the router, counts from
// the registry, gauges from the monitoring collaborator.
func (s *Scaler) Metrics(ctx context.Context) (domainScaling.Metrics, error) {
	depth, err := s.queue.TotalBacklog(ctx)
	if err != nil {
		return domainScaling.Metrics{}, fmt.Errorf("queue depth: %w", err)
	}
	active, err := s.reg.Count(ctx, nil)
	if err != nil {
		return domainScaling.Metrics{}, fmt.Errorf("active count: %w", err)
	}
	byZone, err := s.reg.CountByZone(ctx)
	if err != nil {
		return domainScaling.Metrics{}, fmt.Errorf("zone counts: %w", err)
	}
	return domainScaling.Metrics{
		QueueDepth:        depth,
		ActiveAgents:      active,
		IdleAgents:        s.monitor.IdleAgents(ctx),
		AvgResponseTimeMs: s.monitor.AvgResponseTimeMs(ctx),
		Utilization:       s.monitor.Utilization(ctx),
		AgentsByZone:      byZone,
		GatheredAt:        time.Now().UTC(),
	}, nil
}

// Decide evaluates the metric set against thresholds and cooldown. The
// returned decision is not yet executed.
func (s *Scaler) Decide(m domainScaling.Metrics) *domainScaling.Decision {
	d := &domainScaling.Decision{Action: domainScaling.ActionNone, TargetCount: m.ActiveAgents, DecidedAt: time.Now().UTC()}

	s.mu.Lock()
	inCooldown := !s.lastExecuted.IsZero() && time.Since(s.lastExecuted) < s.cfg.Cooldown
	s.mu.Unlock()
	if inCooldown {
		d.Reason = "cooldown in effect"
		return d
	}

	if ok, err := EvaluateGuard(s.cfg.Guard, m); err != nil {
		d.Reason = fmt.Sprintf("guard evaluation failed: %v", err)
		return d
	} else if !ok {
		d.Reason = "vetoed by guard expression"
		return d
	}

	switch {
	case m.QueueDepth > s.cfg.Up.QueueDepth && m.ActiveAgents < s.cfg.MaxAgents:
		delta := minInt(s.cfg.UpIncrement, m.QueueDepth/10, s.cfg.MaxAgents-m.ActiveAgents)
		if delta <= 0 {
			d.Reason = "no headroom below max agents"
			return d
		}
		d.Action = domainScaling.ActionScaleUp
		d.Delta = delta
		d.TargetCount = m.ActiveAgents + delta
		d.Zone = s.leastPopulatedZone(m.AgentsByZone)
		d.Reason = fmt.Sprintf("queue depth %d above %d", m.QueueDepth, s.cfg.Up.QueueDepth)

	case m.QueueDepth < s.cfg.Down.QueueDepth && m.ActiveAgents > s.cfg.MinAgents:
		delta := minInt(s.cfg.DownIncrement, m.ActiveAgents-s.cfg.MinAgents)
		if delta <= 0 {
			d.Reason = "no headroom above min agents"
			return d
		}
		d.Action = domainScaling.ActionScaleDown
		d.Delta = delta
		d.TargetCount = m.ActiveAgents - delta
		d.Zone = s.mostPopulatedZone(m.AgentsByZone)
		d.Reason = fmt.Sprintf("queue depth %d below %d", m.QueueDepth, s.cfg.Down.QueueDepth)

	default:
		d.Reason = "load within thresholds"
	}
	return d
}

// Execute carries a non-none decision out through the provisioning capability
// and stamps the cooldown. None decisions never touch the cooldown.
func (s *Scaler) Execute(ctx context.Context, d *domainScaling.Decision) error {
	if d.Action == domainScaling.ActionNone {
		return nil
	}

	s.mu.Lock()
	s.lastExecuted = time.Now()
	s.mu.Unlock()
	d.Executed = true

	var err error
	switch d.Action {
	case domainScaling.ActionScaleUp:
		err = s.scaleUp(ctx, d)
	case domainScaling.ActionScaleDown:
		err = s.scaleDown(ctx, d)
	}
	if err != nil {
		d.Error = err.Error()
		s.metrics.ProvisionerErrors.WithLabelValues(string(d.Action)).Inc()
		s.logger.Warn().Err(err).Str("action", string(d.Action)).Str("zone", string(d.Zone)).Msg("scaling execution failed")
	} else {
		d.Success = true
	}
	if s.hub != nil {
		s.hub.Broadcast(sse.EventScaling, d)
	}
	return err
}

func (s *Scaler) scaleUp(ctx context.Context, d *domainScaling.Decision) error {
	callCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout(d.Zone))
	defer cancel()
	provisioned, err := s.prov.AddCapacity(callCtx, d.Zone, d.Delta)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: add capacity in %s", provision.ErrProvisioningTimeout, d.Zone)
		}
		return err
	}
	registered := 0
	for _, p := range provisioned {
		capability := p.Capability
		if capability == "" {
			capability = "general"
		}
		_, err := s.reg.Register(ctx, registry.RegisterInput{
			AgentID:    p.AgentID,
			Persona:    agent.PersonaBuilder,
			Capability: capability,
			Zone:       d.Zone,
			Metadata:   map[string]string{"scaler_spawned": "true"},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", p.AgentID).Msg("provisioned agent registration failed")
			continue
		}
		registered++
	}
	if registered < len(provisioned) {
		return fmt.Errorf("registered %d of %d provisioned agents", registered, len(provisioned))
	}
	return nil
}

// scaleDown pauses the least-utilized agents in the most loaded zone. Pausing
// is reversible; the scaler never deletes.
func (s *Scaler) scaleDown(ctx context.Context, d *domainScaling.Decision) error {
	victims, err := s.reg.LeastUtilized(ctx, d.Zone, d.Delta)
	if err != nil {
		return err
	}
	paused := 0
	for _, a := range victims {
		if err := s.reg.Pause(ctx, a.AgentID); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", a.AgentID).Msg("pause failed during scale-down")
			continue
		}
		paused++
	}
	if paused == 0 {
		return fmt.Errorf("no agents paused in %s", d.Zone)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout(d.Zone))
	defer cancel()
	if err := s.prov.RemoveCapacity(callCtx, d.Zone, paused); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: remove capacity in %s", provision.ErrProvisioningTimeout, d.Zone)
		}
		return err
	}
	return nil
}

// RunCycle gathers metrics, decides, executes and retains the decision.
func (s *Scaler) RunCycle(ctx context.Context) (*domainScaling.Decision, error) {
	m, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.ActiveAgents.Set(float64(m.ActiveAgents))

	d := s.Decide(m)
	s.metrics.ScalingDecisions.WithLabelValues(string(d.Action)).Inc()

	execErr := s.Execute(ctx, d)

	s.mu.Lock()
	s.lastDecision = d
	s.mu.Unlock()

	s.logger.Info().
		Str("action", string(d.Action)).
		Int("delta", d.Delta).
		Str("zone", string(d.Zone)).
		Str("reason", d.Reason).
		Msg("scaling cycle completed")
	return d, execErr
}

// LastDecision returns the most recent decision, if any cycle has run.
func (s *Scaler) LastDecision() (*domainScaling.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastDecision == nil {
		return nil, false
	}
	return s.lastDecision, true
}

func (s *Scaler) provisionTimeout(zone agent.Zone) time.Duration {
	if limits, ok := s.limits[zone]; ok && limits.ProvisionTimeout > 0 {
		return limits.ProvisionTimeout
	}
	return 30 * time.Second
}

func (s *Scaler) leastPopulatedZone(byZone map[agent.Zone]int) agent.Zone {
	best := agent.ZoneCloud
	bestCount := -1
	for _, z := range agent.Zones() {
		n := byZone[z]
		if bestCount < 0 || n < bestCount {
			best, bestCount = z, n
		}
	}
	return best
}

func (s *Scaler) mostPopulatedZone(byZone map[agent.Zone]int) agent.Zone {
	best := agent.ZoneCloud
	bestCount := -1
	for _, z := range agent.Zones() {
		n := byZone[z]
		if n > bestCount {
			best, bestCount = z, n
		}
	}
	return best
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
