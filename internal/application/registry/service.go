package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// Signer computes the opaque verification digest for a new agent record.
type Signer interface {
	Sum(parts ...string) string
}

// Service is the authoritative directory of agents. It owns the canonical
// record: every other component reads through it and issues mutations here.
// Store calls are retried with backoff; domain outcomes (not found, duplicate,
// offline) are never retried.
type Service struct {
	repo          agent.Repository
	cache         agent.Cache // optional; advisory only
	signer        Signer
	limits        map[agent.Zone]agent.ZoneLimits
	penalty       int
	storeAttempts uint
	logger        zerolog.Logger
}

func NewService(repo agent.Repository, cache agent.Cache, signer Signer, limits map[agent.Zone]agent.ZoneLimits, logger zerolog.Logger) *Service {
	if limits == nil {
		limits = agent.DefaultZoneLimits()
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		signer:        signer,
		limits:        limits,
		penalty:       agent.DefaultFailurePenalty,
		storeAttempts: 3,
		logger:        logger.With().Str("service", "registry").Logger(),
	}
}

// RegisterInput describes a new agent. AgentID is optional; when empty a
// fresh uuid is generated (the provisioner may supply a platform-assigned id).
type RegisterInput struct {
	AgentID    string
	Persona    agent.Persona
	Capability string
	Zone       agent.Zone
	Metadata   map[string]string
}

// Register creates an agent record. The verification hash is computed here
// and immutable afterwards. Fails with agent.ErrDuplicateID when the id or
// hash is already present and agent.ErrZoneFull at the zone capacity ceiling.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*agent.Agent, error) {
	if !agent.ValidPersona(in.Persona) {
		return nil, fmt.Errorf("invalid persona %q", in.Persona)
	}
	if !agent.ValidZone(in.Zone) {
		return nil, agent.ErrUnknownZone
	}
	if in.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}

	count, err := s.Count(ctx, &in.Zone)
	if err != nil {
		return nil, err
	}
	if limits, ok := s.limits[in.Zone]; ok && count >= limits.Capacity {
		return nil, agent.ErrZoneFull
	}

	id := in.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	a := &agent.Agent{
		AgentID:          id,
		VerificationHash: s.signer.Sum(id, in.Capability, string(in.Zone), now.Format(time.RFC3339Nano)),
		Persona:          in.Persona,
		Capability:       in.Capability,
		Zone:             in.Zone,
		Status:           agent.StatusActive,
		HealthScore:      agent.MaxHealthScore,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.withRetry(ctx, func() error { return s.repo.Create(ctx, a) }); err != nil {
		return nil, err
	}
	s.cachePut(ctx, a)
	s.logger.Info().Str("agent_id", a.AgentID).Str("zone", string(a.Zone)).Msg("agent registered")
	return a, nil
}

// Get returns an agent, reading through the advisory cache.
func (s *Service) Get(ctx context.Context, agentID string) (*agent.Agent, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, agentID); err == nil && cached != nil {
			return cached, nil
		}
	}
	var a *agent.Agent
	err := s.withRetry(ctx, func() error {
		var err error
		a, err = s.repo.GetByID(ctx, agentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, agent.ErrNotFound
	}
	s.cachePut(ctx, a)
	return a, nil
}

func (s *Service) List(ctx context.Context, filter agent.Filter, limit, offset int) ([]*agent.Agent, error) {
	var out []*agent.Agent
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.List(ctx, filter, limit, offset)
		return err
	})
	return out, err
}

// Heartbeat records a liveness signal: health score back to 100, heartbeat
// stamped with last-write-wins semantics.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.UpdateHeartbeat(ctx, agentID, time.Now().UTC())
	})
}

// Pause transitions active → paused (scaler or operator driven).
func (s *Service) Pause(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.UpdateStatus(ctx, agentID, agent.StatusActive, agent.StatusPaused)
	})
}

// Resume transitions paused → active.
func (s *Service) Resume(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.UpdateStatus(ctx, agentID, agent.StatusPaused, agent.StatusActive)
	})
}

// MarkError transitions active → error (health monitor driven).
func (s *Service) MarkError(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.UpdateStatus(ctx, agentID, agent.StatusActive, agent.StatusError)
	})
}

// Reactivate transitions error → active (only reachable via a successful
// heal).
func (s *Service) Reactivate(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.UpdateStatus(ctx, agentID, agent.StatusError, agent.StatusActive)
	})
}

// Retire transitions an agent to the terminal offline status. Retired agents
// leave capacity accounting and accept no further mutation.
func (s *Service) Retire(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		err := s.repo.UpdateStatus(ctx, agentID, agent.StatusActive, agent.StatusOffline)
		if errors.Is(err, agent.ErrInvalidTransition) {
			return s.repo.UpdateStatus(ctx, agentID, agent.StatusError, agent.StatusOffline)
		}
		return err
	})
}

func (s *Service) IncrementCompleted(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.IncrementCompleted(ctx, agentID)
	})
}

func (s *Service) IncrementFailed(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, func() error {
		return s.repo.IncrementFailed(ctx, agentID, s.penalty)
	})
}

func (s *Service) Count(ctx context.Context, zone *agent.Zone) (int, error) {
	var n int
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = s.repo.Count(ctx, zone)
		return err
	})
	return n, err
}

func (s *Service) CountByZone(ctx context.Context) (map[agent.Zone]int, error) {
	var out map[agent.Zone]int
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.CountByZone(ctx)
		return err
	})
	return out, err
}

// StaleAgents returns active agents whose heartbeat is missing or older than
// the threshold.
func (s *Service) StaleAgents(ctx context.Context, threshold time.Duration) ([]*agent.Agent, error) {
	var out []*agent.Agent
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.Stale(ctx, threshold)
		return err
	})
	return out, err
}

func (s *Service) LeastUtilized(ctx context.Context, zone agent.Zone, limit int) ([]*agent.Agent, error) {
	var out []*agent.Agent
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.LeastUtilized(ctx, zone, limit)
		return err
	})
	return out, err
}

// ZoneLimits exposes the configured per-zone limits to the router and scaler.
func (s *Service) ZoneLimits() map[agent.Zone]agent.ZoneLimits {
	return s.limits
}

// mutate runs a repository mutation with retry and invalidates the cache
// entry for the key afterwards, regardless of outcome.
func (s *Service) mutate(ctx context.Context, agentID string, op func() error) error {
	err := s.withRetry(ctx, op)
	s.cacheDelete(ctx, agentID)
	return err
}

// withRetry retries transient store failures with exponential backoff. Domain
// outcomes pass through untouched so callers can errors.Is on them.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var domainErr error
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.storeAttempts),
	)
	err := r.Do(func() error {
		err := op()
		if err != nil && isDomainOutcome(err) {
			domainErr = err
			return nil
		}
		return err
	})
	if domainErr != nil {
		return domainErr
	}
	return err
}

func isDomainOutcome(err error) bool {
	return errors.Is(err, agent.ErrNotFound) ||
		errors.Is(err, agent.ErrDuplicateID) ||
		errors.Is(err, agent.ErrAgentOffline) ||
		errors.Is(err, agent.ErrInvalidTransition) ||
		errors.Is(err, agent.ErrZoneFull)
}

func (s *Service) cachePut(ctx context.Context, a *agent.Agent) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, a); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", a.AgentID).Msg("cache put failed")
	}
}

func (s *Service) cacheDelete(ctx context.Context, agentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, agentID); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("cache invalidation failed")
	}
}
