package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// AgentRepository is an in-memory agent.Repository for tests and local runs
// without postgres. Semantics mirror the postgres implementation, including
// conditional status writes and last-write-wins heartbeats.
type AgentRepository struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
	hashes map[string]struct{}
}

func NewAgentRepository() *AgentRepository {
	return &AgentRepository{
		agents: make(map[string]*agent.Agent),
		hashes: make(map[string]struct{}),
	}
}

func (r *AgentRepository) Create(_ context.Context, a *agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.AgentID]; ok {
		return agent.ErrDuplicateID
	}
	if _, ok := r.hashes[a.VerificationHash]; ok {
		return agent.ErrDuplicateID
	}
	cp := clone(a)
	r.agents[a.AgentID] = cp
	r.hashes[a.VerificationHash] = struct{}{}
	return nil
}

func (r *AgentRepository) GetByID(_ context.Context, agentID string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, nil
	}
	return clone(a), nil
}

func (r *AgentRepository) List(_ context.Context, filter agent.Filter, limit, offset int) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agent.Agent
	for _, a := range r.agents {
		if filter.Zone != nil && a.Zone != *filter.Zone {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.Persona != nil && a.Persona != *filter.Persona {
			continue
		}
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *AgentRepository) UpdateStatus(_ context.Context, agentID string, from, to agent.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return agent.ErrNotFound
	}
	if a.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	if a.Status != from {
		return agent.ErrInvalidTransition
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AgentRepository) UpdateHeartbeat(_ context.Context, agentID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return agent.ErrNotFound
	}
	if a.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	a.RecordHeartbeat(ts)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AgentRepository) IncrementCompleted(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return agent.ErrNotFound
	}
	if a.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	a.RecordCompletion()
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AgentRepository) IncrementFailed(_ context.Context, agentID string, penalty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return agent.ErrNotFound
	}
	if a.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	a.RecordFailure(penalty)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AgentRepository) Count(_ context.Context, zone *agent.Zone) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status != agent.StatusActive {
			continue
		}
		if zone != nil && a.Zone != *zone {
			continue
		}
		n++
	}
	return n, nil
}

func (r *AgentRepository) CountByZone(_ context.Context) (map[agent.Zone]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[agent.Zone]int, len(agent.Zones()))
	for _, z := range agent.Zones() {
		out[z] = 0
	}
	for _, a := range r.agents {
		if a.Status == agent.StatusActive {
			out[a.Zone]++
		}
	}
	return out, nil
}

func (r *AgentRepository) Stale(_ context.Context, threshold time.Duration) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-threshold)
	var out []*agent.Agent
	for _, a := range r.agents {
		if a.Status != agent.StatusActive {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (r *AgentRepository) LeastUtilized(_ context.Context, zone agent.Zone, limit int) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agent.Agent
	for _, a := range r.agents {
		if a.Status == agent.StatusActive && a.Zone == zone {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TasksCompleted != out[j].TasksCompleted {
			return out[i].TasksCompleted < out[j].TasksCompleted
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(a *agent.Agent) *agent.Agent {
	cp := *a
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func page(in []*agent.Agent, limit, offset int) []*agent.Agent {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
