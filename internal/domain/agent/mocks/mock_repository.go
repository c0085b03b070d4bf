package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

// MockRepository is a mock implementation of agent.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, a *agent.Agent) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, agentID string) (*agent.Agent, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.Agent), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, filter agent.Filter, limit, offset int) ([]*agent.Agent, error) {
	args := m.Called(ctx, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*agent.Agent), args.Error(1)
}

func (m *MockRepository) UpdateStatus(ctx context.Context, agentID string, from, to agent.Status) error {
	args := m.Called(ctx, agentID, from, to)
	return args.Error(0)
}

func (m *MockRepository) UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) error {
	args := m.Called(ctx, agentID, ts)
	return args.Error(0)
}

func (m *MockRepository) IncrementCompleted(ctx context.Context, agentID string) error {
	args := m.Called(ctx, agentID)
	return args.Error(0)
}

func (m *MockRepository) IncrementFailed(ctx context.Context, agentID string, penalty int) error {
	args := m.Called(ctx, agentID, penalty)
	return args.Error(0)
}

func (m *MockRepository) Count(ctx context.Context, zone *agent.Zone) (int, error) {
	args := m.Called(ctx, zone)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CountByZone(ctx context.Context) (map[agent.Zone]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[agent.Zone]int), args.Error(1)
}

func (m *MockRepository) Stale(ctx context.Context, threshold time.Duration) ([]*agent.Agent, error) {
	args := m.Called(ctx, threshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*agent.Agent), args.Error(1)
}

func (m *MockRepository) LeastUtilized(ctx context.Context, zone agent.Zone, limit int) ([]*agent.Agent, error) {
	args := m.Called(ctx, zone, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*agent.Agent), args.Error(1)
}
