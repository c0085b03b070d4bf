package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

func seedAgents(t *testing.T, repo *AgentRepository, n int, status agent.Status) {
	t.Helper()
	for i := 0; i < n; i++ {
		a := &agent.Agent{
			AgentID:          fmt.Sprintf("a%d", i),
			VerificationHash: fmt.Sprintf("h%d", i),
			Persona:          agent.PersonaScout,
			Capability:       "crawl",
			Zone:             agent.ZoneCloud,
			Status:           status,
			HealthScore:      agent.MaxHealthScore,
			CreatedAt:        time.Now().Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:        time.Now(),
		}
		require.NoError(t, repo.Create(context.Background(), a))
	}
}

func TestListZeroLimitReturnsAll(t *testing.T) {
	repo := NewAgentRepository()
	seedAgents(t, repo, 7, agent.StatusError)
	ctx := context.Background()

	// A zero limit means no limit; the health and healing sweeps depend on it.
	all, err := repo.List(ctx, agent.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 7)

	status := agent.StatusError
	errored, err := repo.List(ctx, agent.Filter{Status: &status}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, errored, 7)
}

func TestListPagination(t *testing.T) {
	repo := NewAgentRepository()
	seedAgents(t, repo, 5, agent.StatusActive)
	ctx := context.Background()

	page1, err := repo.List(ctx, agent.Filter{}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page3, err := repo.List(ctx, agent.Filter{}, 2, 4)
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	past, err := repo.List(ctx, agent.Filter{}, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, past)
}
