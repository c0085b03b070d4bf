package healing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	domainHealing "github.com/fleet-hub/fleet-hub/internal/domain/healing"
	"github.com/fleet-hub/fleet-hub/internal/domain/provision"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/memory"
)

type noopSigner struct{}

func (noopSigner) Sum(parts ...string) string { return "h-" + strings.Join(parts, "-") }

// fakeProvisioner counts calls and fails restarts until restartFailures is
// exhausted.
type fakeProvisioner struct {
	restartFailures int32
	failProvision   bool
	restarts        int32
	provisions      int32
	nextID          int32
}

func (p *fakeProvisioner) Restart(_ context.Context, _ string, _ agent.Zone) error {
	atomic.AddInt32(&p.restarts, 1)
	if atomic.AddInt32(&p.restartFailures, -1) >= 0 {
		return errors.New("runtime shim unreachable")
	}
	return nil
}

func (p *fakeProvisioner) Provision(_ context.Context, _ string, _ agent.Zone) (string, error) {
	atomic.AddInt32(&p.provisions, 1)
	if p.failProvision {
		return "", provision.ErrProvisioningFailure
	}
	return fmt.Sprintf("fresh-%d", atomic.AddInt32(&p.nextID, 1)), nil
}

func (p *fakeProvisioner) AddCapacity(_ context.Context, _ agent.Zone, n int) ([]provision.Provisioned, error) {
	out := make([]provision.Provisioned, n)
	for i := range out {
		out[i] = provision.Provisioned{AgentID: fmt.Sprintf("cap-%d", atomic.AddInt32(&p.nextID, 1))}
	}
	return out, nil
}

func (p *fakeProvisioner) RemoveCapacity(_ context.Context, _ agent.Zone, _ int) error {
	return nil
}

func newFixture(t *testing.T, prov *fakeProvisioner) (*registry.Service, *Healer) {
	t.Helper()
	repo := memory.NewAgentRepository()
	reg := registry.NewService(repo, nil, noopSigner{}, agent.DefaultZoneLimits(), zerolog.Nop())
	healer := NewHealer(reg, prov, DefaultRestartCeiling, nil, nil, nil, zerolog.Nop())
	return reg, healer
}

func erroredAgent(t *testing.T, reg *registry.Service, id string, zone agent.Zone) *agent.Agent {
	t.Helper()
	ctx := context.Background()
	_, err := reg.Register(ctx, registry.RegisterInput{
		AgentID:    id,
		Persona:    agent.PersonaAnalyst,
		Capability: "summarize",
		Zone:       zone,
	})
	require.NoError(t, err)
	require.NoError(t, reg.MarkError(ctx, id))
	a, err := reg.Get(ctx, id)
	require.NoError(t, err)
	return a
}

func TestHealRestartsErroredAgent(t *testing.T) {
	prov := &fakeProvisioner{}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()
	a := erroredAgent(t, reg, "a1", agent.ZoneCloud)

	action := healer.Heal(ctx, a)

	assert.Equal(t, domainHealing.ActionRestart, action.Action)
	assert.True(t, action.Success)
	assert.Equal(t, int32(1), prov.restarts)

	healed, err := reg.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, healed.Status)
	assert.NotNil(t, healed.LastHeartbeat)
}

func TestHealIgnoresNonErroredAgent(t *testing.T) {
	prov := &fakeProvisioner{}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.RegisterInput{
		AgentID: "ok", Persona: agent.PersonaScout, Capability: "crawl", Zone: agent.ZoneCloud,
	})
	require.NoError(t, err)
	a, err := reg.Get(ctx, "ok")
	require.NoError(t, err)

	action := healer.Heal(ctx, a)
	assert.Equal(t, domainHealing.ActionIgnore, action.Action)
	assert.Zero(t, prov.restarts)
}

func TestHealReplacesAfterRestartBudget(t *testing.T) {
	prov := &fakeProvisioner{restartFailures: DefaultRestartCeiling}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()
	a := erroredAgent(t, reg, "worn", agent.ZoneContainer)

	for i := 0; i < DefaultRestartCeiling; i++ {
		action := healer.Heal(ctx, a)
		assert.Equal(t, domainHealing.ActionRestart, action.Action)
		assert.False(t, action.Success)
	}

	action := healer.Heal(ctx, a)
	require.Equal(t, domainHealing.ActionReplace, action.Action)
	assert.True(t, action.Success)
	assert.NotEmpty(t, action.ReplacementID)
	assert.Equal(t, int32(1), prov.provisions)

	// The replacement carries the same capability and zone with a fresh
	// identity.
	replacement, err := reg.Get(ctx, action.ReplacementID)
	require.NoError(t, err)
	assert.NotEqual(t, a.AgentID, replacement.AgentID)
	assert.NotEqual(t, a.VerificationHash, replacement.VerificationHash)
	assert.Equal(t, a.Capability, replacement.Capability)
	assert.Equal(t, a.Zone, replacement.Zone)
	assert.Equal(t, agent.StatusActive, replacement.Status)
	assert.True(t, replacement.IsReplacement())
	assert.Equal(t, "worn", replacement.Metadata["replaces"])

	// The exhausted agent is left in error, not resurrected.
	old, err := reg.Get(ctx, "worn")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, old.Status)
}

func TestHealReplacesExactlyOnceAcrossSweeps(t *testing.T) {
	prov := &fakeProvisioner{restartFailures: DefaultRestartCeiling}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()
	erroredAgent(t, reg, "doomed", agent.ZoneCloud)

	// Restart budget burns down one sweep at a time, then the next sweep
	// replaces.
	for i := 0; i < DefaultRestartCeiling; i++ {
		actions, err := healer.HealErrored(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, domainHealing.ActionRestart, actions[0].Action)
	}
	actions, err := healer.HealErrored(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, domainHealing.ActionReplace, actions[0].Action)
	require.True(t, actions[0].Success)

	// The old agent stays in error, so later sweeps still see it. They must
	// not spawn another replacement.
	for i := 0; i < 2; i++ {
		actions, err = healer.HealErrored(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, domainHealing.ActionIgnore, actions[0].Action)
		assert.True(t, actions[0].Success)
	}
	assert.Equal(t, int32(1), prov.provisions)

	all, err := reg.List(ctx, agent.Filter{}, 0, 0)
	require.NoError(t, err)
	replacements := 0
	for _, a := range all {
		if a.Metadata["replaces"] == "doomed" {
			replacements++
		}
	}
	assert.Equal(t, 1, replacements)
}

func TestHealResetsCounterOnSuccess(t *testing.T) {
	prov := &fakeProvisioner{restartFailures: 2}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()
	a := erroredAgent(t, reg, "flaky", agent.ZoneCloud)

	// Two failed restarts, then one success resets the budget.
	healer.Heal(ctx, a)
	healer.Heal(ctx, a)
	action := healer.Heal(ctx, a)
	require.True(t, action.Success)

	// Back in error later: restarts resume, not a replacement.
	require.NoError(t, reg.MarkError(ctx, "flaky"))
	a, err := reg.Get(ctx, "flaky")
	require.NoError(t, err)
	action = healer.Heal(ctx, a)
	assert.Equal(t, domainHealing.ActionRestart, action.Action)
	assert.True(t, action.Success)
	assert.Zero(t, prov.provisions)
}

func TestHealAllConcurrent(t *testing.T) {
	prov := &fakeProvisioner{}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()

	agents := make([]*agent.Agent, 0, 8)
	for i := 0; i < 8; i++ {
		agents = append(agents, erroredAgent(t, reg, fmt.Sprintf("n%d", i), agent.ZoneCloud))
	}

	actions := healer.HealAll(ctx, agents)
	require.Len(t, actions, 8)
	for i, action := range actions {
		assert.Equal(t, agents[i].AgentID, action.AgentID)
		assert.True(t, action.Success)
	}
	assert.Equal(t, int32(8), prov.restarts)
}

func TestHealErrored(t *testing.T) {
	prov := &fakeProvisioner{}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()

	erroredAgent(t, reg, "e1", agent.ZoneCloud)
	erroredAgent(t, reg, "e2", agent.ZoneEdge)
	_, err := reg.Register(ctx, registry.RegisterInput{
		AgentID: "fine", Persona: agent.PersonaScout, Capability: "crawl", Zone: agent.ZoneCloud,
	})
	require.NoError(t, err)

	actions, err := healer.HealErrored(ctx)
	require.NoError(t, err)
	assert.Len(t, actions, 2)
}

func TestStatsReflectOutcomes(t *testing.T) {
	prov := &fakeProvisioner{restartFailures: 1}
	reg, healer := newFixture(t, prov)
	ctx := context.Background()
	a := erroredAgent(t, reg, "s1", agent.ZoneCloud)

	healer.Heal(ctx, a) // failed restart
	healer.Heal(ctx, a) // successful restart

	stats := healer.Stats(time.Minute)
	assert.Equal(t, 1, stats.Restarted)
	assert.Equal(t, 1, stats.Failed)
}
