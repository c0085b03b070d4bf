package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/memory"
)

type noopSigner struct{}

func (noopSigner) Sum(parts ...string) string { return "h-" + strings.Join(parts, "-") }

// scriptedExecutor fails the first failures attempts of each job, then
// succeeds, recording which agent ran each attempt.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	ranOn    map[string][]string
}

func newScriptedExecutor(failures int) *scriptedExecutor {
	return &scriptedExecutor{
		failures: failures,
		attempts: make(map[string]int),
		ranOn:    make(map[string][]string),
	}
}

func (e *scriptedExecutor) Execute(_ context.Context, a *agent.Agent, j *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[j.JobID]++
	e.ranOn[j.JobID] = append(e.ranOn[j.JobID], a.AgentID)
	if e.attempts[j.JobID] <= e.failures {
		return errors.New("agent crashed mid-task")
	}
	return nil
}

func (e *scriptedExecutor) attemptCount(jobID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[jobID]
}

// testLimits keeps worker pools small so tests start and stop quickly.
func testLimits() map[agent.Zone]agent.ZoneLimits {
	limits := make(map[agent.Zone]agent.ZoneLimits, len(agent.Zones()))
	for _, zone := range agent.Zones() {
		limits[zone] = agent.ZoneLimits{
			Capacity:         100,
			Concurrency:      2,
			DispatchRate:     1000,
			DispatchBurst:    100,
			ProvisionTimeout: time.Second,
		}
	}
	return limits
}

type routerFixture struct {
	reg     *registry.Service
	queue   *memory.JobQueue
	exec    *scriptedExecutor
	router  *Router
	results chan job.Result
}

func newRouterFixture(t *testing.T, failures int) *routerFixture {
	t.Helper()
	repo := memory.NewAgentRepository()
	reg := registry.NewService(repo, nil, noopSigner{}, testLimits(), zerolog.Nop())
	queue := memory.NewJobQueue()
	exec := newScriptedExecutor(failures)
	r := NewRouter(reg, queue, exec, 0, nil, zerolog.Nop())

	results := make(chan job.Result, 16)
	r.OnResult(func(res job.Result) { results <- res })

	r.Start(context.Background())
	t.Cleanup(r.Stop)

	return &routerFixture{reg: reg, queue: queue, exec: exec, router: r, results: results}
}

func (f *routerFixture) registerAgent(t *testing.T, id string, zone agent.Zone, completed int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Register(ctx, registry.RegisterInput{
		AgentID: id, Persona: agent.PersonaBuilder, Capability: "compile", Zone: zone,
	})
	require.NoError(t, err)
	for i := 0; i < completed; i++ {
		require.NoError(t, f.reg.IncrementCompleted(ctx, id))
	}
}

func waitResult(t *testing.T, results chan job.Result, timeout time.Duration) job.Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job result")
		return job.Result{}
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx := context.Background()

	t.Run("invalid priority", func(t *testing.T) {
		err := f.router.Submit(ctx, &job.Job{Type: job.TypeIngest, Zone: agent.ZoneCloud, Priority: 99})
		assert.ErrorIs(t, err, job.ErrInvalidPriority)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := f.router.Submit(ctx, &job.Job{Type: job.Type("dig"), Zone: agent.ZoneCloud, Priority: 5})
		assert.ErrorIs(t, err, job.ErrUnknownType)
	})

	t.Run("unknown zone", func(t *testing.T) {
		err := f.router.Submit(ctx, &job.Job{Type: job.TypeIngest, Zone: agent.Zone("orbit"), Priority: 5})
		assert.ErrorIs(t, err, agent.ErrUnknownZone)
	})

	t.Run("defaults applied", func(t *testing.T) {
		f.registerAgent(t, "d1", agent.ZoneEdge, 0)
		j := &job.Job{Type: job.TypeIngest, Zone: agent.ZoneEdge, Priority: 5}
		require.NoError(t, f.router.Submit(ctx, j))
		assert.NotEmpty(t, j.JobID)
		assert.Equal(t, job.DefaultMaxAttempts, j.MaxAttempts)
		assert.False(t, j.SubmittedAt.IsZero())
		waitResult(t, f.results, 5*time.Second)
	})
}

func TestSubmitUsesConfiguredAttemptBudget(t *testing.T) {
	repo := memory.NewAgentRepository()
	reg := registry.NewService(repo, nil, noopSigner{}, testLimits(), zerolog.Nop())
	r := NewRouter(reg, memory.NewJobQueue(), newScriptedExecutor(0), 5, nil, zerolog.Nop())
	ctx := context.Background()

	j := &job.Job{Type: job.TypeIngest, Zone: agent.ZoneCloud, Priority: 5}
	require.NoError(t, r.Submit(ctx, j))
	assert.Equal(t, 5, j.MaxAttempts)

	// An explicit budget on the job wins over the configured default.
	pinned := &job.Job{Type: job.TypeIngest, Zone: agent.ZoneCloud, Priority: 5, MaxAttempts: 1}
	require.NoError(t, r.Submit(ctx, pinned))
	assert.Equal(t, 1, pinned.MaxAttempts)
}

func TestJobRunsOnLeastUtilizedAgent(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx := context.Background()

	f.registerAgent(t, "busy", agent.ZoneCloud, 50)
	f.registerAgent(t, "idle", agent.ZoneCloud, 2)

	j := &job.Job{Type: job.TypeAnalyze, Zone: agent.ZoneCloud, Priority: 5}
	require.NoError(t, f.router.Submit(ctx, j))

	res := waitResult(t, f.results, 5*time.Second)
	assert.True(t, res.Success)
	assert.True(t, res.Terminal)
	assert.Equal(t, "idle", res.AgentID)
	assert.Equal(t, 1, res.Attempt)

	a, err := f.reg.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.TasksCompleted)
}

func TestJobRunsOnPinnedAgent(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx := context.Background()

	f.registerAgent(t, "busy", agent.ZoneCloud, 0)
	f.registerAgent(t, "pinned", agent.ZoneCloud, 90)

	j := &job.Job{Type: job.TypeReport, Zone: agent.ZoneCloud, AgentID: "pinned", Priority: 7}
	require.NoError(t, f.router.Submit(ctx, j))

	res := waitResult(t, f.results, 5*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "pinned", res.AgentID)
}

func TestRetryAfterFailure(t *testing.T) {
	f := newRouterFixture(t, 1)
	ctx := context.Background()

	f.registerAgent(t, "a1", agent.ZoneCloud, 0)

	j := &job.Job{Type: job.TypeTransform, Zone: agent.ZoneCloud, Priority: 5}
	require.NoError(t, f.router.Submit(ctx, j))

	// First attempt fails, the retry lands after the 2s backoff.
	res := waitResult(t, f.results, 10*time.Second)
	assert.True(t, res.Success)
	assert.True(t, res.Terminal)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 2, f.exec.attemptCount(j.JobID))

	m, err := f.router.Metrics(ctx, agent.ZoneCloud)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Retried)
	assert.Equal(t, int64(1), m.Completed)
	assert.Zero(t, m.Failed)

	// The failed attempt cost the agent health score.
	a, err := f.reg.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TasksFailed)
}

func TestTerminalFailureReportedExactlyOnce(t *testing.T) {
	f := newRouterFixture(t, 100)
	ctx := context.Background()

	f.registerAgent(t, "a1", agent.ZoneCloud, 0)

	j := &job.Job{Type: job.TypeIngest, Zone: agent.ZoneCloud, Priority: 5, MaxAttempts: 2}
	require.NoError(t, f.router.Submit(ctx, j))

	res := waitResult(t, f.results, 10*time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.Terminal)
	assert.Equal(t, 2, res.Attempt)
	assert.Contains(t, res.Error, job.ErrExhaustedRetries.Error())

	// No further results: terminal failure is reported once.
	select {
	case extra := <-f.results:
		t.Fatalf("unexpected extra result: %+v", extra)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 2, f.exec.attemptCount(j.JobID))

	m, err := f.router.Metrics(ctx, agent.ZoneCloud)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Retried)
}

func TestNoAgentAvailableDoesNotConsumeAttempt(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx := context.Background()

	j := &job.Job{Type: job.TypeMaintenance, Zone: agent.ZoneServerless, Priority: 3}
	require.NoError(t, f.router.Submit(ctx, j))

	// With no agents the job parks in the delayed set instead of failing.
	require.Eventually(t, func() bool {
		m, err := f.router.Metrics(ctx, agent.ZoneServerless)
		return err == nil && m.Delayed == 1
	}, 3*time.Second, 50*time.Millisecond)

	select {
	case res := <-f.results:
		t.Fatalf("unexpected result: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Zero(t, f.exec.attemptCount(j.JobID))
}

func TestTotalBacklog(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx := context.Background()

	// A zone without agents keeps its jobs parked (waiting or delayed), and
	// the backlog counts both.
	for i := 0; i < 3; i++ {
		j := &job.Job{Type: job.TypeIngest, Zone: agent.ZoneEdge, Priority: 5}
		require.NoError(t, f.router.Submit(ctx, j))
	}

	require.Eventually(t, func() bool {
		total, err := f.router.TotalBacklog(ctx)
		return err == nil && total == 3
	}, 3*time.Second, 50*time.Millisecond)
}

func TestBackoffDelaySchedule(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(2))
	assert.Equal(t, 8*time.Second, backoffDelay(3))
	assert.Equal(t, retryMaxDelay, backoffDelay(30))
}
