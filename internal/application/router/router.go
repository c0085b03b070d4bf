package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fleet-hub/fleet-hub/internal/application/registry"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/metrics"
)

const (
	// dequeueWait bounds each blocking queue poll so workers notice shutdown.
	dequeueWait = 2 * time.Second

	// noAgentDelay re-schedules a job when no active agent was available. The
	// delay does not consume a retry attempt.
	noAgentDelay = 5 * time.Second

	// retryBaseDelay seeds the exponential backoff schedule: 2s, 4s, 8s, ...
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 2 * time.Minute

	promoteInterval = time.Second
)

var ErrNoAgentAvailable = errors.New("no active agent available in zone")

// Executor runs one job attempt on one agent.
type Executor interface {
	Execute(ctx context.Context, a *agent.Agent, j *job.Job) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a *agent.Agent, j *job.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, a *agent.Agent, j *job.Job) error {
	return f(ctx, a, j)
}

// ZoneJobMetrics is the per-zone routing counter snapshot.
type ZoneJobMetrics struct {
	Waiting   int   `json:"waiting"`
	Delayed   int   `json:"delayed"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

type zoneCounters struct {
	active    int
	completed int64
	failed    int64
	retried   int64
}

// Router dispatches queued jobs to agents, one worker pool per zone sized to
// the zone's concurrency budget and paced by the zone's dispatch rate. Failed
// attempts are re-enqueued with exponential backoff up to the job's attempt
// budget; the terminal failure is reported exactly once.
type Router struct {
	reg     *registry.Service
	queue   job.Queue
	exec    Executor
	limits  map[agent.Zone]agent.ZoneLimits
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// defaultMaxAttempts backfills jobs submitted without an attempt budget.
	defaultMaxAttempts int

	limiters map[agent.Zone]*rate.Limiter

	mu       sync.Mutex
	counters map[agent.Zone]*zoneCounters

	// onResult, when set, receives every terminal result (success or
	// exhausted-retries failure).
	onResult func(job.Result)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(reg *registry.Service, queue job.Queue, exec Executor, maxAttempts int, m *metrics.Metrics, logger zerolog.Logger) *Router {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}
	limits := reg.ZoneLimits()
	limiters := make(map[agent.Zone]*rate.Limiter, len(limits))
	counters := make(map[agent.Zone]*zoneCounters, len(limits))
	for _, zone := range agent.Zones() {
		zl := limits[zone]
		r := rate.Limit(zl.DispatchRate)
		if r <= 0 {
			r = rate.Inf
		}
		burst := zl.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiters[zone] = rate.NewLimiter(r, burst)
		counters[zone] = &zoneCounters{}
	}
	return &Router{
		reg:                reg,
		queue:              queue,
		exec:               exec,
		limits:             limits,
		metrics:            m,
		logger:             logger.With().Str("service", "router").Logger(),
		defaultMaxAttempts: maxAttempts,
		limiters:           limiters,
		counters:           counters,
	}
}

// OnResult registers a terminal-result callback. Must be called before Start.
func (r *Router) OnResult(fn func(job.Result)) {
	r.onResult = fn
}

// Submit validates a job, assigns defaults and places it on its zone queue.
func (r *Router) Submit(ctx context.Context, j *job.Job) error {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = r.defaultMaxAttempts
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().UTC()
	}
	if err := j.Validate(); err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	r.logger.Debug().Str("job_id", j.JobID).Str("zone", string(j.Zone)).Int("priority", j.Priority).Msg("job submitted")
	return nil
}

// Start launches the per-zone worker pools and the delayed-job promoters.
func (r *Router) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, zone := range agent.Zones() {
		concurrency := r.limits[zone].Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			r.wg.Add(1)
			go func(z agent.Zone) {
				defer r.wg.Done()
				r.workerLoop(runCtx, z)
			}(zone)
		}
		r.wg.Add(1)
		go func(z agent.Zone) {
			defer r.wg.Done()
			r.promoteLoop(runCtx, z)
		}(zone)
	}
	r.logger.Info().Msg("router started")
}

// Stop halts the worker pools and waits for in-flight attempts to finish.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("router stopped")
}

func (r *Router) workerLoop(ctx context.Context, zone agent.Zone) {
	for {
		if ctx.Err() != nil {
			return
		}
		j, err := r.queue.Dequeue(ctx, zone, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Str("zone", string(zone)).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if j == nil {
			continue
		}
		if err := r.limiters[zone].Wait(ctx); err != nil {
			// Shutdown while waiting for a dispatch token: push the job back.
			r.requeue(j)
			return
		}
		r.process(ctx, zone, j)
	}
}

func (r *Router) promoteLoop(ctx context.Context, zone agent.Zone) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := r.queue.PromoteDue(ctx, zone, now)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("zone", string(zone)).Msg("delayed promotion failed")
				continue
			}
			if n > 0 {
				r.logger.Debug().Int("promoted", n).Str("zone", string(zone)).Msg("delayed jobs promoted")
			}
		}
	}
}

// process runs one attempt end to end: agent selection, execution, outcome
// accounting.
func (r *Router) process(ctx context.Context, zone agent.Zone, j *job.Job) {
	r.trackActive(zone, 1)
	defer r.trackActive(zone, -1)

	target, err := r.selectAgent(ctx, j)
	if err != nil {
		if errors.Is(err, ErrNoAgentAvailable) {
			// Not an execution failure, so the attempt budget is untouched.
			if qerr := r.queue.EnqueueDelayed(ctx, j, noAgentDelay); qerr != nil {
				r.logger.Error().Err(qerr).Str("job_id", j.JobID).Msg("re-schedule without agent failed")
			}
			return
		}
		r.failAttempt(ctx, j, "", err)
		return
	}

	start := time.Now()
	execErr := r.exec.Execute(ctx, target, j)
	elapsed := time.Since(start)

	if execErr == nil {
		r.completeJob(ctx, j, target, elapsed)
		return
	}
	r.failAttempt(ctx, j, target.AgentID, execErr)
}

// selectAgent resolves the target: the explicit agent when the job pins one,
// otherwise the least-utilized active agent in the zone.
func (r *Router) selectAgent(ctx context.Context, j *job.Job) (*agent.Agent, error) {
	if j.AgentID != "" {
		a, err := r.reg.Get(ctx, j.AgentID)
		if err != nil {
			return nil, err
		}
		if a.Status != agent.StatusActive {
			return nil, fmt.Errorf("%w: pinned agent %s is %s", ErrNoAgentAvailable, a.AgentID, a.Status)
		}
		return a, nil
	}
	candidates, err := r.reg.LeastUtilized(ctx, j.Zone, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAgentAvailable, j.Zone)
	}
	return candidates[0], nil
}

func (r *Router) completeJob(ctx context.Context, j *job.Job, target *agent.Agent, elapsed time.Duration) {
	if err := r.reg.IncrementCompleted(ctx, target.AgentID); err != nil {
		r.logger.Warn().Err(err).Str("agent_id", target.AgentID).Msg("completion counter update failed")
	}
	r.bumpCompleted(j.Zone)
	r.metrics.JobsCompleted.WithLabelValues(string(j.Zone)).Inc()
	r.emit(job.Result{
		JobID:         j.JobID,
		Type:          j.Type,
		Zone:          j.Zone,
		AgentID:       target.AgentID,
		Success:       true,
		Terminal:      true,
		Attempt:       j.Attempt + 1,
		ExecutionTime: elapsed,
	})
}

// failAttempt accounts one failed attempt. Below the attempt budget the job is
// re-enqueued with exponential backoff; at the budget it fails terminally,
// exactly once, from this call.
func (r *Router) failAttempt(ctx context.Context, j *job.Job, agentID string, cause error) {
	j.Attempt++
	if agentID != "" {
		if err := r.reg.IncrementFailed(ctx, agentID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failure counter update failed")
		}
	}

	if j.Attempt < j.MaxAttempts {
		delay := backoffDelay(j.Attempt)
		r.bumpRetried(j.Zone)
		r.metrics.JobRetries.WithLabelValues(string(j.Zone)).Inc()
		if err := r.queue.EnqueueDelayed(ctx, j, delay); err != nil {
			r.logger.Error().Err(err).Str("job_id", j.JobID).Msg("retry re-enqueue failed")
			return
		}
		r.logger.Debug().
			Str("job_id", j.JobID).
			Int("attempt", j.Attempt).
			Dur("delay", delay).
			Err(cause).
			Msg("job attempt failed, retry scheduled")
		return
	}

	r.bumpFailed(j.Zone)
	r.metrics.JobsFailed.WithLabelValues(string(j.Zone)).Inc()
	r.logger.Warn().
		Str("job_id", j.JobID).
		Str("zone", string(j.Zone)).
		Int("attempts", j.Attempt).
		Err(cause).
		Msg("job failed terminally")
	r.emit(job.Result{
		JobID:    j.JobID,
		Type:     j.Type,
		Zone:     j.Zone,
		AgentID:  agentID,
		Terminal: true,
		Attempt:  j.Attempt,
		Error:    fmt.Sprintf("%v: %v", job.ErrExhaustedRetries, cause),
	})
}

func (r *Router) emit(res job.Result) {
	if r.onResult != nil {
		r.onResult(res)
	}
}

// requeue pushes a dequeued job back during shutdown so it is not lost. Uses a
// short background context because the run context is already cancelled.
func (r *Router) requeue(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Enqueue(ctx, j); err != nil {
		r.logger.Error().Err(err).Str("job_id", j.JobID).Msg("requeue during shutdown failed")
	}
}

// Metrics returns the routing snapshot for one zone, refreshing the queue
// depth gauges as a side effect.
func (r *Router) Metrics(ctx context.Context, zone agent.Zone) (ZoneJobMetrics, error) {
	waiting, delayed, err := r.queue.Depth(ctx, zone)
	if err != nil {
		return ZoneJobMetrics{}, err
	}
	r.metrics.QueueDepth.WithLabelValues(string(zone)).Set(float64(waiting + delayed))

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters[zone]
	return ZoneJobMetrics{
		Waiting:   waiting,
		Delayed:   delayed,
		Active:    c.active,
		Completed: c.completed,
		Failed:    c.failed,
		Retried:   c.retried,
	}, nil
}

// AllMetrics returns the routing snapshot for every zone.
func (r *Router) AllMetrics(ctx context.Context) (map[agent.Zone]ZoneJobMetrics, error) {
	out := make(map[agent.Zone]ZoneJobMetrics, len(r.counters))
	for _, zone := range agent.Zones() {
		m, err := r.Metrics(ctx, zone)
		if err != nil {
			return nil, err
		}
		out[zone] = m
	}
	return out, nil
}

// TotalBacklog sums waiting plus delayed jobs across all zones. This is the
// queue-depth input to the scaler.
func (r *Router) TotalBacklog(ctx context.Context) (int, error) {
	total := 0
	for _, zone := range agent.Zones() {
		waiting, delayed, err := r.queue.Depth(ctx, zone)
		if err != nil {
			return 0, err
		}
		total += waiting + delayed
	}
	return total, nil
}

func (r *Router) trackActive(zone agent.Zone, delta int) {
	r.mu.Lock()
	r.counters[zone].active += delta
	r.mu.Unlock()
}

func (r *Router) bumpCompleted(zone agent.Zone) {
	r.mu.Lock()
	r.counters[zone].completed++
	r.mu.Unlock()
}

func (r *Router) bumpFailed(zone agent.Zone) {
	r.mu.Lock()
	r.counters[zone].failed++
	r.mu.Unlock()
}

func (r *Router) bumpRetried(zone agent.Zone) {
	r.mu.Lock()
	r.counters[zone].retried++
	r.mu.Unlock()
}

// backoffDelay is 2s doubling per prior attempt, capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}
