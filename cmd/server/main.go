package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	httpapi "github.com/fleet-hub/fleet-hub/internal/api/http"
	appHealing "github.com/fleet-hub/fleet-hub/internal/application/healing"
	appHealth "github.com/fleet-hub/fleet-hub/internal/application/health"
	appRegistry "github.com/fleet-hub/fleet-hub/internal/application/registry"
	appRouter "github.com/fleet-hub/fleet-hub/internal/application/router"
	appScaling "github.com/fleet-hub/fleet-hub/internal/application/scaling"
	"github.com/fleet-hub/fleet-hub/internal/config"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	domainHealing "github.com/fleet-hub/fleet-hub/internal/domain/healing"
	domainScaling "github.com/fleet-hub/fleet-hub/internal/domain/scaling"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/digest"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/dispatch"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/metrics"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/postgres"
	infraProvision "github.com/fleet-hub/fleet-hub/internal/infrastructure/provision"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/rediscache"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/redisqueue"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer rdb.Close()

	// infrastructure
	agentRepo := postgres.NewAgentRepository(pool)
	agentCache := rediscache.NewAgentCache(rdb, cfg.CacheTTL)
	jobQueue := redisqueue.NewJobQueue(rdb)
	signer := digest.NewSigner([]byte(cfg.DigestKey))
	sseHub := sse.NewHub()
	promReg := prometheus.NewRegistry()
	fleetMetrics := metrics.NewMetrics(promReg)

	provisionerURLs := make(map[agent.Zone]string, len(cfg.ProvisionerURLs))
	for zone, url := range cfg.ProvisionerURLs {
		provisionerURLs[agent.Zone(zone)] = url
	}
	provisioner := infraProvision.NewHTTPProvisioner(provisionerURLs, nil, logger)
	executor := dispatch.NewHTTPExecutor(provisionerURLs, nil, logger)

	// services
	registrySvc := appRegistry.NewService(agentRepo, agentCache, signer, agent.DefaultZoneLimits(), logger)
	monitor := appHealth.NewMonitor(registrySvc, cfg.HealthStaleThreshold, fleetMetrics, logger)
	history := domainHealing.NewHistory(cfg.HealHistorySize, cfg.HealHistoryMaxAge)
	healer := appHealing.NewHealer(registrySvc, provisioner, cfg.HealRestartCeiling, history, sseHub, fleetMetrics, logger)
	jobRouter := appRouter.NewRouter(registrySvc, jobQueue, executor, cfg.JobMaxAttempts, fleetMetrics, logger)
	scaler := appScaling.NewScaler(registrySvc, jobRouter, nil, provisioner, appScaling.Config{
		MinAgents:     cfg.ScaleMinAgents,
		MaxAgents:     cfg.ScaleMaxAgents,
		Up:            domainScaling.UpThresholds{QueueDepth: cfg.ScaleUpQueueDepth, ResponseTimeMs: cfg.ScaleUpResponseMs},
		Down:          domainScaling.DownThresholds{QueueDepth: cfg.ScaleDownQueueDepth, IdleAgents: cfg.ScaleDownIdleAgents},
		UpIncrement:   cfg.ScaleUpIncrement,
		DownIncrement: cfg.ScaleDownIncrement,
		Cooldown:      cfg.ScaleCooldown,
		Guard:         cfg.ScaleGuard,
	}, sseHub, fleetMetrics, logger)

	// API server
	apiServer := httpapi.NewServer(registrySvc, monitor, healer, scaler, jobRouter, sseHub, promReg)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	runCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	jobRouter.Start(runCtx)

	go func() {
		ticker := time.NewTicker(cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := monitor.RunCycle(runCtx); err != nil {
					logger.Error().Err(err).Msg("health cycle failed")
					continue
				}
				if _, err := healer.HealErrored(runCtx); err != nil {
					logger.Error().Err(err).Msg("healing sweep failed")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.ScaleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := scaler.RunCycle(runCtx); err != nil {
					logger.Error().Err(err).Msg("scaling cycle failed")
				}
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopLoops()
	jobRouter.Stop()
	sseHub.Stop()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
