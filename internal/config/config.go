package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	DigestKey string

	HealthInterval       time.Duration
	HealthStaleThreshold time.Duration

	HealRestartCeiling int
	HealHistorySize    int
	HealHistoryMaxAge  time.Duration

	ScaleInterval       time.Duration
	ScaleMinAgents      int
	ScaleMaxAgents      int
	ScaleUpQueueDepth   int
	ScaleUpResponseMs   float64
	ScaleDownQueueDepth int
	ScaleDownIdleAgents int
	ScaleUpIncrement    int
	ScaleDownIncrement  int
	ScaleCooldown       time.Duration
	ScaleGuard          string

	JobMaxAttempts int

	// ProvisionerURLs maps a zone name to the base URL of its provisioning
	// endpoint.
	ProvisionerURLs map[string]string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "fleet_hub")
		pass := getenv("POSTGRES_PASSWORD", "fleet_hub_pass")
		db := getenv("POSTGRES_DB", "fleet_hub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	provisionerURLs := map[string]string{}
	for zone, envKey := range map[string]string{
		"cloud":      "PROVISIONER_URL_CLOUD",
		"container":  "PROVISIONER_URL_CONTAINER",
		"serverless": "PROVISIONER_URL_SERVERLESS",
		"edge":       "PROVISIONER_URL_EDGE",
	} {
		if url := os.Getenv(envKey); url != "" {
			provisionerURLs[zone] = url
		}
	}

	return &Config{
		DatabaseURL: dsn,
		ServerAddr:  getenv("SERVER_ADDR", "0.0.0.0:8080"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(os.Getenv("REDIS_DB"), 0),
		CacheTTL:      parseDuration(os.Getenv("CACHE_TTL"), 30*time.Second),

		DigestKey: getenv("DIGEST_KEY", "fleet-hub-dev-key"),

		HealthInterval:       parseDuration(os.Getenv("HEALTH_INTERVAL"), 30*time.Second),
		HealthStaleThreshold: parseDuration(os.Getenv("HEALTH_STALE_THRESHOLD"), 5*time.Minute),

		HealRestartCeiling: parseInt(os.Getenv("HEAL_RESTART_CEILING"), 3),
		HealHistorySize:    parseInt(os.Getenv("HEAL_HISTORY_SIZE"), 1024),
		HealHistoryMaxAge:  parseDuration(os.Getenv("HEAL_HISTORY_MAX_AGE"), 24*time.Hour),

		ScaleInterval:       parseDuration(os.Getenv("SCALE_INTERVAL"), time.Minute),
		ScaleMinAgents:      parseInt(os.Getenv("SCALE_MIN_AGENTS"), 1000),
		ScaleMaxAgents:      parseInt(os.Getenv("SCALE_MAX_AGENTS"), 30000),
		ScaleUpQueueDepth:   parseInt(os.Getenv("SCALE_UP_QUEUE_DEPTH"), 10000),
		ScaleUpResponseMs:   parseFloat(os.Getenv("SCALE_UP_RESPONSE_MS"), 5000),
		ScaleDownQueueDepth: parseInt(os.Getenv("SCALE_DOWN_QUEUE_DEPTH"), 1000),
		ScaleDownIdleAgents: parseInt(os.Getenv("SCALE_DOWN_IDLE_AGENTS"), 500),
		ScaleUpIncrement:    parseInt(os.Getenv("SCALE_UP_INCREMENT"), 500),
		ScaleDownIncrement:  parseInt(os.Getenv("SCALE_DOWN_INCREMENT"), 250),
		ScaleCooldown:       parseDuration(os.Getenv("SCALE_COOLDOWN"), 5*time.Minute),
		ScaleGuard:          os.Getenv("SCALE_GUARD"),

		JobMaxAttempts: parseInt(os.Getenv("JOB_MAX_ATTEMPTS"), 3),

		ProvisionerURLs: provisionerURLs,
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
