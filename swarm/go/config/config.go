// Package config holds the typed server configuration, constructed once at
// startup from environment variables and passed down to the services.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.cipherswarm.org/server/go/cserr"
)

// Config is the full configuration of the control plane server.
type Config struct {
	// Port is the TCP port the agent API listens on.
	Port int
	// PromPort is the TCP port /metrics is served on.
	PromPort int

	// DatabaseURL is the Postgres wire compatible connection string.
	DatabaseURL string
	// RedisURL is the Redis connection string, e.g. redis://host:6379/0.
	RedisURL string

	// S3 object store settings. Endpoint may point at MinIO.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	// PresignExpiry bounds the lifetime of download URLs handed to agents.
	PresignExpiry time.Duration

	// AgentOffline is how long an active agent may go without a heartbeat
	// before the maintenance loop marks it offline.
	AgentOffline time.Duration
	// TaskAbandon is the no-activity window after which a running task is
	// deleted by the maintenance loop.
	TaskAbandon time.Duration
	// NStatusKeep is the number of status rows retained per live task.
	NStatusKeep int

	// HealthTTL is how long a system health probe result is cached.
	HealthTTL time.Duration
	// HealthLock is the expiry on the probe single-flight lock.
	HealthLock time.Duration

	// BenchmarkThresholds maps hash_mode to the minimum hash speed an agent
	// must have benchmarked to be handed a new task for that mode. Modes
	// absent from the map have no threshold.
	BenchmarkThresholds map[int]float64

	RetentionAgentErrors time.Duration
	RetentionAudit       time.Duration
	RetentionStatus      time.Duration

	// PreemptMaxProgress is the completion percentage at or above which a
	// running task is no longer preemptable.
	PreemptMaxProgress float64
	// PreemptMaxCount is the starvation cap: a task preempted this many times
	// is never preempted again.
	PreemptMaxCount int

	// AgentUpdateInterval is handed to agents via GET /configuration.
	AgentUpdateInterval time.Duration

	// LatestCrackerVersion is the newest hashcat build available for agents,
	// served by check_for_cracker_update. Empty disables updates.
	LatestCrackerVersion string
}

// Load builds a Config from the environment. Every key has a default suitable
// for local development except the connection strings.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8000)
	v.SetDefault("PROM_PORT", 20000)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET", "cipherswarm")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("PRESIGN_EXPIRY_SECONDS", 3600)
	v.SetDefault("AGENT_OFFLINE_SECONDS", 300)
	v.SetDefault("TASK_ABANDON_SECONDS", 1800)
	v.SetDefault("N_STATUS_KEEP", 10)
	v.SetDefault("HEALTH_TTL_SECONDS", 60)
	v.SetDefault("HEALTH_LOCK_SECONDS", 10)
	v.SetDefault("BENCHMARK_THRESHOLDS", "")
	v.SetDefault("PREEMPT_MAX_PROGRESS_PERCENT", 50)
	v.SetDefault("PREEMPT_MAX_COUNT", 3)
	v.SetDefault("RETENTION_AGENT_ERRORS_DAYS", 30)
	v.SetDefault("RETENTION_AUDIT_DAYS", 90)
	v.SetDefault("RETENTION_STATUS_DAYS", 7)
	v.SetDefault("AGENT_UPDATE_INTERVAL_SECONDS", 30)
	v.SetDefault("LATEST_CRACKER_VERSION", "")

	thresholds, err := ParseBenchmarkThresholds(v.GetString("BENCHMARK_THRESHOLDS"))
	if err != nil {
		return Config{}, err
	}

	days := func(key string) time.Duration {
		return time.Duration(v.GetInt(key)) * 24 * time.Hour
	}
	seconds := func(key string) time.Duration {
		return time.Duration(v.GetInt(key)) * time.Second
	}

	return Config{
		Port:                 v.GetInt("PORT"),
		PromPort:             v.GetInt("PROM_PORT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		S3Endpoint:           v.GetString("S3_ENDPOINT"),
		S3Region:             v.GetString("S3_REGION"),
		S3Bucket:             v.GetString("S3_BUCKET"),
		S3AccessKey:          v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:          v.GetString("S3_SECRET_KEY"),
		PresignExpiry:        seconds("PRESIGN_EXPIRY_SECONDS"),
		AgentOffline:         seconds("AGENT_OFFLINE_SECONDS"),
		TaskAbandon:          seconds("TASK_ABANDON_SECONDS"),
		NStatusKeep:          v.GetInt("N_STATUS_KEEP"),
		HealthTTL:            seconds("HEALTH_TTL_SECONDS"),
		HealthLock:           seconds("HEALTH_LOCK_SECONDS"),
		BenchmarkThresholds:  thresholds,
		PreemptMaxProgress:   v.GetFloat64("PREEMPT_MAX_PROGRESS_PERCENT"),
		PreemptMaxCount:      v.GetInt("PREEMPT_MAX_COUNT"),
		RetentionAgentErrors: days("RETENTION_AGENT_ERRORS_DAYS"),
		RetentionAudit:       days("RETENTION_AUDIT_DAYS"),
		RetentionStatus:      days("RETENTION_STATUS_DAYS"),
		AgentUpdateInterval:  seconds("AGENT_UPDATE_INTERVAL_SECONDS"),
		LatestCrackerVersion: v.GetString("LATEST_CRACKER_VERSION"),
	}, nil
}

// ParseBenchmarkThresholds parses the BENCHMARK_THRESHOLDS environment value,
// a comma separated list of hash_mode:min_hash_speed pairs, e.g.
// "0:1000000,1000:500000".
func ParseBenchmarkThresholds(s string) (map[int]float64, error) {
	ret := map[int]float64{}
	if strings.TrimSpace(s) == "" {
		return ret, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return nil, cserr.NewKind(cserr.Validation, "malformed benchmark threshold %q", pair)
		}
		mode, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, cserr.NewKind(cserr.Validation, "malformed hash mode in threshold %q", pair)
		}
		speed, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || speed < 0 {
			return nil, cserr.NewKind(cserr.Validation, "malformed speed in threshold %q", pair)
		}
		ret[mode] = speed
	}
	return ret, nil
}

// MinSpeedFor returns the minimum benchmark speed required for the given hash
// mode, zero when the mode has no configured threshold.
func (c Config) MinSpeedFor(hashMode int) float64 {
	return c.BenchmarkThresholds[hashMode]
}
