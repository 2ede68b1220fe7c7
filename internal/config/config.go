// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"strings"
	"time"
)

// CoordinatorConfig holds configuration for the coordinator process.
type CoordinatorConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	// Durable store. Driver is "postgres" or "sqlite3".
	DBDriver string
	DBDSN    string

	// Shared artifact location reachable by the coordinator and every worker.
	ArtifactRoot string

	// Worker liveness bookkeeping.
	ProbeInterval     time.Duration // health probe to each known worker
	ProbeTimeout      time.Duration
	UnreachableWindow time.Duration // remove a worker after this long unreachable

	// Orphan detection. OrphanTimeout must exceed worst-case re-registration
	// latency (probe interval + re-registration detection threshold).
	OrphanInterval time.Duration
	OrphanTimeout  time.Duration

	// Checkpoint retention for POST /v1/checkpoints/cleanup defaults.
	RetentionAge time.Duration

	// Grace window given to owning workers to re-register after a
	// coordinator restart before the orphan detector may fail their jobs.
	ReconcileGrace time.Duration

	// HMAC key for signing commands dispatched to workers.
	SigningKey string

	// Optional YAML file with per-job-type checkpoint policy defaults.
	PolicyFile string
}

// LoadCoordinatorConfig loads coordinator configuration from environment variables.
func LoadCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DBDriver:          GetEnv("DB_DRIVER", "sqlite3"),
		DBDSN:             GetEnv("DB_DSN", "data/coordinator.db"),
		ArtifactRoot:      GetEnv("ARTIFACT_ROOT", "data/checkpoints"),
		ProbeInterval:     GetDurationEnv("WORKER_PROBE_INTERVAL", 10*time.Second),
		ProbeTimeout:      GetDurationEnv("WORKER_PROBE_TIMEOUT", 5*time.Second),
		UnreachableWindow: GetDurationEnv("WORKER_UNREACHABLE_WINDOW", 10*time.Minute),
		OrphanInterval:    GetDurationEnv("ORPHAN_CHECK_INTERVAL", 15*time.Second),
		OrphanTimeout:     GetDurationEnv("ORPHAN_TIMEOUT", 60*time.Second),
		RetentionAge:      GetDurationEnv("CHECKPOINT_RETENTION_AGE", 30*24*time.Hour),
		ReconcileGrace:    GetDurationEnv("RECONCILE_GRACE", 45*time.Second),
		SigningKey:        GetSecretFile(GetEnv("SIGNING_KEY_FILE", "")),
		PolicyFile:        GetEnv("CHECKPOINT_POLICY_FILE", ""),
	}
}

// WorkerConfig holds configuration for a worker agent process.
type WorkerConfig struct {
	WorkerID     string
	WorkerType   string
	Hostname     string
	Port         string
	BaseURL      string // advertised to the coordinator; must be reachable from it
	Capabilities []string

	CoordinatorURL string
	APIKey         string
	SigningKey     string // HMAC key for verifying inbound commands

	// Shared durable store and artifact location. Workers write checkpoints
	// here directly; they never travel through the coordinator API.
	DBDriver     string
	DBDSN        string
	ArtifactRoot string
	PolicyFile   string

	// ShutdownGrace bounds the cancel / final-checkpoint / status-report race
	// on SIGTERM.
	ShutdownGrace time.Duration

	// Registration monitor. The worker re-registers when the coordinator has
	// forgotten it or has not health-probed it within ProbeSilence. After a
	// coordinator shutdown notice the monitor polls at FastInterval.
	MonitorInterval time.Duration
	FastInterval    time.Duration
	ProbeSilence    time.Duration
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	port := GetEnv("PORT", "9100")

	return &WorkerConfig{
		WorkerID:        GetEnv("WORKER_ID", "worker-"+hostname),
		WorkerType:      GetEnv("WORKER_TYPE", "general"),
		Hostname:        hostname,
		Port:            port,
		BaseURL:         GetEnv("BASE_URL", "http://"+hostname+":"+port),
		Capabilities:    splitList(GetEnv("CAPABILITIES", "")),
		CoordinatorURL:  GetEnv("COORDINATOR_URL", "http://localhost:8080"),
		APIKey:          GetSecretFile(GetEnv("API_KEY_FILE", "")),
		SigningKey:      GetSecretFile(GetEnv("SIGNING_KEY_FILE", "")),
		DBDriver:        GetEnv("DB_DRIVER", "sqlite3"),
		DBDSN:           GetEnv("DB_DSN", "data/coordinator.db"),
		ArtifactRoot:    GetEnv("ARTIFACT_ROOT", "data/checkpoints"),
		PolicyFile:      GetEnv("CHECKPOINT_POLICY_FILE", ""),
		ShutdownGrace:   GetDurationEnv("SHUTDOWN_GRACE", 25*time.Second),
		MonitorInterval: GetDurationEnv("REGISTRATION_CHECK_INTERVAL", 10*time.Second),
		FastInterval:    GetDurationEnv("REGISTRATION_FAST_INTERVAL", 2*time.Second),
		ProbeSilence:    GetDurationEnv("PROBE_SILENCE_THRESHOLD", 30*time.Second),
	}
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
