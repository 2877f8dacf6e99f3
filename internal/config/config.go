// Package config loads scheduler configuration from the environment and an
// optional YAML file, the way the teacher's own config package bootstraps
// itself from .env files plus getEnv/getEnvInt helpers.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Scheme names accepted for SchemeName, matching section 6 of the spec.
const (
	SchemeLeastLoad = "leastload"
	SchemePure      = "pure"
	SchemeLRU       = "lru"
	SchemePlainRand = "plainrandom"
	SchemeWeighted  = "weighted"
	SchemeTwoBin    = "twobin"
)

// Config holds the runtime configuration of the scheduler process.
//
// HWM and SchemeName are the two knobs section 6 names as externally
// configurable; they are also the two fields internal/config/reload.go
// permits to change at runtime via the viper+fsnotify watch.
type Config struct {
	NodeID string

	// Transport endpoints (ZMQ by default; see internal/transport/zmqtransport).
	ClientEndpoint   string
	EngineEndpoint   string
	MonitorEndpoint  string
	NotifierEndpoint string

	// NotifierDriver selects the notifier_stream backend: "zmq" or "nats".
	NotifierDriver string
	NATSURL        string
	NATSSubject    string

	// HWM is the per-engine outstanding-task cap; 0 disables the throttle.
	HWM int
	// SchemeName selects the load policy (C2).
	SchemeName string

	// StrandedGraceSeconds is the grace window handle_stranded waits
	// before synthesizing failures for an unregistered engine's pending
	// tasks (fixed at 5s by the spec; kept configurable for tests).
	StrandedGraceSeconds int
	// TimeoutAuditIntervalMS is the timeout-audit ticker period in
	// milliseconds (fixed at 2000ms / 0.5Hz by the spec).
	TimeoutAuditIntervalMS int

	// AdminAddr serves /metrics, /healthz, /debug/registry, /ws/monitor.
	AdminAddr string

	// AuditDSN configures the audit log backend. Empty disables it.
	// "sqlite://path/to/file.db" or a postgres DSN.
	AuditDSN string

	// ConfigFile is the optional viper-managed YAML file watched for
	// hot-reload of HWM/SchemeName.
	ConfigFile string
}

// Load reads configuration from environment variables (after loading any
// .env file present) and returns sane defaults for everything else.
func Load() Config {
	loadEnvironmentConfig()

	return Config{
		NodeID:                 getEnv("SCHED_NODE_ID", "scheduler-1"),
		ClientEndpoint:         getEnv("SCHED_CLIENT_ENDPOINT", "tcp://127.0.0.1:5671"),
		EngineEndpoint:         getEnv("SCHED_ENGINE_ENDPOINT", "tcp://127.0.0.1:5672"),
		MonitorEndpoint:        getEnv("SCHED_MONITOR_ENDPOINT", "tcp://127.0.0.1:5673"),
		NotifierEndpoint:       getEnv("SCHED_NOTIFIER_ENDPOINT", "tcp://127.0.0.1:5674"),
		NotifierDriver:         getEnv("SCHED_NOTIFIER_DRIVER", "zmq"),
		NATSURL:                getEnv("SCHED_NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubject:            getEnv("SCHED_NATS_SUBJECT", "scheduler.notifications"),
		HWM:                    getEnvInt("SCHED_HWM", 0),
		SchemeName:             getEnv("SCHED_SCHEME", SchemeLeastLoad),
		StrandedGraceSeconds:   getEnvInt("SCHED_STRANDED_GRACE_SECONDS", 5),
		TimeoutAuditIntervalMS: getEnvInt("SCHED_TIMEOUT_AUDIT_INTERVAL_MS", 2000),
		AdminAddr:              getEnv("SCHED_ADMIN_ADDR", ":8088"),
		AuditDSN:               getEnv("SCHED_AUDIT_DSN", "sqlite://scheduler_audit.db"),
		ConfigFile:             getEnv("SCHED_CONFIG_FILE", ""),
	}
}

// Validate reports whether the scheme name is one this build recognizes,
// HWM is non-negative, and the notifier driver is "zmq" or "nats".
func (c Config) Validate() error {
	switch c.SchemeName {
	case SchemeLeastLoad, SchemePure, SchemeLRU, SchemePlainRand, SchemeWeighted, SchemeTwoBin:
	default:
		return fmt.Errorf("config: unknown scheme_name %q", c.SchemeName)
	}
	if c.HWM < 0 {
		return fmt.Errorf("config: hwm must be >= 0, got %d", c.HWM)
	}
	switch c.NotifierDriver {
	case "zmq", "nats":
	default:
		return fmt.Errorf("config: unknown notifier driver %q", c.NotifierDriver)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// loadEnvironmentConfig loads a .env file if present, matching the
// teacher's own bootstrap sequence in internal/config/config.go.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	} else {
		log.Printf("config: no .env file found, using process environment")
	}

	nodeEnv := getEnv("SCHED_ENV", "")
	if nodeEnv != "" {
		envFile := fmt.Sprintf(".env.%s", nodeEnv)
		if err := godotenv.Load(envFile); err == nil {
			log.Printf("config: loaded environment-specific file %s", envFile)
		}
	}
}

// DefaultTimeoutAuditInterval returns the audit interval as a Duration.
func (c Config) DefaultTimeoutAuditInterval() time.Duration {
	return time.Duration(c.TimeoutAuditIntervalMS) * time.Millisecond
}

// StrandedGrace returns the stranded-task grace window as a Duration.
func (c Config) StrandedGrace() time.Duration {
	return time.Duration(c.StrandedGraceSeconds) * time.Second
}
