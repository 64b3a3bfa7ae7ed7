// Package config provides the kernel's single settings source: typed
// defaults overridable by environment variables, mirroring the teacher's
// getEnvDefault idiom generalized into helpers.
package config

import (
	"os"
	"strconv"
	"time"
)

// RoleBudget holds the default token/time allotment for one cell role.
type RoleBudget struct {
	Tokens   int
	Deadline time.Duration
}

// Settings is the single configuration source for the kernel. No hard-coded
// secrets: the database DSN and audit sink URL are env-only with no
// compiled-in fallback value.
type Settings struct {
	// Per-role budget defaults, keyed by role name (ceo, vp, director, manager, staff).
	RoleBudgets map[string]RoleBudget

	// ParallelismCeiling is the DAG executor's default bounded-parallelism K.
	ParallelismCeiling int
	// DegradedParallelismCeiling is K while the governor reports CRITICAL.
	DegradedParallelismCeiling int

	// Governor thresholds.
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	MaxActiveAgents  int
	RecoveryWindow   time.Duration
	HealthPollPeriod time.Duration

	// Tool session registry.
	ServerIdleTTL  time.Duration
	EmbeddingDim   int
	AutoWireAccept float64 // acceptance threshold, default 0.6

	// Timeouts.
	ShortTimeout    time.Duration
	LongTimeout     time.Duration
	ToolCallTimeout time.Duration

	// Retry policy.
	MaxRetries      int
	MaxReplans      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffFactor   float64

	// External collaborator addresses.
	DatabaseDSN  string
	AuditSinkURL string
	NATSUrl      string
}

// Load builds Settings from environment variables, falling back to
// defaults for anything unset.
func Load() *Settings {
	s := &Settings{
		RoleBudgets: map[string]RoleBudget{
			"ceo":      {Tokens: envInt("KEA_BUDGET_CEO_TOKENS", 200000), Deadline: envDuration("KEA_BUDGET_CEO_DEADLINE", 20*time.Minute)},
			"vp":       {Tokens: envInt("KEA_BUDGET_VP_TOKENS", 80000), Deadline: envDuration("KEA_BUDGET_VP_DEADLINE", 10*time.Minute)},
			"director": {Tokens: envInt("KEA_BUDGET_DIRECTOR_TOKENS", 40000), Deadline: envDuration("KEA_BUDGET_DIRECTOR_DEADLINE", 6*time.Minute)},
			"manager":  {Tokens: envInt("KEA_BUDGET_MANAGER_TOKENS", 20000), Deadline: envDuration("KEA_BUDGET_MANAGER_DEADLINE", 4*time.Minute)},
			"staff":    {Tokens: envInt("KEA_BUDGET_STAFF_TOKENS", 8000), Deadline: envDuration("KEA_BUDGET_STAFF_DEADLINE", 2*time.Minute)},
		},
		ParallelismCeiling:         envInt("KEA_PARALLELISM_CEILING", 8),
		DegradedParallelismCeiling: envInt("KEA_DEGRADED_PARALLELISM_CEILING", 2),
		MaxCPUPercent:              envFloat("MAX_CPU_PERCENT", 80.0),
		MaxMemoryPercent:           envFloat("MAX_RAM_PERCENT", 80.0),
		MaxActiveAgents:            envInt("MAX_CONCURRENT_AGENTS", 50),
		RecoveryWindow:             envDuration("KEA_GOVERNOR_RECOVERY_WINDOW", 10*time.Second),
		HealthPollPeriod:           envDuration("KEA_GOVERNOR_POLL_PERIOD", 1*time.Second),
		ServerIdleTTL:              envDuration("KEA_SERVER_IDLE_TTL", 5*time.Minute),
		EmbeddingDim:               envInt("KEA_EMBEDDING_DIM", 256),
		AutoWireAccept:             envFloat("KEA_AUTOWIRE_ACCEPT", 0.6),
		ShortTimeout:               envDuration("KEA_TIMEOUT_SHORT", 10*time.Second),
		LongTimeout:                envDuration("KEA_TIMEOUT_LONG", 2*time.Minute),
		ToolCallTimeout:            envDuration("KEA_TIMEOUT_TOOL_CALL", 30*time.Second),
		MaxRetries:                 envInt("KEA_MAX_RETRIES", 3),
		MaxReplans:                 envInt("KEA_MAX_REPLANS", 3),
		InitialBackoff:             envDuration("KEA_BACKOFF_INITIAL", 200*time.Millisecond),
		MaxBackoff:                 envDuration("KEA_BACKOFF_MAX", 30*time.Second),
		BackoffFactor:              envFloat("KEA_BACKOFF_FACTOR", 2.0),
		DatabaseDSN:                os.Getenv("KEA_DATABASE_DSN"),
		AuditSinkURL:               os.Getenv("KEA_AUDIT_SINK_URL"),
		NATSUrl:                    os.Getenv("KEA_NATS_URL"),
	}
	return s
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
