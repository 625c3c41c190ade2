package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Flows     FlowConfig
	Store     StoreConfig
	Queue     QueueConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Traffic   TrafficConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// FlowConfig controls where flow documents load from and how deep
// subflow nesting may go
type FlowConfig struct {
	Dirs            []string
	SubflowMaxDepth int
}

// StoreConfig holds durable session storage settings
type StoreConfig struct {
	DataDir string
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Type               string // "null" for single process, "redis" for worker pool
	JobStream          string
	JobGroup           string
	Consumer           string
	OutboxPollInterval time.Duration
	JobMaxAttempts     int
	JobRetryBase       time.Duration
	JobRetryFactor     int
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LLMConfig holds chat-adapter settings
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Models    map[string]string // alias -> provider model name
	AuthStyle string            // auto, bearer, header, query
	Timeout   time.Duration
	AllowMock bool
}

// ChatConfig holds interactive-session settings
type ChatConfig struct {
	RoundTimeout              time.Duration
	FailRoundOnBlockerFailure bool
	JobsMode                  string // "split" or "combined"
	MainFlowRef               string
	GatingFlowRef             string
	CombinedFlowRef           string
	GuidanceFlowRef           string
	GuidanceEnabled           bool
	StatusStateKeys           []string
	GuidanceStateKeys         []string
	RetentionPolicy           string
}

// TrafficConfig holds the debug capture buffer settings
type TrafficConfig struct {
	BufferSize int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// RateLimitConfig holds request limiting settings. The global limit covers
// the whole service; the session limit covers one session's chat traffic.
type RateLimitConfig struct {
	Enabled      bool
	GlobalLimit  int
	SessionLimit int
	Window       time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Flows: FlowConfig{
			Dirs:            getEnvSlice("FLOW_DIRS", []string{"./flows"}),
			SubflowMaxDepth: getEnvInt("SUBFLOW_MAX_DEPTH", 16),
		},
		Store: StoreConfig{
			DataDir: getEnv("DATA_DIR", "./data/sessions"),
		},
		Queue: QueueConfig{
			Type:               getEnv("QUEUE_TYPE", "null"),
			JobStream:          getEnv("JOB_STREAM", "sf.jobs"),
			JobGroup:           getEnv("JOB_GROUP", "flow_workers"),
			Consumer:           getEnv("JOB_CONSUMER", defaultConsumer()),
			OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 250*time.Millisecond),
			JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 5),
			JobRetryBase:       getEnvDuration("JOB_RETRY_BASE", 1*time.Second),
			JobRetryFactor:     getEnvInt("JOB_RETRY_FACTOR", 2),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			BaseURL:   getEnv("LLM_BASE_URL", ""),
			APIKey:    getEnv("LLM_API_KEY", ""),
			Model:     getEnv("LLM_MODEL", "gpt-4o-mini"),
			Models:    getEnvMap("LLM_MODELS", nil),
			AuthStyle: getEnv("LLM_AUTH_STYLE", "auto"),
			Timeout:   getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			AllowMock: getEnvBool("LLM_ALLOW_MOCK", true),
		},
		Chat: ChatConfig{
			RoundTimeout:              getEnvDuration("ROUND_TIMEOUT", 120*time.Second),
			FailRoundOnBlockerFailure: getEnvBool("FAIL_ROUND_ON_BLOCKER_FAILURE", true),
			JobsMode:                  getEnv("JOBS_MODE", "split"),
			MainFlowRef:               getEnv("MAIN_FLOW_REF", "main@1"),
			GatingFlowRef:             getEnv("GATING_FLOW_REF", "status_update@1"),
			CombinedFlowRef:           getEnv("COMBINED_FLOW_REF", "postprocess@1"),
			GuidanceFlowRef:           getEnv("GUIDANCE_FLOW_REF", "guidance@1"),
			GuidanceEnabled:           getEnvBool("GUIDANCE_ENABLED", true),
			StatusStateKeys:           getEnvSlice("STATUS_STATE_KEYS", []string{"narrative_status"}),
			GuidanceStateKeys:         getEnvSlice("GUIDANCE_STATE_KEYS", []string{"guidance"}),
			RetentionPolicy:           getEnv("RETENTION_POLICY", "job.branch_id == session.active_branch_id"),
		},
		Traffic: TrafficConfig{
			BufferSize: getEnvInt("TRAFFIC_BUFFER_SIZE", 300),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalLimit:  getEnvInt("RATE_LIMIT_GLOBAL", 300),
			SessionLimit: getEnvInt("RATE_LIMIT_SESSION", 60),
			Window:       getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
		},
	}

	// Flows reference models by alias; "default" always resolves so the
	// bundled flows work without per-alias configuration.
	if cfg.LLM.Models == nil {
		cfg.LLM.Models = map[string]string{}
	}
	if _, ok := cfg.LLM.Models["default"]; !ok {
		cfg.LLM.Models["default"] = cfg.LLM.Model
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Queue.Type {
	case "null", "redis":
	default:
		return fmt.Errorf("invalid queue type: %s", c.Queue.Type)
	}

	switch c.Chat.JobsMode {
	case "split", "combined":
	default:
		return fmt.Errorf("invalid jobs mode: %s", c.Chat.JobsMode)
	}

	switch c.LLM.AuthStyle {
	case "auto", "bearer", "header", "query":
	default:
		return fmt.Errorf("invalid llm auth style: %s", c.LLM.AuthStyle)
	}

	if c.Store.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}

	if len(c.Flows.Dirs) == 0 {
		return fmt.Errorf("at least one flow dir is required")
	}

	if c.Flows.SubflowMaxDepth < 1 {
		return fmt.Errorf("subflow max depth must be >= 1")
	}

	if c.Queue.JobRetryFactor < 1 {
		return fmt.Errorf("job retry factor must be >= 1")
	}

	return nil
}

// RedisAddr returns the host:port Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// getEnvMap parses "k1=v1,k2=v2" pairs
func getEnvMap(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
