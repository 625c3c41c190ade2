package bootstrap

import (
	"github.com/lyzr/storyflow/common/config"
	"github.com/lyzr/storyflow/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipStore     bool
	skipFlows     bool
	skipQueue     bool
	skipTelemetry bool
	customLogger  *logger.Logger
	customConfig  *config.Config
}

// WithoutStore skips session store initialization
func WithoutStore() Option {
	return func(o *options) {
		o.skipStore = true
	}
}

// WithoutFlows skips loading flow documents from disk
func WithoutFlows() Option {
	return func(o *options) {
		o.skipFlows = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

func defaultOptions() *options {
	return &options{
		skipStore:     false,
		skipFlows:     false,
		skipQueue:     false,
		skipTelemetry: false,
	}
}
