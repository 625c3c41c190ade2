package bootstrap

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/storyflow/common/config"
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/logger"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/queue"
	redisWrapper "github.com/lyzr/storyflow/common/redis"
	"github.com/lyzr/storyflow/common/store"
	"github.com/lyzr/storyflow/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// 3. Session store (runs crash recovery on open)
	if !options.skipStore {
		components.Logger.Info("opening session store", "data_dir", cfg.Store.DataDir)
		components.Store, err = store.New(cfg.Store.DataDir, cfg.Chat.FailRoundOnBlockerFailure, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
	}

	// 4. Node registry and flow documents
	components.Nodes, err = node.BuildRegistry(node.DefaultProviders()...)
	if err != nil {
		return nil, fmt.Errorf("failed to build node registry: %w", err)
	}
	if !options.skipFlows {
		components.Flows, err = ir.LoadDirs(cfg.Flows.Dirs)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to load flows: %w", err)
		}
		components.Logger.Info("flows loaded", "dirs", cfg.Flows.Dirs, "count", components.Flows.Len())
	}

	// 5. Redis, when the queue or the rate limiter needs it
	needsRedis := (!options.skipQueue && cfg.Queue.Type == queue.KindRedis) || cfg.RateLimit.Enabled
	if needsRedis {
		components.Logger.Info("connecting to redis", "addr", cfg.RedisAddr())
		raw := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = raw.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = redisWrapper.NewClient(raw, components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 6. Job queue
	if !options.skipQueue {
		components.Logger.Info("initializing queue", "type", cfg.Queue.Type)
		switch cfg.Queue.Type {
		case queue.KindRedis:
			components.Queue, err = queue.NewRedisQueue(ctx, components.Redis, cfg.Queue.JobStream, cfg.Queue.JobGroup, components.Logger)
			if err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to initialize redis queue: %w", err)
			}
		case queue.KindNull:
			components.Queue = queue.NewNullQueue()
		default:
			components.Shutdown(ctx)
			return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 7. Telemetry
	if !options.skipTelemetry && cfg.Telemetry.EnablePprof {
		components.Telemetry = telemetry.New(cfg.Telemetry.PprofPort, components.Logger)
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		} else {
			components.addCleanup(func() error {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return components.Telemetry.Stop(stopCtx)
			})
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", components.Store != nil,
		"flows", components.Flows != nil,
		"queue", components.Queue != nil,
		"redis", components.Redis != nil,
	)

	return components, nil
}
