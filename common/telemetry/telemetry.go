package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/storyflow/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	server    *http.Server
}

// New creates telemetry components
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
	}
}

// Start starts the pprof endpoint. The blank net/http/pprof import
// registers its handlers on the default mux.
func (t *Telemetry) Start(ctx context.Context) error {
	t.server = &http.Server{Addr: t.pprofAddr, Handler: http.DefaultServeMux}
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the pprof endpoint down
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
