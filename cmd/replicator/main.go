// Command replicator is the minimal binary wiring for the replication
// engine: it loads configuration from the environment, constructs the
// Gateway/Health Monitor/Event Bus/Coordinator, and drives RunOnce off a
// time.Ticker standing in for the external cron scheduler (spec §1 treats
// the scheduler, the HTTP control surface, and credential loading as
// external collaborators -- this binary only demonstrates the engine is
// independently runnable).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/docreplica/replicator/internal/config"
	"github.com/docreplica/replicator/internal/coordinator"
	"github.com/docreplica/replicator/internal/events"
	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/gateway/fake"
	"github.com/docreplica/replicator/internal/health"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
	"github.com/docreplica/replicator/internal/schema"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("maxprocs: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := obslog.NewSlog()
	cfg := config.Load(nil)

	backend := newBackend()
	gw := gateway.New(backend, logger, cfg.MaxRetries)
	bus := events.New(ctx)
	monitor := health.New(gw, logger, cfg.ProbeTimeout)
	tracker := schema.New()

	statsPath := statsPathFromEnv()
	coord, err := coordinator.New(gw, monitor, bus, tracker, logger, statsPath, cfg.BatchSize, model.HashParams{})
	if err != nil {
		logger.WithError(err).Error("coordinator: failed to load persisted stats")
		os.Exit(1)
	}

	go monitor.Run(ctx, cfg.ProbeEvery)
	go drainEvents(ctx, bus, logger)

	runLoop(ctx, coord, bus, logger, cfg.RunInterval)
}

// newBackend constructs the gateway.Backend this process talks to. A real
// deployment plugs in document-store-specific driver pair here; credential
// loading and driver selection are out of scope for the engine itself
// (spec §1), so the in-memory double stands in as the wiring seam a real
// driver would occupy.
func newBackend() gateway.Backend {
	return fake.New()
}

func statsPathFromEnv() string {
	if p := os.Getenv("STATS_FILE_PATH"); p != "" {
		return p
	}
	return "stats.json"
}

// runLoop drives RunOnce on every tick of interval until ctx is canceled,
// publishing autoRunTriggered immediately before each triggered run so a
// dashboard can distinguish a scheduled run from an admin-triggered one.
func runLoop(ctx context.Context, coord *coordinator.Coordinator, bus *events.Bus, logger obslog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.Publish(events.TypeAutoRunTriggered, events.AutoRunTriggeredPayload{IntervalHint: interval})
			if _, err := coord.RunOnce(ctx); err != nil {
				logger.WithError(err).Warn("scheduled run did not complete")
			}
		}
	}
}

// drainEvents logs every published event at debug level; a real deployment
// would instead fan these out to the (out-of-scope) HTTP/SSE control
// surface described in spec §6.
func drainEvents(ctx context.Context, bus *events.Bus, logger obslog.Logger) {
	sub := bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			logger.WithField("type", string(evt.Type)).Debug("event")
		}
	}
}
