package main

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/ledger"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/netmon"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/queue"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/remote"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/worker"
	"github.com/recicla-hub/recicla-hub/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	internal.Initfgtrace()
	InitPrometheus()

	dataDir, err := env.GetAsString("SYNC_DATA_DIR", false, "/data")
	if err != nil {
		zap.S().Fatalf("Failed to get SYNC_DATA_DIR from env: %s", err)
	}

	localStore, err := store.Open(dataDir)
	if err != nil {
		zap.S().Fatalf("Failed to open local store: %s", err)
	}

	conn, err := remote.NewConnection(context.Background())
	if err != nil {
		zap.S().Fatalf("Failed to set up central database connection: %s", err)
	}

	monitor := netmon.New(buildProbe(conn), probeInterval())

	idempotency := ledger.New(localStore)

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		zap.S().Fatalf("Failed to read sync configuration: %s", err)
	}

	// The queue kicks the orchestrator on every enqueue, so mutations
	// created while online sync within moments.
	var orchestrator *worker.Worker
	mutations := queue.New(localStore, idempotency, func() {
		if orchestrator != nil {
			orchestrator.Kick()
		}
	})
	orchestrator = worker.New(mutations, idempotency, localStore, monitor, conn, cfg)

	InitHealthCheck(conn)

	ctx, cancelLoops := context.WithCancel(context.Background())
	go monitor.Start(ctx)
	go orchestrator.Start(ctx)

	internal.NewGracefulShutdown(func() error {
		cancelLoops()
		// Give the loops a moment to leave their current pass
		time.Sleep(internal.OneSecond)
		conn.Close()
		return localStore.Close()
	})

	SetupRestAPI(localStore, mutations, idempotency, monitor, orchestrator, conn)

	select {}
}

// buildProbe decides how connectivity is observed. With a probe address the
// monitor dials it; without one the central database ping doubles as the
// signal.
func buildProbe(conn *remote.Connection) netmon.ProbeFunc {
	probeAddress, err := env.GetAsString("NETWORK_PROBE_ADDRESS", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get NETWORK_PROBE_ADDRESS from env: %s", err)
	}
	if probeAddress != "" {
		return netmon.DialProbe(probeAddress)
	}
	return func(ctx context.Context) bool {
		return conn.IsAvailable()
	}
}

func probeInterval() time.Duration {
	seconds, err := env.GetAsInt("NETWORK_PROBE_INTERVAL_SECONDS", false, 10)
	if err != nil {
		zap.S().Fatalf("Failed to get NETWORK_PROBE_INTERVAL_SECONDS from env: %s", err)
	}
	return time.Duration(seconds) * time.Second
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(conn *remote.Connection) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	// The central database being down is normal operation, so it is only
	// a readiness concern, never liveness.
	health.AddReadinessCheck("central-database", conn.GetHealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
