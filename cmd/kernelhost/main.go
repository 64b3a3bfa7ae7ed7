// Command kernelhost is the kernel's process entrypoint: it wires the
// config, message bus, resource governor, tool registry, and task
// dispatcher together and exposes only a health surface (/metrics is
// mounted only if otelinit.InitMetrics returns an HTTP handler, and its
// OTLP push setup returns none), per the
// core's non-goal of owning a chat/API surface. A separate gateway process
// is expected to drive kernelcell.NewRoot for each incoming query.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/kea-research/kernel/internal/config"
	"github.com/kea-research/kernel/internal/dag"
	"github.com/kea-research/kernel/internal/dispatcher"
	"github.com/kea-research/kernel/internal/governor"
	"github.com/kea-research/kernel/internal/messagebus"
	"github.com/kea-research/kernel/internal/registry"

	logging "github.com/kea-research/kernel/libs/go/core/logging"
	"github.com/kea-research/kernel/libs/go/core/otelinit"
)

func main() {
	const service = "kernelhost"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter("kea-kernel")

	cfg := config.Load()

	bus := newBus(ctx, cfg.NATSUrl)

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		slog.Error("dispatcher: failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	disp := dispatcher.New(pool)
	if err := disp.EnsureSchema(ctx); err != nil {
		slog.Error("dispatcher: schema setup failed", "error", err)
		os.Exit(1)
	}
	dataPool := dispatcher.NewDataPool(pool)
	if err := dataPool.EnsureSchema(ctx); err != nil {
		slog.Error("datapool: schema setup failed", "error", err)
		os.Exit(1)
	}

	sched := dispatcher.NewScheduler(disp)
	sched.Start()
	defer func() {
		ctxStop, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = sched.Stop(ctxStop)
	}()

	gov := governor.New(bus, activeAgentCounter{}, disp)
	gov.MaxCPU = cfg.MaxCPUPercent
	gov.MaxRAM = cfg.MaxMemoryPercent
	gov.MaxAgents = cfg.MaxActiveAgents
	gov.RecoveryWindow = cfg.RecoveryWindow
	go gov.Start(ctx, cfg.HealthPollPeriod)

	cacheDir := os.Getenv("KEA_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "."
	}
	cache, err := registry.OpenCache(cacheDir+"/registry-cache.db", meter)
	if err != nil {
		slog.Error("registry: cache open failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	reg := registry.New(cache, nil)
	manifestDir := os.Getenv("KEA_MANIFEST_DIR")
	if manifestDir == "" {
		manifestDir = "./manifests"
	}
	if err := registry.Discover(reg, manifestDir); err != nil {
		slog.Warn("registry: discovery skipped", "dir", manifestDir, "error", err)
	}
	reg.IdleTTL = cfg.ServerIdleTTL
	go reg.StartSweeper(ctx, cfg.ServerIdleTTL/2)
	defer reg.Close()

	executor := dag.NewExecutor(cfg.ParallelismCeiling, reg, nil, nil)
	go watchParallelism(ctx, gov, executor, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		state := gov.LastState()
		status := http.StatusOK
		if state.Status == governor.Critical {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(state)
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
			cancel()
		}
	}()

	slog.Info("kernelhost started")
	<-ctx.Done()
	slog.Info("kernelhost shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("kernelhost shutdown complete")
}

// newBus connects to NATS when a URL is configured, otherwise returns a
// local-only bus (nil *nats.Conn is a valid messagebus.Bus collaborator
// for single-process deployments and tests).
func newBus(ctx context.Context, url string) *messagebus.Bus {
	if url == "" {
		return messagebus.NewBus(nil)
	}
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("messagebus: NATS connect failed, falling back to local-only bus", "url", url, "error", err)
		return messagebus.NewBus(nil)
	}
	go func() {
		<-ctx.Done()
		nc.Close()
	}()
	return messagebus.NewBus(nc)
}

// activeAgentCounter is a placeholder governor.ActiveAgentCounter until the
// gateway process reports live cell counts over the message bus; it always
// reports zero, which keeps CanSpawnAgent permissive at startup.
type activeAgentCounter struct{}

func (activeAgentCounter) ActiveCount() int { return 0 }

// watchParallelism mirrors the governor's health classification onto the
// DAG executor's live parallelism ceiling, so a CPU/RAM/agent-count
// breach throttles in-flight workflow concurrency without restarting
// anything.
func watchParallelism(ctx context.Context, gov *governor.Governor, exec *dag.Executor, cfg *config.Settings) {
	ticker := time.NewTicker(cfg.HealthPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := gov.LastState()
			n := governor.DegradedParallelism(cfg.ParallelismCeiling, state.Status)
			if state.Status == governor.Critical {
				n = cfg.DegradedParallelismCeiling
			}
			exec.SetParallelism(n)
		}
	}
}
