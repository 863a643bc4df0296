package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/marionette/backend/internal/api"
	"github.com/marionette/backend/internal/artifacts"
	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/circuitbreaker"
	"github.com/marionette/backend/internal/config"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/executor"
	"github.com/marionette/backend/internal/idempotency"
	"github.com/marionette/backend/internal/infra"
	"github.com/marionette/backend/internal/ops"
	"github.com/marionette/backend/internal/orchestrator"
	"github.com/marionette/backend/internal/policy"
	"github.com/marionette/backend/internal/queue"
	"github.com/marionette/backend/internal/ratelimit"
	"github.com/marionette/backend/internal/state"
	"github.com/marionette/backend/internal/vault"
	"github.com/marionette/backend/internal/workflow"
)

func main() {
	godotenv.Load() //nolint:errcheck

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Println("🔥 Starting marionette control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================================
	// Stores
	// ============================================================

	rdb, err := infra.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("postgres ping: %v", err)
	}

	stateMgr := state.NewManager(db, rdb)
	if err := stateMgr.Migrate(ctx); err != nil {
		log.Fatalf("jobs migration: %v", err)
	}
	policyStore := policy.NewPostgresStore(db)
	if err := policyStore.Migrate(ctx); err != nil {
		log.Fatalf("policy migration: %v", err)
	}

	// ============================================================
	// Admission stack
	// ============================================================

	limiter := ratelimit.New(rdb)
	enforcer := policy.NewEnforcer(policyStore, policyStore, limiter, policy.NewConcurrencyTracker(rdb))
	idem := idempotency.New(rdb, 24*time.Hour)

	bus := events.NewBus()
	metrics := ops.NewMetrics()

	breaker := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		CooldownSequence: cfg.Circuit.CooldownDurations(),
		OnStateChange: func(domain string, from, to circuitbreaker.State) {
			metrics.SetCircuitState(domain, circuitGauge(to))
			switch to {
			case circuitbreaker.StateOpen:
				bus.Emit(events.TypeCircuitOpen, domain, map[string]interface{}{"from": from.String()})
			case circuitbreaker.StateClosed:
				bus.Emit(events.TypeCircuitClose, domain, map[string]interface{}{"from": from.String()})
			}
		},
	})

	q := queue.New(rdb, cfg.Queue.ConsumerGroup)
	if err := q.EnsureGroups(ctx); err != nil {
		log.Fatalf("queue groups: %v", err)
	}

	// ============================================================
	// Browser and executor
	// ============================================================

	pool := browser.NewPool(browser.PoolConfig{
		MaxInstances:        cfg.Browser.MaxInstances,
		MinInstances:        cfg.Browser.MinInstances,
		MaxPagesPerInstance: cfg.Browser.MaxPagesPerInstance,
		IdleTTL:             time.Duration(cfg.Browser.IdleTTLSeconds) * time.Second,
		Launch:              browser.DefaultLaunchOptions(),
	}, newLauncher())

	vlt, err := vault.New(vault.Config{
		EncryptionKey:     cfg.Vault.EncryptionKey,
		AllowPlaceholders: cfg.Vault.AllowPlaceholders,
		CacheTTL:          time.Duration(cfg.Vault.CacheTTLSeconds) * time.Second,
	}, nil)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	capturer, err := artifacts.NewCapturer(cfg.Artifacts.Root)
	if err != nil {
		log.Fatalf("artifacts: %v", err)
	}

	exec := executor.New(pool, vlt, executor.NewSessionStore(rdb), capturer)

	// ============================================================
	// Orchestrator, workflows, fan-outs
	// ============================================================

	orch := orchestrator.New(stateMgr, q, enforcer, idem, breaker, exec, bus, metrics,
		orchestrator.Options{
			WorkerCount:     cfg.Workers.Count,
			MaxAttempts:     cfg.Workers.MaxAttempts,
			RetryBase:       time.Duration(cfg.Workers.RetryBaseMs) * time.Millisecond,
			RetryFactor:     float64(cfg.Workers.RetryFactor),
			DefaultTimeout:  time.Duration(cfg.Workers.DefaultTimeout) * time.Second,
			QueueBlock:      time.Duration(cfg.Queue.BlockMillis) * time.Millisecond,
			PromoteInterval: time.Duration(cfg.Queue.PromoteInterval) * time.Second,
		})

	wfRunner := workflow.NewRunner(orch, stateMgr, bus, workflow.NewWebhookSender(cfg.API.WebhookSecret))
	wfRunner.Start(ctx)

	streamer := events.NewStreamer(bus)
	go streamer.Run()

	intel := events.NewIntelExporter(bus, rdb)
	go intel.Run(ctx)

	go orch.Run(ctx)
	go gaugeLoop(ctx, q, pool, metrics)

	// ============================================================
	// API
	// ============================================================

	reporter := ops.NewReporter(stateMgr, rdb, q, breaker, pool, ops.StaticInfo{
		Env:                 cfg.Server.Env,
		WorkerCount:         cfg.Workers.Count,
		MaxAttempts:         cfg.Workers.MaxAttempts,
		MaxBrowserInstances: cfg.Browser.MaxInstances,
	})

	server := api.NewServer(orch, stateMgr, q, wfRunner, reporter, breaker, enforcer,
		streamer, limiter, metrics, api.Options{
			AuthEnabled:       cfg.API.AuthEnabled,
			APIKeys:           cfg.API.APIKeys,
			RequestsPerMinute: cfg.RateLimit.APIRequestsPerMinute,
			Burst:             cfg.RateLimit.APIBurst,
		})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.Server.Port) }()

	// ============================================================
	// Shutdown
	// ============================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case err := <-serverErr:
		slog.Error("api server failed", "error", err)
	}

	cancel()
	orch.Shutdown()
	streamer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx)
	breaker.Close()
	vlt.Close()

	slog.Info("control plane stopped")
}

// newLauncher picks the browser driver binding. The real CDP binding lives
// behind the Launcher interface; without one linked in, the in-memory driver
// keeps the control plane runnable for development and integration tests.
func newLauncher() browser.Launcher {
	if driver := os.Getenv("BROWSER_DRIVER"); driver != "" && driver != "inmemory" {
		log.Fatalf("unknown BROWSER_DRIVER %q", driver)
	}
	slog.Warn("no browser driver linked, using the in-memory driver",
		"event", "inmemory_driver")
	return &browser.FakeLauncher{}
}

// circuitGauge maps breaker states onto the metric's encoding.
func circuitGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// gaugeLoop refreshes the queue depth and pool occupancy gauges.
func gaugeLoop(ctx context.Context, q *queue.Queue, pool *browser.Pool, metrics *ops.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depths, err := q.Depths(ctx); err == nil {
				for priority, depth := range depths.Streams {
					metrics.SetQueueDepth(priorityName(priority), float64(depth))
				}
			}
			stats := pool.Stats()
			metrics.SetPoolStats(stats.Instances, stats.InUse)
		}
	}
}

func priorityName(p core.Priority) string {
	switch p {
	case core.PriorityEmergency:
		return "emergency"
	case core.PriorityHigh:
		return "high"
	case core.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
