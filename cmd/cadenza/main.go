// Command cadenza is the control-plane server for the Cadenza voice-agent
// orchestration plane: it serves the trigger endpoint, resolves tenants and
// agents, dispatches media rooms, and runs the embedded worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/assembler"
	"github.com/cadenzahq/cadenza/internal/bridge"
	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/health"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/supervisor"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/internal/trigger"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadenza starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenza",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Tenant registry ───────────────────────────────────────────────────────
	poolCfg, err := tenant.ControlPoolConfig(cfg.ControlPlane.URL, cfg.ControlPlane.Credential)
	if err != nil {
		slog.Error("invalid control-plane url", "err", err)
		return 1
	}
	controlPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		slog.Error("failed to open control-plane pool", "err", err)
		return 1
	}
	tenants := tenant.NewRegistry(tenant.NewPostgresControlStore(controlPool),
		tenant.WithDegradedHook(func(string) {
			metrics.DegradedTenants.Add(context.Background(), 1)
		}),
		tenant.WithRecoveredHook(func(string) {
			metrics.DegradedTenants.Add(context.Background(), -1)
		}),
	)

	// ── Agent registry ────────────────────────────────────────────────────────
	agents := agent.NewRegistry(func(ctx context.Context, t *tenant.Tenant) (agent.DefinitionStore, error) {
		plane, err := tenants.DataPlaneFor(ctx, t)
		if err != nil {
			return nil, err
		}
		return agent.NewPostgresStore(plane.Pool(), t.ID), nil
	})

	// ── Embedded worker pool ──────────────────────────────────────────────────
	// An external pool claims jobs from the media plane's scheduler; the
	// embedded pool spawns the worker binary locally for each created room.
	var (
		pool       *supervisor.Supervisor
		controller *dispatch.Controller
		dispOpts   = []dispatch.Option{
			dispatch.WithRoomPrefix(cfg.Dispatch.RoomPrefix),
			dispatch.WithEmptyTimeout(cfg.Dispatch.EmptyTimeoutSeconds),
		}
	)
	if cfg.Dispatch.WorkerPoolLabel == "" || cfg.Dispatch.WorkerPoolLabel == "local" {
		var extraEnv []string
		if cfg.Realtime.RedisAddr != "" {
			extraEnv = append(extraEnv, "REALTIME_REDIS_ADDR="+cfg.Realtime.RedisAddr)
		}
		if cfg.Embedding.SidecarURL != "" {
			extraEnv = append(extraEnv, "EMBED_SIDECAR_URL="+cfg.Embedding.SidecarURL)
		}
		if cfg.ControlPlane.Credential != "" {
			extraEnv = append(extraEnv, "CONTROL_PLANE_CREDENTIAL="+cfg.ControlPlane.Credential)
		}
		extraEnv = append(extraEnv, "EMBED_CACHE_SIZE="+strconv.Itoa(cfg.Embedding.CacheSize))
		pool = supervisor.New(
			supervisor.ExecLauncher(cfg.Worker.Binary, extraEnv...),
			supervisor.WithTimings(cfg.Worker.ReadyTimeout, 0, 0, 0),
		)
		dispOpts = append(dispOpts, dispatch.WithSpawner(func(roomName string, jobDescription []byte) {
			h, err := pool.EnsureWorker(ctx, roomName, jobDescription)
			if err != nil {
				slog.Error("failed to spawn worker", "room", roomName, "err", err)
				return
			}
			metrics.ActiveWorkers.Add(ctx, 1)
			go func() {
				<-h.Done()
				metrics.ActiveWorkers.Add(context.Background(), -1)
				// Free the room name so a later trigger can redispatch it.
				controller.Forget(roomName)
			}()
		}))
		slog.Info("embedded worker pool enabled", "binary", cfg.Worker.Binary)
	} else {
		dispOpts = append(dispOpts, dispatch.WithWorkerPool(cfg.Dispatch.WorkerPoolLabel))
		slog.Info("dispatching to external worker pool", "label", cfg.Dispatch.WorkerPoolLabel)
	}

	// ── Dispatch controller ───────────────────────────────────────────────────
	controller = dispatch.NewController(dispatch.DefaultPlaneFactory, dispOpts...)

	// ── Realtime event bridge (optional) ──────────────────────────────────────
	pipelineOpts := []trigger.PipelineOption{
		trigger.WithSidecarURL(cfg.Embedding.SidecarURL),
		trigger.WithEmbedCacheSize(cfg.Embedding.CacheSize),
		trigger.WithPipelineMetrics(metrics),
		trigger.WithAssemblerOptions(
			assembler.WithDeadlines(cfg.Context.TextDeadline(), cfg.Context.VoiceDeadline()),
			assembler.WithDegradedHook(func(stage string) {
				metrics.RecordStageDegradation(context.Background(), stage)
			}),
		),
	}
	var rdb *redis.Client
	if cfg.Realtime.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Realtime.RedisAddr})
		events := bridge.New(nil, bridge.NewRedisPublisher(rdb))
		pipelineOpts = append(pipelineOpts, trigger.WithCommitHook(func(conversationID, turnID string, hasCitations bool) {
			events.TurnCommitted(context.Background(), conversationID, turnID, hasCitations)
		}))
		slog.Info("realtime events enabled", "redis_addr", cfg.Realtime.RedisAddr)
	}

	// ── Trigger service ───────────────────────────────────────────────────────
	text := trigger.NewTextPipeline(tenants, pipelineOpts...)
	service := trigger.NewService(tenants, agents, controller, text, trigger.WithMetrics(metrics))

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/v1/trigger", service.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{Name: "control-plane", Check: tenants.HealthCheck}).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           metrics.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close error", "err", err)
		}
	}
	tenants.Close()
	controlPool.Close()
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Cadenza — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Listen addr", cfg.Server.ListenAddr)
	printEntry("Room prefix", cfg.Dispatch.RoomPrefix)
	if cfg.Dispatch.WorkerPoolLabel == "" || cfg.Dispatch.WorkerPoolLabel == "local" {
		printEntry("Worker pool", "embedded ("+cfg.Worker.Binary+")")
	} else {
		printEntry("Worker pool", cfg.Dispatch.WorkerPoolLabel)
	}
	printEntry("Embed sidecar", orDisabled(cfg.Embedding.SidecarURL))
	printEntry("Realtime", orDisabled(cfg.Realtime.RedisAddr))
	fmt.Printf("║  Text deadline  : %-19s ║\n", cfg.Context.TextDeadline().String())
	fmt.Printf("║  Voice deadline : %-19s ║\n", cfg.Context.VoiceDeadline().String())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
