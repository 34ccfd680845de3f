// Command cadenza-worker serves one media room: it decodes its job
// description from the environment, attaches to the room as the agent
// participant, and answers user utterances until the room empties. The
// supervisor in the control plane spawns one of these per dispatched room.
package main

import (
	"context"
	"errors"
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
	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/internal/assembler"
	"github.com/cadenzahq/cadenza/internal/bridge"
	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/embedgw"
	"github.com/cadenzahq/cadenza/internal/health"
	"github.com/cadenzahq/cadenza/internal/session"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/internal/worker"
	"github.com/cadenzahq/cadenza/pkg/convo/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	env, err := worker.ReadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadenza-worker: %v\n", err)
		return 1
	}

	logger := newLogger(config.LogLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)

	slog.Info("worker starting",
		"room", env.RoomName,
		"tenant", env.Profile.TenantID,
		"agent", env.Profile.AgentSlug,
		"conversation", env.Profile.ConversationID.String(),
	)

	// SIGTERM is the supervisor's drain signal; the session gets the drain
	// window to finish its turn before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Readiness endpoint ────────────────────────────────────────────────────
	gate := &health.Gate{}
	if env.Listen != "" {
		mux := http.NewServeMux()
		health.New(gate.Checker("session")).Register(mux)
		srv := &http.Server{Addr: env.Listen, Handler: mux, ReadHeaderTimeout: 2 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("readiness server error", "err", err)
			}
		}()
		defer srv.Close()
	}

	// ── Tenant data plane ─────────────────────────────────────────────────────
	controlURL := os.Getenv("CONTROL_PLANE_URL")
	if controlURL == "" {
		slog.Error("CONTROL_PLANE_URL is not set")
		return 1
	}
	poolCfg, err := tenant.ControlPoolConfig(controlURL, os.Getenv("CONTROL_PLANE_CREDENTIAL"))
	if err != nil {
		slog.Error("invalid control-plane url", "err", err)
		return 1
	}
	controlPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		slog.Error("failed to open control-plane pool", "err", err)
		return 1
	}
	defer controlPool.Close()

	tenants := tenant.NewRegistry(tenant.NewPostgresControlStore(controlPool))
	defer tenants.Close()

	t, err := tenants.Resolve(ctx, env.Profile.TenantID)
	if err != nil {
		slog.Error("failed to resolve tenant", "tenant", env.Profile.TenantID, "err", err)
		return 1
	}
	plane, err := tenants.DataPlaneFor(ctx, t)
	if err != nil {
		slog.Error("failed to open data plane", "tenant", t.ID, "err", err)
		return 1
	}
	if dim := plane.VectorDimensions(); dim != 0 && env.Profile.Embedding.Dim != dim {
		slog.Error("embedding dimension mismatch",
			"agent", env.Profile.AgentSlug,
			"agent_dim", env.Profile.Embedding.Dim,
			"store_dim", dim,
		)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	var gwOpts []embedgw.Option
	if n, err := strconv.Atoi(os.Getenv("EMBED_CACHE_SIZE")); err == nil && n > 0 {
		gwOpts = append(gwOpts, embedgw.WithCacheSize(n))
	}
	gateway, err := session.NewEmbedder(env.Profile.Embedding, env.Profile.ProviderKeys, os.Getenv("EMBED_SIDECAR_URL"), gwOpts...)
	if err != nil {
		slog.Error("failed to build embedding gateway", "err", err)
		return 1
	}
	model, err := session.NewLLM(env.Profile.Model, env.Profile.ProviderKeys)
	if err != nil {
		slog.Error("failed to build language model", "err", err)
		return 1
	}

	// ── Stores and context builder ────────────────────────────────────────────
	store := postgres.NewStore(plane.Pool(), t.ID)
	store.SetBackfillEmbedder(gateway.Embed)

	var builderOpts []assembler.Option
	if gateway.Reranks() {
		builderOpts = append(builderOpts, assembler.WithReranker(gateway))
	}
	builder := assembler.New(assembler.Stores{
		Profiles:  store,
		Turns:     store,
		Knowledge: store,
	}, gateway, builderOpts...)

	// ── Event bridge ──────────────────────────────────────────────────────────
	var pub bridge.Publisher
	if addr := os.Getenv("REALTIME_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		pub = bridge.NewRedisPublisher(rdb)
	}
	events := bridge.New(store, pub)

	// ── Room attachment ───────────────────────────────────────────────────────
	if env.MediaURL == "" || env.MediaToken == "" {
		slog.Error("job description carries no room attachment")
		return 1
	}
	media, err := worker.DialRoom(ctx, env.MediaURL, env.RoomName, env.MediaToken)
	if err != nil {
		slog.Error("failed to attach to room", "room", env.RoomName, "err", err)
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	sess := worker.NewSession(env.Profile, media, builder, model, events, gate, logger)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "room", env.RoomName, "err", err)
		return 1
	}
	slog.Info("room served, goodbye", "room", env.RoomName)
	return 0
}

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
