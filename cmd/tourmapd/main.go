// tourmapd mirrors Strava activity data into Postgres and serves it as a
// JSON API. It runs as a single binary with three subcommands:
//
//	tourmapd serve        HTTP API; also runs the poller when poller.enabled
//	tourmapd poller       background poller only (no HTTP listener)
//	tourmapd healthcheck  GET /health for container probes, exits 0/1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/api"
	"github.com/tourmap/tourmap/internal/cache"
	"github.com/tourmap/tourmap/internal/config"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/pool"
	"github.com/tourmap/tourmap/internal/poller"
	"github.com/tourmap/tourmap/internal/postgres"
	"github.com/tourmap/tourmap/internal/reaper"
	"github.com/tourmap/tourmap/internal/strava"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve", "poller":
	case "healthcheck":
		// Built-in healthcheck for scratch containers (no wget/curl available).
		runHealthcheck()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: tourmapd [serve|poller|healthcheck] [flags]\n", cmd)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	logLevel := fs.String("loglevel", "", "log level: debug, info, warn or error (overrides config)")
	_ = fs.Parse(args)

	// Logging first so that config errors already come out as JSON lines. The
	// level lives in a LevelVar because the effective level is only known
	// after the config is loaded.
	levelVar := new(slog.LevelVar)
	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	levelVar.Set(parseLogLevel(cfg.LogLevel))
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()

	dbpool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		dbpool.Close()
		slog.Info("database pool closed")
	}()

	if err := postgres.Migrate(ctx, dbpool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Event bus (Postgres LISTEN/NOTIFY) lets a poller in another process
	// react to enrollment and operator actions immediately. The daemon works
	// without it, just on the poll interval.
	eventBus := postgres.NewPgEventBus(dbpool)
	if err := eventBus.Start(ctx); err != nil {
		slog.Warn("event bus failed to start, continuing without instant events", "error", err)
		eventBus = nil
	} else {
		defer func() {
			eventBus.Stop()
		}()
	}

	pollStateStore := postgres.NewPollStateStore(dbpool)
	if eventBus != nil {
		pollStateStore.EventBus = eventBus
	}
	tokenStore := postgres.NewTokenStore(dbpool)

	stravaClient, err := newStravaClient(cfg)
	if err != nil {
		slog.Error("failed to build strava client", "error", err)
		os.Exit(1)
	}
	if cfg.Strava.ClientID == "" || cfg.Strava.ClientSecret == "" {
		slog.Warn("strava client credentials not set — enrollment will fail until STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET are configured")
	}

	switch cmd {
	case "serve":
		runServe(ctx, cfg, dbpool, eventBus, pollStateStore, tokenStore, stravaClient)
	case "poller":
		runPoller(ctx, cfg, eventBus, pollStateStore, tokenStore)
	}
}

// runServe wires the API server, optionally starts an embedded poller, and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, cfg *config.Config, dbpool *pgxpool.Pool,
	eventBus *postgres.PgEventBus, pollStateStore *postgres.PollStateStore,
	tokenStore *postgres.TokenStore, stravaClient *strava.Client,
) {
	auditStore := postgres.NewAuditStore(dbpool)
	srv := &api.Server{
		Users:       postgres.NewUserStore(dbpool),
		Activities:  postgres.NewActivityStore(dbpool),
		Tours:       postgres.NewTourStore(dbpool),
		PollStates:  pollStateStore,
		Tokens:      tokenStore,
		Audit:       auditStore,
		Strava:      stravaClient,
		RedirectURL: cfg.Strava.RedirectURL,
		CORSOrigins: cfg.CORSOrigins,
		DBHealth:    postgres.NewHealthChecker(dbpool),
	}

	// The poller rewrites a photo blob at most once per cycle, so a short
	// TTL spares Postgres the per-request blob reads on busy tour pages
	// without letting them go visibly stale.
	srv.PhotoCache = cache.New[int64, domain.PhotoMap](30*time.Second, 2000)
	slog.Info("photo cache initialized", "ttl", srv.PhotoCache.TTL().String())

	var stopPoller func()
	if cfg.Poller.Enabled {
		p, err := buildPoller(cfg, eventBus, pollStateStore, tokenStore)
		if err != nil {
			slog.Error("failed to build poller", "error", err)
			os.Exit(1)
		}
		p.Start(ctx)
		stopPoller = p.Stop
		slog.Info("poller started", "workers", cfg.Poller.Workers)
	}

	var reap *reaper.Reaper
	if cfg.Audit.RetentionDays > 0 {
		reap = reaper.New(auditStore, reaper.Config{
			Retention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
			Interval:  cfg.Audit.SweepInterval,
		})
		reap.Start(ctx)
		slog.Info("audit reaper started", "retention_days", cfg.Audit.RetentionDays)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting tourmapd", "addr", cfg.HTTPAddr, "version", api.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Drain HTTP connections first so no request observes a stopped poller
	// mid-response, then let in-flight fetches finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if stopPoller != nil {
		stopPoller()
		slog.Info("poller stopped")
	}
	if reap != nil {
		reap.Stop()
		slog.Info("audit reaper stopped")
	}

	slog.Info("tourmapd shutdown complete")
}

// runPoller runs the background poller without an HTTP listener and blocks
// until a shutdown signal arrives.
func runPoller(ctx context.Context, cfg *config.Config, eventBus *postgres.PgEventBus,
	pollStateStore *postgres.PollStateStore, tokenStore *postgres.TokenStore,
) {
	p, err := buildPoller(cfg, eventBus, pollStateStore, tokenStore)
	if err != nil {
		slog.Error("failed to build poller", "error", err)
		os.Exit(1)
	}
	p.Start(ctx)
	slog.Info("starting tourmapd poller", "workers", cfg.Poller.Workers, "version", api.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	p.Stop()
	slog.Info("poller stopped")
	slog.Info("tourmapd shutdown complete")
}

// buildPoller assembles a poller with its own client pool. Each pooled handle
// is a separate strava.Client so workers never share an http.Client's
// connection state with the enrollment flow.
func buildPoller(cfg *config.Config, eventBus *postgres.PgEventBus,
	pollStateStore *postgres.PollStateStore, tokenStore *postgres.TokenStore,
) (*poller.Poller, error) {
	clients, err := pool.New(func() (poller.Client, error) {
		return newStravaClient(cfg)
	}, cfg.Strava.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("build client pool: %w", err)
	}

	p := poller.New(pollStateStore, tokenStore, clients, cfg.Poller)

	if eventBus != nil {
		created, cancelCreated := eventBus.Subscribe(postgres.ChannelPollStateCreated)
		updated, cancelUpdated := eventBus.Subscribe(postgres.ChannelPollStateUpdated)
		p.EventCh = mergeEvents(created, updated)
		p.SetEventCancel(func() {
			cancelCreated()
			cancelUpdated()
		})
		slog.Info("poller subscribed to poll state events")
	}

	return p, nil
}

// mergeEvents fans several subscription channels into one. Events are wake-up
// hints, so when the consumer is busy they are dropped rather than queued.
func mergeEvents(chans ...<-chan postgres.Event) <-chan postgres.Event {
	out := make(chan postgres.Event, 16)
	for _, ch := range chans {
		go func(c <-chan postgres.Event) {
			for ev := range c {
				select {
				case out <- ev:
				default:
				}
			}
		}(ch)
	}
	return out
}

// newStravaClient builds an upstream client from the config.
func newStravaClient(cfg *config.Config) (*strava.Client, error) {
	return strava.New(strava.Config{
		BaseURL:      cfg.Strava.BaseURL,
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		Timeout:      cfg.Strava.Timeout,
	})
}

// parseLogLevel maps the config value onto a slog level. The config layer
// already rejected anything else.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runHealthcheck probes the local HTTP server and exits 0 when it answers.
func runHealthcheck() {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		os.Exit(1)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	resp, err := http.Get("http://" + net.JoinHostPort(host, port) + "/health")
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	os.Exit(0)
}
