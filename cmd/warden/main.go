package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/account"
	"warden/internal/api"
	"warden/internal/ban"
	"warden/internal/config"
	"warden/internal/credential"
	"warden/internal/gate"
	"warden/internal/logger"
	"warden/internal/models"
	"warden/internal/observability"
	"warden/internal/ratelimit"
	"warden/internal/storage"
	"warden/internal/token"
	"warden/internal/version"
)

var (
	configFile     = flag.String("config", "", "Path to configuration file")
	envFile        = flag.String("env-file", ".env", "Path to an optional .env file")
	generateSecret = flag.String("generate-secret", "", "Write a new signing secret to this path and exit")
	writeExample   = flag.String("write-example-config", "", "Write an example configuration to this path and exit")
	showVersion    = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run wires the service and blocks until shutdown. Deferred cleanups run
// before the exit code is returned.
func run() int {
	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return 0
	}

	if *generateSecret != "" {
		if err := token.GenerateSecret(*generateSecret); err != nil {
			slog.Error("Failed to generate secret", "error", err)
			return 1
		}
		slog.Info("Signing secret written", "path", *generateSecret)
		return 0
	}

	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			return 1
		}
		return 0
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("Failed to load environment file", "error", err)
		return 1
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)
	slog.Info("Starting warden", "build_date", ver.BuildDate)

	// Without its secret the service cannot tell callers apart.
	secret, err := token.LoadSecret(cfg.Security.SecretFile)
	if err != nil {
		slog.Error("Failed to load signing secret", "path", cfg.Security.SecretFile, "error", err)
		return 1
	}

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize storage
	storageInstance, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}
	defer storageInstance.Close()

	var activeStorage storage.Storage = storageInstance
	if cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(storageInstance)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			return 1
		}
		activeStorage = instrumented
	}

	tokens, err := token.NewService(token.Config{
		Secret:   secret,
		Lifetime: cfg.Security.TokenLifetime,
		Issuer:   cfg.Security.TokenIssuer,
		Leeway:   cfg.Security.TokenLeeway,
	})
	if err != nil {
		slog.Error("Failed to initialize token service", "error", err)
		return 1
	}

	hasher, err := credential.NewHasher(credential.ParamsFromConfig(cfg.Security.Password))
	if err != nil {
		slog.Error("Failed to initialize password hasher", "error", err)
		return 1
	}

	ledger, ledgerCloser, err := newActivityLedger(context.Background(), cfg, activeStorage)
	if err != nil {
		slog.Error("Failed to initialize activity ledger", "backend", cfg.RateLimit.Backend, "error", err)
		return 1
	}
	if ledgerCloser != nil {
		defer ledgerCloser.Close()
	}

	limiter, err := ratelimit.NewLimiter(ledger, ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		Threshold:     cfg.RateLimit.Threshold,
		PruneInterval: cfg.RateLimit.PruneInterval,
	})
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		return 1
	}
	limiter.Start()
	defer limiter.Close()

	bans := ban.NewLedger(activeStorage, ban.WithMaxReasonLength(cfg.Ban.MaxReasonLength))
	accounts := account.NewService(activeStorage, hasher, tokens)

	if admin := cfg.Security.BootstrapAdmin; admin.UserName != "" {
		if err := accounts.EnsureAdmin(context.Background(), admin.UserName, admin.Password); err != nil {
			slog.Error("Failed to seed bootstrap admin", "error", err)
			return 1
		}
	}

	var gateOpts []gate.Option
	if cfg.Metrics.Enabled {
		gateMetrics, err := observability.NewGateMetrics(nil)
		if err != nil {
			slog.Error("Failed to create gate metrics", "error", err)
			return 1
		}
		gateOpts = append(gateOpts, gate.WithObserver(gateMetrics.Observe))
	}
	g := gate.New(tokens, bans, limiter, gateOpts...)

	handlers := api.NewHandlers(cfg, accounts, bans, g,
		api.WithStorage(activeStorage),
		api.WithLimiterStatus(limiter),
		api.WithVersion(ver.Version),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if throttleCfg := cfg.Security.LoginThrottle; throttleCfg.Enabled {
		throttle := ratelimit.NewThrottle(throttleCfg.RequestsPerMinute, throttleCfg.BurstSize, throttleCfg.CleanupInterval)
		defer throttle.Close()
		routeOpts = append(routeOpts, api.WithCredentialThrottle(ratelimit.Middleware(throttle)))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-quit:
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
		exitCode = 1
	}

	slog.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
	return exitCode
}

// newActivityLedger builds the rate limiter's ledger for the configured
// backend. The returned closer is nil when there is nothing to release.
func newActivityLedger(ctx context.Context, cfg *models.Config, store storage.ActivityStore) (ratelimit.Ledger, io.Closer, error) {
	switch cfg.RateLimit.Backend {
	case models.LedgerBackendMemory:
		return ratelimit.NewMemoryLedger(), nil, nil
	case models.LedgerBackendStorage:
		return ratelimit.NewStoreLedger(store), nil, nil
	case models.LedgerBackendRedis:
		redisCfg := cfg.RateLimit.Redis
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := ratelimit.NewRedisClient(pingCtx, redisCfg.Addr, redisCfg.Password, redisCfg.DB, redisCfg.PoolSize)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Activity ledger uses Redis", "addr", redisCfg.Addr, "db", redisCfg.DB)
		return ratelimit.NewRedisLedger(client, redisCfg.KeyPrefix, 2*cfg.RateLimit.Window), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
	}
}
