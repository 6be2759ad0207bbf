package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/config"
	"github.com/victorchrollo14/agent0-sub000/internal/gateway"
	"github.com/victorchrollo14/agent0-sub000/internal/ledger"
	"github.com/victorchrollo14/agent0-sub000/internal/observability"
	"github.com/victorchrollo14/agent0-sub000/internal/ratelimit"
	"github.com/victorchrollo14/agent0-sub000/internal/runner"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
	"github.com/victorchrollo14/agent0-sub000/internal/usage"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
)

// app is the wired server and everything it must release on exit.
type app struct {
	logger  *slog.Logger
	stores  storage.StoreSet
	server  *gateway.Server
	closers []func(context.Context) error
}

// newApp builds the dependency graph described by cfg. logOutput defaults to
// stdout.
func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (*app, error) {
	if logOutput == nil {
		logOutput = os.Stdout
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOutput,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	stores, err := openStores(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.stores = stores
	a.closers = append(a.closers, func(context.Context) error { return stores.Close() })

	secrets, err := openVault(cfg.Vault)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.closers = append(a.closers, shutdownTracer)

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.MetricsOn() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(reg)
		gatherer = reg
	}

	assemblerOpts := []toolset.AssemblerOption{
		toolset.WithConnectTimeout(cfg.Run.ToolConnectTimeout),
		toolset.WithLogger(logger),
	}
	if metrics != nil {
		assemblerOpts = append(assemblerOpts, toolset.WithObserver(metrics))
	}
	assembler := toolset.NewAssembler(stores.ToolServers, secrets, assemblerOpts...)

	runLedger := ledger.New(stores.Runs, blobs, usage.NewPriceTable(cfg.Pricing),
		ledger.WithMetrics(metrics),
		ledger.WithTracer(tracer),
		ledger.WithLogger(logger),
		ledger.WithTimeout(cfg.Run.LedgerTimeout),
	)

	var jwtService *auth.JWTService
	if cfg.Auth.JWTSecret != "" {
		jwtService = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenIssuer, cfg.Auth.TokenExpiry)
	} else {
		logger.Warn("auth.jwt_secret is empty; bearer tokens are rejected and only API keys authenticate")
	}
	authenticator := auth.NewAuthenticator(jwtService, stores.APIKeys, stores.Members, logger)

	run := runner.New(stores, secrets, authenticator, assembler, agent.NewEngine(logger), runLedger,
		runner.WithConfig(runner.Config{
			DefaultEnvironment: cfg.Run.DefaultEnvironment,
			MaxStepLimit:       cfg.Run.MaxStepLimit,
		}),
		runner.WithTracer(tracer),
		runner.WithLogger(logger),
	)

	serverOpts := []gateway.Option{
		gateway.WithTracer(tracer),
		gateway.WithLogger(logger),
	}
	if metrics != nil {
		serverOpts = append(serverOpts, gateway.WithMetrics(metrics, gatherer))
	}
	if cfg.RateLimit.Enabled {
		serverOpts = append(serverOpts, gateway.WithRateLimiter(ratelimit.NewLimiter(cfg.RateLimit)))
	}
	a.server = gateway.New(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.HTTPPort,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
		HeartbeatInterval: cfg.Run.HeartbeatInterval,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		MaxStepLimit:      cfg.Run.MaxStepLimit,
	}, run, authenticator, runLedger, serverOpts...)

	ok = true
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx := context.Background()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

func openStores(cfg config.DatabaseConfig) (storage.StoreSet, error) {
	if cfg.URL == "" {
		return storage.NewMemoryStores(), nil
	}
	stores, err := storage.NewCockroachStoresFromDSN(cfg.URL, cockroachConfig(cfg))
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("open config store: %w", err)
	}
	return stores, nil
}

func cockroachConfig(cfg config.DatabaseConfig) *storage.CockroachConfig {
	pool := storage.DefaultCockroachConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		pool.ConnectTimeout = cfg.ConnectTimeout
	}
	return pool
}

func openVault(cfg config.VaultConfig) (vault.Vault, error) {
	if len(cfg.Keys) == 0 {
		return vault.Plain{}, nil
	}
	keyring, err := vault.NewKeyring(cfg.Keys, cfg.ActiveKey)
	if err != nil {
		return nil, err
	}
	return keyring, nil
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "local":
		store, err := blob.NewLocalStore(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, nil
	case "s3":
		store, err := blob.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return store, nil
	default:
		return blob.NewMemoryStore(), nil
	}
}
