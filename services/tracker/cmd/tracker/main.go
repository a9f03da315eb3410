package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/watchproof/internal/platform/analytics"
	"github.com/example/watchproof/internal/platform/auth"
	platformconfig "github.com/example/watchproof/internal/platform/config"
	"github.com/example/watchproof/internal/platform/db"
	"github.com/example/watchproof/internal/platform/httpserver"
	"github.com/example/watchproof/internal/platform/logging"
	"github.com/example/watchproof/internal/platform/natsconn"
	"github.com/example/watchproof/internal/platform/run"
	"github.com/example/watchproof/services/tracker/internal/cache"
	"github.com/example/watchproof/services/tracker/internal/config"
	"github.com/example/watchproof/services/tracker/internal/engine"
	"github.com/example/watchproof/services/tracker/internal/handlers"
	"github.com/example/watchproof/services/tracker/internal/ledger"
	"github.com/example/watchproof/services/tracker/internal/metrics"
	"github.com/example/watchproof/services/tracker/internal/observe"
	"github.com/example/watchproof/services/tracker/internal/sessions"
	"github.com/example/watchproof/services/tracker/internal/videos"
	"github.com/example/watchproof/services/tracker/internal/worker"
)

const streamMaxAge = 7 * 24 * time.Hour

func main() {
	appCfg, err := platformconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		run.Exit(1)
	}
	log, err := logging.New(appCfg.LogLevel, zap.String("service", appCfg.ServiceName))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", zap.Error(err))
		run.Exit(1)
	}

	code := run.New(log).WithSignals(func(ctx context.Context) error {
		return serve(ctx, appCfg, cfg, log)
	})
	run.Exit(code)
}

// readiness collects the pings behind /readyz.
type readiness []func(context.Context) error

func (r readiness) check() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, ping := range r {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, appCfg platformconfig.AppConfig, cfg config.Config, log *zap.Logger) error {
	clock := clockwork.NewRealClock()
	deps := ledger.Deps{Clock: clock}
	var ready readiness

	needPool := cfg.LedgerBackend == ledger.BackendPostgres || cfg.LedgerBackend == ledger.BackendNATS ||
		cfg.VideoBackend == videos.BackendPostgres
	needSQLite := cfg.LedgerBackend == ledger.BackendSQLite || cfg.VideoBackend == videos.BackendSQLite

	if needPool {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer pool.Close()
		if err := ledger.NewPostgres(pool, clock).Migrate(ctx); err != nil {
			return fmt.Errorf("ledger migrate: %w", err)
		}
		if cfg.VideoBackend == videos.BackendPostgres {
			if err := videos.NewPostgres(pool).Migrate(ctx); err != nil {
				return fmt.Errorf("videos migrate: %w", err)
			}
		}
		deps.Pool = pool
		ready = append(ready, pool.Ping)
	}
	if needSQLite {
		sqlDB, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite open: %w", err)
		}
		defer func() { _ = sqlDB.Close() }()
		if err := videos.MigrateSQLite(ctx, sqlDB); err != nil {
			return err
		}
		deps.SQL = sqlDB
		ready = append(ready, sqlDB.PingContext)
	}

	catalog, err := openCatalog(ctx, cfg, videos.Deps{Pool: deps.Pool, SQL: deps.SQL}, log)
	if err != nil {
		return err
	}

	nc, err := natsconn.Connect(natsconn.Options{
		URL:           cfg.NATSURL,
		Name:          appCfg.ServiceName,
		MaxReconnects: cfg.NATSReconnects,
		ReconnectWait: cfg.NATSReconnect,
		Logger:        log,
	})
	switch {
	case err != nil && cfg.LedgerBackend == ledger.BackendNATS:
		return fmt.Errorf("nats connect: %w", err)
	case err != nil:
		log.Warn("nats unavailable, analytics disabled", zap.Error(err))
	default:
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := natsconn.EnsureStream(js, analytics.StreamName, streamMaxAge, analytics.SubjectWildcard); err != nil {
			log.Warn("analytics stream", zap.Error(err))
		}
		if cfg.LedgerBackend == ledger.BackendNATS {
			if err := natsconn.EnsureStream(js, ledger.StreamName, streamMaxAge, ledger.SubjectWildcard); err != nil {
				return fmt.Errorf("ledger stream: %w", err)
			}
		}
		deps.JS = js
	}

	store, err := ledger.New(cfg.LedgerBackend, deps)
	if err != nil {
		return err
	}

	progress, closeCache, err := openCache(ctx, cfg, clock, log)
	if err != nil {
		return err
	}
	defer closeCache()
	if rc, ok := progress.(*cache.RedisCache); ok {
		ready = append(ready, rc.Ping)
	}

	mgr := sessions.NewManager(sessions.Config{
		Videos:   catalog,
		Ledger:   store,
		Cache:    progress,
		Options:  cfg.Engine,
		Clock:    clock,
		Logger:   log,
		Observer: observe.Default(analytics.New(deps.JS, log)),
		IdleTTL:  cfg.SessionIdleTTL,
	})
	metrics.RegisterActiveSessions(prometheus.DefaultRegisterer, mgr.Len)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: ready.check})
	r.Handle("/metrics", promhttp.Handler())
	h := &handlers.Handler{Sessions: mgr, Ledger: store, Videos: catalog, Log: log}
	h.Routes(r, handlers.RouteOptions{
		Verifier:        auth.JWTVerifier{Secret: []byte(cfg.JWTSecret), Leeway: 30 * time.Second},
		EventsPerMinute: cfg.EventsRateLimit,
	})
	httpSrv := httpserver.New(httpserver.Options{Addr: appCfg.HTTP.Addr, Logger: log, Router: r})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	tasks := []run.Task{
		run.Serve(httpSrv.Start, httpSrv.Shutdown, appCfg.HTTP.ShutdownTimeout),
		run.Serve(func() error {
			log.Info("grpc server starting", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(lis)
		}, gracefulStop(grpcSrv, healthSrv), appCfg.HTTP.ShutdownTimeout),
		mgr.Run,
	}
	if cfg.LedgerBackend == ledger.BackendNATS {
		consumer, err := worker.NewLedgerConsumer(deps.JS, worker.PoolRunner{Pool: deps.Pool}, log)
		if err != nil {
			return fmt.Errorf("ledger consumer: %w", err)
		}
		tasks = append(tasks, consumer.Run)
	}

	log.Info("tracker started",
		zap.String("ledger", cfg.LedgerBackend),
		zap.String("videos", cfg.VideoBackend),
		zap.Bool("analytics", deps.JS != nil),
	)
	err = run.Group(ctx, tasks...)

	// Final reports go out before the ledger and cache connections close.
	sctx, cancel := context.WithTimeout(context.Background(), appCfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := mgr.Shutdown(sctx); serr != nil {
		log.Warn("session shutdown", zap.Error(serr))
	}
	return err
}

// openCatalog builds the video catalog and seeds it from the configured YAML
// file, if any.
func openCatalog(ctx context.Context, cfg config.Config, deps videos.Deps, log *zap.Logger) (videos.Repository, error) {
	catalog, err := videos.New(cfg.VideoBackend, deps)
	if err != nil {
		return nil, err
	}
	if cfg.VideoCatalog == "" {
		return catalog, nil
	}
	vids, err := videos.LoadCatalog(cfg.VideoCatalog)
	if err != nil {
		return nil, err
	}
	if err := videos.Seed(ctx, catalog, vids); err != nil {
		return nil, err
	}
	log.Info("video catalog seeded", zap.String("path", cfg.VideoCatalog), zap.Int("videos", len(vids)))
	return catalog, nil
}

func openCache(ctx context.Context, cfg config.Config, clock clockwork.Clock, log *zap.Logger) (engine.ProgressCache, func(), error) {
	if cfg.RedisURL == "" {
		return cache.NewMemoryCache(clock, cfg.CacheTTL), func() {}, nil
	}
	rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		log.Warn("redis ping failed, cache writes will be retried per report", zap.Error(err))
	}
	return rc, func() { _ = rc.Close() }, nil
}

func gracefulStop(srv *grpc.Server, hs *health.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			srv.Stop()
		}
		return nil
	}
}
