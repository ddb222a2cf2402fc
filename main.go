package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentchat/internal/api"
	"agentchat/internal/auth"
	"agentchat/internal/config"
	"agentchat/internal/delivery"
	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/queue"
	"agentchat/internal/redis"
	"agentchat/internal/runs"
	"agentchat/internal/service/acceptance"
	"agentchat/internal/service/agent"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage"
	"agentchat/internal/visual"
	"agentchat/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := pflag.String("config", os.Getenv("AGENTCHAT_CONFIG"), "path to config.json")
	role := pflag.String("role", "all", "process role: api, worker or all")
	dbType := pflag.String("db", "", "database driver, overrides the config (sqlite3, mysql, postgres)")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dbType != "" {
		cfg.BasicConfig.Database = *dbType
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --db: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	if err := run(cfg, *role); err != nil {
		logger.Fatal("agentchat stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, role string) error {
	serveAPI, runWorkers := false, false
	switch role {
	case "api":
		serveAPI = true
	case "worker":
		runWorkers = true
	case "all":
		serveAPI, runWorkers = true, true
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if cfg.Queue.Backend == "memory" && role != "all" {
		return errors.New("the memory queue only works with --role all")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logging.L().With(zap.String("role", role))
	ctx = logging.With(ctx, zap.String("role", role))

	dbType := cfg.BasicConfig.Database
	log.Info("open database", zap.String("driver", dbType))
	if err := ensureSQLiteDir(dbType, cfg); err != nil {
		return err
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	checks := map[string]api.HealthCheck{"database": db.PingContext}
	var (
		q     queue.Queue
		cache auth.TokenCache
	)
	switch cfg.Queue.Backend {
	case "redis":
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		cache = rdb
		checks["redis"] = rdb.Ping
		q = queue.NewRedis(rdb.Raw(), queueOptions(cfg))
	case "memory":
		mem := queue.NewMemory(queueOptions(cfg))
		defer mem.Close()
		q = mem
	default:
		return fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}

	m := metrics.NewMetrics()
	chatSvc := chat.NewService(db)
	ledger := runs.NewLedger(db)
	media := visual.NewMediaStore(db, cfg.BasicConfig.MediaDir)

	var sender delivery.Sender
	if cfg.Integration.URL != "" {
		sender = delivery.NewWebhookSender(cfg.Integration.URL, cfg.Integration.Timeout())
	}
	tracker := delivery.NewTracker(db, sender, delivery.Options{
		MaxAttempts: cfg.Integration.MaxAttempts,
		BaseBackoff: cfg.Integration.BaseBackoff(),
		Metrics:     m,
	})

	g, gctx := errgroup.WithContext(ctx)

	if serveAPI {
		authSvc := auth.NewService(db, cache, cfg.Auth.TokenTTL())
		handler := api.NewHandler(api.Deps{
			Chat:       chatSvc,
			Acceptance: acceptance.NewService(chatSvc, ledger, q, m),
			Auth:       authSvc,
			Ledger:     ledger,
			Tracker:    tracker,
			Media:      media,
			Metrics:    m,
			Checks:     checks,
		})
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              cfg.BasicConfig.ServerAddress,
			Handler:           api.NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		}
		g.Go(func() error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return authSvc.RunTokenCleaner(gctx, auth.DefaultTokenCleanupInterval)
		})
	}

	if runWorkers {
		ag, err := agent.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init agent: %w", err)
		}
		processor := worker.NewProcessor(worker.ProcessorDeps{
			Ledger:   ledger,
			Chat:     chatSvc,
			Agent:    ag,
			Renderer: visual.NewPlotRenderer(),
			Media:    media,
			Tracker:  tracker,
			Metrics:  m,
		})
		dispatcher := worker.NewDispatcher(q, processor, worker.Options{
			MinWorkers:   cfg.Workers.MinWorkers,
			MaxWorkers:   cfg.Workers.MaxWorkers,
			IdleTimeout:  cfg.Workers.IdleTimeout(),
			LeaseTimeout: cfg.Queue.LeaseTimeout(),
		})
		janitor := worker.NewJanitor(q, ledger, cfg.Queue.JanitorInterval(), cfg.Queue.StaleQueuedAfter(), m)
		g.Go(func() error { return dispatcher.Run(gctx) })
		g.Go(func() error { return janitor.Run(gctx) })
	}

	err = g.Wait()
	log.Info("shutdown complete", zap.Any("metrics", m.GetSnapshot()))
	return err
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		Name:         cfg.Queue.Name,
		LeaseTimeout: cfg.Queue.LeaseTimeout(),
		PollInterval: cfg.Queue.PollInterval(),
	}
}

// ensureSQLiteDir creates the directory of a file-backed SQLite DSN, which
// the driver will not do itself.
func ensureSQLiteDir(dbType string, cfg *config.Config) error {
	if dbType != "sqlite3" && dbType != "sqlite" {
		return nil
	}
	dsn := cfg.Databases["sqlite3"].DSN
	if db, ok := cfg.Databases[dbType]; ok && db.DSN != "" {
		dsn = db.DSN
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}
