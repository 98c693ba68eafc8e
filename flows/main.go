// Command flows runs dagflow graphs and serves their execution history.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/dagflow/internal/activity"
	"github.com/animus-labs/dagflow/internal/cache"
	"github.com/animus-labs/dagflow/internal/history"
	"github.com/animus-labs/dagflow/internal/nodes/builtin"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/memstore"
	"github.com/animus-labs/dagflow/internal/orchestrator/pgstore"
	"github.com/animus-labs/dagflow/internal/platform/auditlog"
	"github.com/animus-labs/dagflow/internal/platform/auth"
	"github.com/animus-labs/dagflow/internal/platform/env"
	"github.com/animus-labs/dagflow/internal/platform/httpserver"
	platformstore "github.com/animus-labs/dagflow/internal/platform/objectstore"
	"github.com/animus-labs/dagflow/internal/platform/postgres"
	"github.com/animus-labs/dagflow/internal/storage/objectstore"
)

const service = "flows"

type serviceConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	GraphDir        string
	EventStore      string
	BlobStore       string
}

func serviceConfigFromEnv() (serviceConfig, error) {
	shutdownTimeout, err := env.Duration("FLOWS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg := serviceConfig{
		Addr:            env.String("FLOWS_HTTP_ADDR", ":8090"),
		ShutdownTimeout: shutdownTimeout,
		GraphDir:        env.String("FLOWS_GRAPH_DIR", "./graphs"),
		EventStore:      strings.ToLower(env.String("FLOWS_EVENT_STORE", "postgres")),
		BlobStore:       strings.ToLower(env.String("FLOWS_BLOB_STORE", "minio")),
	}
	if cfg.EventStore != "postgres" && cfg.EventStore != "memory" {
		return serviceConfig{}, fmt.Errorf("FLOWS_EVENT_STORE must be postgres or memory (got %q)", cfg.EventStore)
	}
	if cfg.BlobStore != "minio" && cfg.BlobStore != "memory" {
		return serviceConfig{}, fmt.Errorf("FLOWS_BLOB_STORE must be minio or memory (got %q)", cfg.BlobStore)
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("flows failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := serviceConfigFromEnv()
	if err != nil {
		return err
	}
	var checks []httpserver.ReadinessCheck

	var (
		db         *sql.DB
		eventStore orchestrator.Store
	)
	if cfg.EventStore == "postgres" {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("database config: %w", err)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		defer func() { _ = db.Close() }()

		pg := pgstore.New(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := auditlog.EnsureSchema(ctx, db); err != nil {
			return err
		}
		eventStore = pg
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return postgres.Ping(ctx, db, 750*time.Millisecond) },
		})
	} else {
		logger.Warn("using in-memory event store; history is lost on restart")
		eventStore = memstore.New()
	}

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("object store config: %w", err)
	}
	var blobs objectstore.Store
	if cfg.BlobStore == "minio" {
		client, err := platformstore.NewMinIOClient(storeCfg)
		if err != nil {
			return fmt.Errorf("object store client: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = platformstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			return fmt.Errorf("object store unavailable: %w", err)
		}
		if blobs, err = objectstore.NewMinioStoreWithClient(client); err != nil {
			return err
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name:    "minio",
			Timeout: 750 * time.Millisecond,
			Check:   func(ctx context.Context) error { return platformstore.CheckBucket(ctx, client, storeCfg) },
		})
	} else {
		blobs = objectstore.NewMemoryStore()
	}

	cacheCfg, err := cache.ConfigFromEnv(storeCfg.Bucket, storeCfg.BasePath)
	if err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	localCache, err := cache.New(cacheCfg, blobs, logger)
	if err != nil {
		return err
	}
	registry, err := builtin.Registry()
	if err != nil {
		return fmt.Errorf("node registry: %w", err)
	}
	dispatcher, err := activity.NewDispatcher(registry, localCache, logger)
	if err != nil {
		return err
	}

	engineCfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("orchestrator config: %w", err)
	}
	engine, err := orchestrator.NewEngine(eventStore, dispatcher, engineCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", "error", err)
		}
	}()

	historyCfg, err := history.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("history config: %w", err)
	}
	reconstructor, err := history.New(engine, historyCfg, logger)
	if err != nil {
		return err
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	var audit *auditlog.Recorder
	if db != nil {
		audit = auditlog.NewRecorder(db, service, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, checks...))
	api := &flowsAPI{
		logger:   logger,
		runs:     engine,
		history:  reconstructor,
		catalog:  registry,
		graphDir: cfg.GraphDir,
		audit:    audit,
	}
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.MethodRoleAuthorizer(),
		OnDeny:        audit.AuthDeny,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	return httpserver.Run(ctx, logger, httpserver.Config{
		Service:         service,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, httpserver.Wrap(logger, handler))
}
