package main

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/invoicesearchjp/invoicesearch/internal/observability"
	"github.com/invoicesearchjp/invoicesearch/internal/query"
	"github.com/invoicesearchjp/invoicesearch/internal/reconcile"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
	"github.com/invoicesearchjp/invoicesearch/internal/upstream"
)

// app is the wired set of subsystems one command works with.
type app struct {
	cfg        Config
	log        *observability.Logger
	metrics    *observability.Metrics
	store      *storage.SQLiteStore
	lock       *storage.SyncLock
	reconciler *reconcile.Reconciler
	engine     *query.Engine
}

// bootstrap opens the dataset and wires the sync and query paths.
func bootstrap(cfg Config, logOut io.Writer) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	log := observability.NewLogger(appName, logOut, cfg.LogLevel).With(zap.String("version", version))
	metrics := observability.NewMetrics()

	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	log.Debug("dataset opened", zap.String("path", store.Path()))

	fetcher := upstream.NewHTTPFetcher(upstream.HTTPConfig{
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		UserAgent: appName + "/" + version,
	}, log.Named("http"))

	resolver := upstream.NewPageResolver(cfg.BaseURL, fetcher)
	resolver.FullIDs = cfg.FileIDs
	if len(cfg.FileIDs) > 0 {
		log.Debug("static full dataset parts", zap.Strings("ids", cfg.FileIDs))
	}

	lock := storage.NewSyncLock(cfg.DataDir)

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		store:   store,
		lock:    lock,
		reconciler: reconcile.New(reconcile.Config{
			Store:    store,
			Resolver: resolver,
			Fetcher:  fetcher,
			Lock:     lock,
			Logger:   log,
			Metrics:  metrics,
		}),
		engine: query.New(store, query.WithLogger(log), query.WithMetrics(metrics)),
	}, nil
}

// close flushes metrics and logs and closes the dataset.
func (a *app) close() {
	if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.log.Warn("write metrics file", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close dataset", zap.Error(err))
	}
	_ = a.log.Sync()
}
