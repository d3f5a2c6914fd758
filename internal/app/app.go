// Package app wires the statcandb components for one run.
//
// Components are built on first use, so a command only opens the resources it
// needs: splitting a delta file never touches the record store or object
// storage. Close releases whatever was opened and exports the run metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/config"
	"github.com/statcandb/statcandb/internal/cube"
	"github.com/statcandb/statcandb/internal/delta"
	"github.com/statcandb/statcandb/internal/observability"
	"github.com/statcandb/statcandb/internal/partition"
	"github.com/statcandb/statcandb/internal/reconcile"
	"github.com/statcandb/statcandb/internal/records"
	"github.com/statcandb/statcandb/internal/schema"
	"github.com/statcandb/statcandb/internal/storage"
	"github.com/statcandb/statcandb/internal/wds"
)

// App holds the run-scoped components.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.RunMetrics

	mu        sync.Mutex
	wds       *wds.Client
	storage   storage.ObjectStorage
	publisher *storage.Publisher
	store     records.Store
	closed    bool
}

// New validates cfg, creates the local directories and returns an App.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewRunMetrics(),
	}, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the run logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Metrics returns the run metrics.
func (a *App) Metrics() *observability.RunMetrics { return a.metrics }

// WDS returns the data service client.
func (a *App) WDS() *wds.Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.wds == nil {
		a.wds = wds.NewClient(a.cfg.WDS, a.logger.Named("wds"))
	}
	return a.wds
}

// Storage returns the object storage.
func (a *App) Storage(ctx context.Context) (storage.ObjectStorage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storageLocked(ctx)
}

func (a *App) storageLocked(ctx context.Context) (storage.ObjectStorage, error) {
	if a.storage != nil {
		return a.storage, nil
	}
	s, err := storage.New(ctx, a.cfg.Storage, a.logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = s
	a.logger.Info("storage initialized", zap.String("type", a.cfg.Storage.Type))
	if a.cfg.Storage.Type == config.StorageS3 {
		a.logger.Debug("s3 config",
			zap.String("bucket", a.cfg.Storage.S3.Bucket),
			zap.String("region", a.cfg.Storage.S3.Region),
			zap.String("endpoint", a.cfg.Storage.S3.ResolvedEndpoint()))
	}
	return s, nil
}

// Publisher returns the prefix publisher over the object storage.
func (a *App) Publisher(ctx context.Context) (*storage.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.publisher != nil {
		return a.publisher, nil
	}
	s, err := a.storageLocked(ctx)
	if err != nil {
		return nil, err
	}
	a.publisher = storage.NewPublisher(s, a.cfg.Storage.UploadConcurrency, a.logger.Named("publish"))
	return a.publisher, nil
}

// Records opens the record store. The schema is not created here; see
// InitRecords.
func (a *App) Records(ctx context.Context) (records.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store != nil {
		return a.store, nil
	}
	store, err := records.Open(a.cfg.Records.DSN, a.logger.Named("records"))
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	a.store = store
	return store, nil
}

// InitRecords creates the record store schema.
func (a *App) InitRecords(ctx context.Context) error {
	store, err := a.Records(ctx)
	if err != nil {
		return err
	}
	return store.Init(ctx)
}

// Transformer returns a cube transformer configured from the transform section.
func (a *App) Transformer() *cube.Transformer {
	logger := a.logger.Named("cube")
	writer := partition.NewWriter(a.cfg.Transform.SmallDatasetThreshold, a.cfg.Transform.Compression, logger)
	return cube.NewTransformer(schema.NewInferrer(logger), writer, logger)
}

// Splitter returns a delta splitter.
func (a *App) Splitter() *delta.Splitter {
	return delta.NewSplitter(a.cfg.Delta.BatchSize, a.cfg.Delta.MaxOpenFiles,
		a.cfg.Transform.Compression, a.logger.Named("delta"))
}

// Merger returns a delta merger.
func (a *App) Merger() *delta.Merger {
	return delta.NewMerger(a.cfg.Transform.Compression, a.logger.Named("delta"))
}

// Reconciler returns a reconciler over the data service and the record store.
func (a *App) Reconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	store, err := a.Records(ctx)
	if err != nil {
		return nil, err
	}
	return reconcile.NewReconciler(a.WDS(), store, a.logger.Named("reconcile")), nil
}

// Runner returns a sync runner using every pipeline component.
func (a *App) Runner(ctx context.Context) (*reconcile.Runner, error) {
	store, err := a.Records(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	runner := reconcile.NewRunner(a.WDS(), a.Transformer(), pub, store, a.cfg.WorkDir, a.logger.Named("runner"))
	return runner.WithMetrics(a.metrics), nil
}

// Close releases the opened resources and writes the metrics textfile when
// one is configured. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close record store: %w", err))
		}
		a.store = nil
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile, time.Now()); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
