package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/cube"
	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/internal/observability"
	"github.com/statcandb/statcandb/internal/partition"
	"github.com/statcandb/statcandb/internal/records"
	"github.com/statcandb/statcandb/internal/storage"
	"github.com/statcandb/statcandb/pkg/types"
)

// Pipeline stages.
const (
	StageDownload  = "download"
	StageTransform = "transform"
	StagePublish   = "publish"
	StageRecord    = "record"
)

// Downloader fetches a product's full-table archive into dir.
type Downloader interface {
	DownloadCube(ctx context.Context, productID int64, dir string) (string, error)
}

// Transformer turns a downloaded archive into a local dataset.
type Transformer interface {
	Transform(ctx context.Context, srcPath, outPath string, productID int64) (*partition.Info, error)
}

// Publisher replaces a remote prefix with a local dataset.
type Publisher interface {
	Publish(ctx context.Context, localPath, prefix string) (*storage.PublishResult, error)
}

// Status is the outcome of one product.
type Status int

const (
	StatusOk Status = iota
	StatusSkipped
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return observability.StatusOk
	case StatusSkipped:
		return observability.StatusSkipped
	case StatusFailed:
		return observability.StatusFailed
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of processing one product.
type Result struct {
	Product  types.ProductMetadata
	Status   Status
	Stage    string // stage that failed, empty otherwise
	Err      error
	Info     *partition.Info
	Publish  *storage.PublishResult
	Duration time.Duration
}

// ProductID returns the product id of the result.
func (r Result) ProductID() int64 {
	return r.Product.ProductID
}

// Message returns a one-line, user-facing description of the outcome.
func (r Result) Message() string {
	pid := r.Product.ProductID
	switch r.Status {
	case StatusOk:
		return fmt.Sprintf("Uploaded %d", pid)
	case StatusSkipped:
		return fmt.Sprintf("Skipping %d", pid)
	}

	switch {
	case r.Stage == StageDownload:
		return fmt.Sprintf("Problem downloading %d. Continuing", pid)
	case serrors.GetCode(r.Err) == serrors.CodeCorruptArchive:
		return fmt.Sprintf("Bad zip file for %d. Continuing", pid)
	case serrors.GetCategory(r.Err) == serrors.ErrCategorySchema:
		return fmt.Sprintf("The CSV appears to be badly constructed for %d. Continuing", pid)
	default:
		return fmt.Sprintf("Failed to %s %d: %v. Continuing", r.Stage, pid, r.Err)
	}
}

// Report aggregates the results of a run. Total counts every product handed
// to the run, skipped ones included.
type Report struct {
	Success int
	Total   int
	Results []Result
}

// Count returns the number of results with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Progress receives run progress. Implementations must not block.
type Progress interface {
	Start(total int)
	Begin(p types.ProductMetadata)
	Done(r Result)
	Finish(r *Report)
}

type nopProgress struct{}

func (nopProgress) Start(int) {}

func (nopProgress) Begin(types.ProductMetadata) {}

func (nopProgress) Done(Result) {}

func (nopProgress) Finish(*Report) {}

// Runner processes products one at a time. It is the only place where a
// product failure is caught and the run continues.
type Runner struct {
	downloader  Downloader
	transformer Transformer
	publisher   Publisher
	store       records.Store
	workDir     string
	progress    Progress
	metrics     *observability.RunMetrics
	logger      *zap.Logger
	newID       func() string
}

// NewRunner creates a runner. Per-product scratch directories are created
// under workDir.
func NewRunner(d Downloader, t Transformer, p Publisher, store records.Store, workDir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		downloader:  d,
		transformer: t,
		publisher:   p,
		store:       store,
		workDir:     workDir,
		progress:    nopProgress{},
		logger:      logger,
		newID:       func() string { return uuid.NewString()[:8] },
	}
}

// WithProgress sets the progress sink.
func (r *Runner) WithProgress(p Progress) *Runner {
	if p == nil {
		p = nopProgress{}
	}
	r.progress = p
	return r
}

// WithMetrics sets the run metrics.
func (r *Runner) WithMetrics(m *observability.RunMetrics) *Runner {
	r.metrics = m
	return r
}

// Run processes products in order. Products in skip are reported as skipped
// without any work. A product failure is recorded and the run moves on,
// except for precondition violations, which abort the run.
//
// Cancellation is checked between products; a product already started runs
// to completion. On cancellation or abort the partial report is returned
// together with the error.
func (r *Runner) Run(ctx context.Context, products []types.ProductMetadata, skip []int64) (*Report, error) {
	skipSet := make(map[int64]struct{}, len(skip))
	for _, pid := range skip {
		skipSet[pid] = struct{}{}
	}

	report := &Report{Total: len(products)}
	r.progress.Start(len(products))
	defer r.progress.Finish(report)

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run cancelled",
				zap.Int("processed", len(report.Results)),
				zap.Int("total", report.Total))
			return report, err
		}

		r.progress.Begin(p)
		var res Result
		if _, ok := skipSet[p.ProductID]; ok {
			res = Result{Product: p, Status: StatusSkipped}
		} else {
			res = r.process(context.WithoutCancel(ctx), p)
		}

		report.Results = append(report.Results, res)
		if res.Status == StatusOk {
			report.Success++
		}
		r.metrics.ObserveProduct(res.Status.String())
		r.progress.Done(res)

		if res.Status == StatusFailed {
			r.logger.Warn(res.Message(),
				zap.Int64("product_id", p.ProductID),
				zap.String("stage", res.Stage),
				zap.Error(res.Err))
			if serrors.IsPrecondition(res.Err) {
				return report, fmt.Errorf("reconcile: product %d: %w", p.ProductID, res.Err)
			}
		}
	}
	return report, nil
}

// process runs the pipeline for one product inside its own scratch directory.
func (r *Runner) process(ctx context.Context, p types.ProductMetadata) (res Result) {
	start := time.Now()
	res = Result{Product: p}
	defer func() { res.Duration = time.Since(start) }()

	fail := func(stage string, err error) Result {
		res.Status = StatusFailed
		res.Stage = stage
		res.Err = err
		return res
	}

	tmpDir := filepath.Join(r.workDir, fmt.Sprintf("product_%d_%s", p.ProductID, r.newID()))
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fail(StageDownload, serrors.NewInternalError("failed to create work directory", err))
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			r.logger.Warn("failed to remove work directory", zap.String("dir", tmpDir), zap.Error(err))
		}
	}()

	log := r.logger.With(zap.Int64("product_id", p.ProductID))

	stageStart := time.Now()
	archive, err := r.downloader.DownloadCube(ctx, p.ProductID, tmpDir)
	r.metrics.ObserveStage(StageDownload, time.Since(stageStart))
	if err != nil {
		return fail(StageDownload, err)
	}

	outPath := filepath.Join(tmpDir, cube.OutputName(p.ProductID))
	stageStart = time.Now()
	info, err := r.transformer.Transform(ctx, archive, outPath, p.ProductID)
	r.metrics.ObserveStage(StageTransform, time.Since(stageStart))
	if err != nil {
		return fail(StageTransform, err)
	}
	res.Info = info

	stageStart = time.Now()
	pub, err := r.publisher.Publish(ctx, outPath, cube.OutputName(p.ProductID))
	r.metrics.ObserveStage(StagePublish, time.Since(stageStart))
	if err != nil {
		return fail(StagePublish, err)
	}
	res.Publish = pub
	r.metrics.AddUploadedBytes(pub.Bytes)

	rec := &types.SyncRecord{
		ProductID:   p.ProductID,
		ReleaseTime: p.ReleaseTime,
		IsUploaded:  true,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return fail(StageRecord, err)
	}

	log.Info("product synced",
		zap.Time("release_time", p.ReleaseTime),
		zap.Bool("partitioned", info.Partitioned),
		zap.Int("files", pub.Uploaded),
		zap.Int64("bytes", pub.Bytes))
	res.Status = StatusOk
	return res
}
