// Package reconcile decides which cubes need to be re-pulled and drives the
// per-product pipeline: download, transform, publish and record.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/records"
	"github.com/statcandb/statcandb/pkg/types"
)

// Catalog is the metadata side of the data service.
type Catalog interface {
	GetCubeList(ctx context.Context) ([]types.ProductMetadata, error)
	GetChangedCubeList(ctx context.Context, day time.Time) ([]types.ProductMetadata, error)
}

// Reconciler selects the products a run has to process.
type Reconciler struct {
	catalog Catalog
	store   records.Store
	now     func() time.Time
	logger  *zap.Logger
}

// NewReconciler creates a reconciler. store is only needed by ByDiff.
func NewReconciler(catalog Catalog, store records.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		catalog: catalog,
		store:   store,
		now:     time.Now,
		logger:  logger,
	}
}

// ByDateRange returns the latest version of every product changed on a day
// in [start, end]. A zero start or end means today. An empty list is
// returned when start is after end.
func (r *Reconciler) ByDateRange(ctx context.Context, start, end time.Time) ([]types.ProductMetadata, error) {
	today := day(r.now())
	if start.IsZero() {
		start = today
	}
	if end.IsZero() {
		end = today
	}
	start, end = day(start), day(end)

	var all []types.ProductMetadata
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		changed, err := r.catalog.GetChangedCubeList(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("reconcile: changed cubes for %s: %w", d.Format("2006-01-02"), err)
		}
		r.logger.Debug("fetched changed cubes",
			zap.String("day", d.Format("2006-01-02")),
			zap.Int("count", len(changed)))
		all = append(all, changed...)
	}
	return Latest(all), nil
}

// DiffOptions bounds a full-diff selection for resumable partial runs.
type DiffOptions struct {
	// StartFrom excludes product ids below it.
	StartFrom int64

	// MaxProductIDs truncates the sorted selection when positive.
	MaxProductIDs int
}

// DiffSelection is the outcome of ByDiff.
type DiffSelection struct {
	// Products is the selection after truncation.
	Products []types.ProductMetadata

	// Needed is the number of stale products before truncation.
	Needed int
}

// Truncated reports whether MaxProductIDs cut the selection short.
func (s *DiffSelection) Truncated() bool {
	return len(s.Products) < s.Needed
}

// ByDiff compares the full catalog against the persisted sync records and
// selects every product that has no record or whose record is older than
// the catalog's release time.
func (r *Reconciler) ByDiff(ctx context.Context, opts DiffOptions) (*DiffSelection, error) {
	catalog, err := r.catalog.GetCubeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: cube list: %w", err)
	}

	recs, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync records: %w", err)
	}
	byID := make(map[int64]*types.SyncRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ProductID] = rec
	}

	var stale []types.ProductMetadata
	for _, p := range Latest(catalog) {
		if p.ProductID < opts.StartFrom {
			continue
		}
		if rec, ok := byID[p.ProductID]; ok && !rec.IsStale(p) {
			continue
		}
		stale = append(stale, p)
	}

	sel := &DiffSelection{Products: stale, Needed: len(stale)}
	if opts.MaxProductIDs > 0 && len(stale) > opts.MaxProductIDs {
		sel.Products = stale[:opts.MaxProductIDs]
	}
	r.logger.Info("diff selection",
		zap.Int("catalog", len(catalog)),
		zap.Int("records", len(recs)),
		zap.Int("needed", sel.Needed),
		zap.Int("selected", len(sel.Products)))
	return sel, nil
}

// Latest deduplicates products by id, keeping the latest release time. The
// result is sorted by product id.
func Latest(products []types.ProductMetadata) []types.ProductMetadata {
	if len(products) == 0 {
		return nil
	}
	sorted := make([]types.ProductMetadata, len(products))
	copy(sorted, products)
	types.SortProducts(sorted)

	out := make([]types.ProductMetadata, 0, len(sorted))
	for i, p := range sorted {
		if i+1 < len(sorted) && sorted[i+1].ProductID == p.ProductID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
