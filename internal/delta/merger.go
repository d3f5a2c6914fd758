package delta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/engine"
	serrors "github.com/statcandb/statcandb/internal/errors"
)

const (
	keyColumn   = "vectorId"
	valueColumn = "value"
	orderColumn = "releaseTime"
)

// MergeResult summarizes a merge.
type MergeResult struct {
	Path     string
	Rows     int64
	Updated  int64
	Duration time.Duration
}

// Merger applies delta datasets onto existing datasets. The whole merge runs
// in one in-memory DuckDB session, so both inputs must fit in memory.
type Merger struct {
	compression string
	logger      *zap.Logger
}

// NewMerger creates a merger.
func NewMerger(compression string, logger *zap.Logger) *Merger {
	if compression == "" {
		compression = "snappy"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{compression: compression, logger: logger}
}

// Merge writes a copy of originalPath to newPath in which every row whose
// vectorId appears in deltaPath carries the delta's value. Delta rows with
// no counterpart are not inserted. When a vectorId repeats in the delta, the
// row with the latest releaseTime wins. Both inputs may be a Parquet file or
// a dataset directory; the output is a single Parquet file.
func (m *Merger) Merge(ctx context.Context, originalPath, deltaPath, newPath string) (*MergeResult, error) {
	start := time.Now()

	originalSrc, err := source(originalPath)
	if err != nil {
		return nil, err
	}
	deltaSrc, err := source(deltaPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(newPath); err == nil {
		return nil, serrors.NewPreconditionError(serrors.CodeTargetExists,
			fmt.Sprintf("target %s already exists", newPath))
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return nil, fmt.Errorf("delta: failed to create output directory: %w", err)
	}

	s, err := engine.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	key := engine.QuoteIdent(keyColumn)
	value := engine.QuoteIdent(valueColumn)
	statements := []string{
		"CREATE TEMPORARY TABLE original_table AS SELECT * FROM " + originalSrc,
		fmt.Sprintf(`CREATE TEMPORARY TABLE new_table AS
			SELECT %[1]s, %[2]s FROM (
				SELECT %[1]s, %[2]s, row_number() OVER (PARTITION BY %[1]s ORDER BY %[3]s DESC) AS rn
				FROM %[4]s
				WHERE %[1]s IS NOT NULL
			) WHERE rn = 1`, key, value, engine.QuoteIdent(orderColumn), deltaSrc),
	}
	for _, stmt := range statements {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("delta: failed to load merge inputs: %w", err)
		}
	}

	res, err := s.Exec(ctx, fmt.Sprintf(`UPDATE original_table
		SET %[2]s = new_table.%[2]s
		FROM new_table
		WHERE original_table.%[1]s = new_table.%[1]s`, key, value))
	if err != nil {
		return nil, fmt.Errorf("delta: failed to apply delta: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("delta: failed to count updated rows: %w", err)
	}

	result := &MergeResult{Path: newPath, Updated: updated}
	if err := s.QueryRow(ctx, "SELECT count(*) FROM original_table").Scan(&result.Rows); err != nil {
		return nil, fmt.Errorf("delta: failed to count rows: %w", err)
	}

	copySQL := fmt.Sprintf("COPY (SELECT * FROM original_table) TO %s (FORMAT PARQUET, COMPRESSION %s)",
		engine.QuoteLiteral(newPath), m.compression)
	if _, err := s.Exec(ctx, copySQL); err != nil {
		return nil, fmt.Errorf("delta: failed to write %s: %w", newPath, err)
	}
	result.Duration = time.Since(start)

	m.logger.Info("merged delta",
		zap.String("original", originalPath),
		zap.String("delta", deltaPath),
		zap.String("path", newPath),
		zap.Int64("rows", result.Rows),
		zap.Int64("updated", result.Updated),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func source(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", serrors.NewPreconditionError(serrors.CodeMissingInput,
			fmt.Sprintf("input %s does not exist", path))
	}
	src, err := engine.ParquetSource(path)
	if err != nil {
		return "", fmt.Errorf("delta: failed to open %s: %w", path, err)
	}
	return src, nil
}
