// Package partition writes query results as hive-partitioned Parquet datasets.
package partition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/engine"
	serrors "github.com/statcandb/statcandb/internal/errors"
)

// FlatFileName is the file written when a dataset is collapsed.
const FlatFileName = "part-0.parquet"

// DatasetWriter materializes a SELECT into a dataset directory.
type DatasetWriter interface {
	// Write runs selectSQL on the session and writes its rows under target,
	// partitioned by partitionBy unless the output is small.
	Write(ctx context.Context, s *engine.Session, selectSQL, target, partitionBy string) (*Info, error)
}

// Info describes a written dataset.
type Info struct {
	Path        string
	PartitionBy string
	Partitioned bool
	// SizeBytes is the size of the partitioned write, measured before any collapse.
	SizeBytes  int64
	Files      int
	Partitions []string
	Duration   time.Duration
}

// Writer implements DatasetWriter on DuckDB COPY.
type Writer struct {
	threshold   int64
	compression string
	logger      *zap.Logger
}

// NewWriter creates a writer. Datasets whose partitioned size is below
// threshold bytes are rewritten as a single flat file.
func NewWriter(threshold int64, compression string, logger *zap.Logger) *Writer {
	if compression == "" {
		compression = "snappy"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		threshold:   threshold,
		compression: compression,
		logger:      logger,
	}
}

// Write writes the dataset. The collapse step is not atomic: on failure
// between removal and rewrite the target is left empty or partial and must be
// rebuilt from scratch.
func (w *Writer) Write(ctx context.Context, s *engine.Session, selectSQL, target, partitionBy string) (*Info, error) {
	start := time.Now()

	if partitionBy == "" {
		return nil, serrors.NewPreconditionError(serrors.CodeMissingArgument, "partition column is required")
	}
	if _, err := os.Stat(target); err == nil {
		return nil, serrors.NewPreconditionError(serrors.CodeTargetExists,
			fmt.Sprintf("target %s already exists", target))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("partition: failed to create parent directory: %w", err)
	}

	copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, PARTITION_BY (%s), COMPRESSION %s)",
		selectSQL, engine.QuoteLiteral(target), engine.QuoteIdent(partitionBy), w.compression)
	if _, err := s.Exec(ctx, copySQL); err != nil {
		return nil, fmt.Errorf("partition: partitioned write to %s failed: %w", target, err)
	}

	// An empty result may leave no files behind.
	size, err := engine.DirSize(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("partition: failed to measure %s: %w", target, err)
	}
	empty := size == 0

	info := &Info{
		Path:        target,
		PartitionBy: partitionBy,
		Partitioned: true,
		SizeBytes:   size,
	}

	if empty || size < w.threshold {
		if err := w.collapse(ctx, s, selectSQL, target); err != nil {
			return nil, err
		}
		info.Partitioned = false
	}

	if err := describe(info); err != nil {
		return nil, err
	}
	info.Duration = time.Since(start)

	w.logger.Debug("wrote dataset",
		zap.String("path", target),
		zap.Bool("partitioned", info.Partitioned),
		zap.Int64("size_bytes", size),
		zap.Int("files", info.Files),
		zap.Duration("duration", info.Duration))
	return info, nil
}

func (w *Writer) collapse(ctx context.Context, s *engine.Session, selectSQL, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("partition: failed to remove partitioned output: %w", err)
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("partition: failed to create %s: %w", target, err)
	}

	flat := filepath.Join(target, FlatFileName)
	copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, COMPRESSION %s)",
		selectSQL, engine.QuoteLiteral(flat), w.compression)
	if _, err := s.Exec(ctx, copySQL); err != nil {
		return fmt.Errorf("partition: flat write to %s failed: %w", flat, err)
	}
	return nil
}

// describe fills in the file and partition listing of a written dataset.
func describe(info *Info) error {
	parts := make(map[string]struct{})
	err := filepath.WalkDir(info.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != info.Path && strings.Contains(d.Name(), "=") {
				parts[d.Name()] = struct{}{}
			}
			return nil
		}
		info.Files++
		return nil
	})
	if err != nil {
		return fmt.Errorf("partition: failed to list %s: %w", info.Path, err)
	}

	for p := range parts {
		info.Partitions = append(info.Partitions, p)
	}
	sort.Strings(info.Partitions)
	return nil
}
