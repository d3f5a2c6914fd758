// Package cube turns a full-table cube download into a year-partitioned
// Parquet dataset.
package cube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/csvprep"
	"github.com/statcandb/statcandb/internal/engine"
	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/internal/partition"
	"github.com/statcandb/statcandb/internal/schema"
)

// Transformer converts cube archives and CSVs into datasets.
type Transformer struct {
	inferrer *schema.Inferrer
	writer   partition.DatasetWriter
	logger   *zap.Logger
}

// NewTransformer creates a transformer.
func NewTransformer(inferrer *schema.Inferrer, writer partition.DatasetWriter, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		inferrer: inferrer,
		writer:   writer,
		logger:   logger,
	}
}

// Transform reads srcPath (a ".zip" archive or a CSV) and writes the dataset
// to outPath, partitioned by year. A zero productID is taken from the file
// name. Errors are returned as-is; nothing is retried here.
func (t *Transformer) Transform(ctx context.Context, srcPath, outPath string, productID int64) (*partition.Info, error) {
	if productID == 0 {
		id, err := ProductIDFromFilename(srcPath)
		if err != nil {
			return nil, err
		}
		productID = id
	}
	if _, err := os.Stat(srcPath); err != nil {
		return nil, serrors.NewPreconditionError(serrors.CodeMissingInput,
			fmt.Sprintf("input %s does not exist", srcPath))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("cube: failed to create output directory: %w", err)
	}
	scratch, err := os.MkdirTemp(filepath.Dir(outPath), ".cube-*")
	if err != nil {
		return nil, fmt.Errorf("cube: failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	csvPath := srcPath
	if strings.EqualFold(filepath.Ext(srcPath), ".zip") {
		csvPath, err = ExtractCSV(srcPath, productID, scratch)
		if err != nil {
			return nil, err
		}
	}

	header, err := csvprep.ReadHeaderFile(csvPath)
	if err != nil {
		return nil, err
	}
	if header.Offset > 0 {
		clean := filepath.Join(scratch, fmt.Sprintf("%d.clean.csv", productID))
		if err := stripPrefix(csvPath, clean, header.Offset); err != nil {
			return nil, err
		}
		t.logger.Debug("stripped leading bytes",
			zap.Int64("product_id", productID),
			zap.Int64("bytes", header.Offset))
		csvPath = clean
	}

	s, err := engine.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	inf, err := t.inferrer.Infer(ctx, s, csvPath, header)
	if err != nil {
		return nil, err
	}

	info, err := t.writer.Write(ctx, s, inf.ScanSQL(csvPath), outPath, schema.ColumnYear)
	if err != nil {
		if engine.IsConversionError(err) {
			return nil, serrors.NewSchemaError(serrors.CodeTypeCoercion,
				fmt.Sprintf("product %d does not match its inferred schema", productID), err)
		}
		return nil, err
	}

	t.logger.Info("transformed cube",
		zap.Int64("product_id", productID),
		zap.String("path", outPath),
		zap.Bool("partitioned", info.Partitioned),
		zap.Int("partitions", len(info.Partitions)))
	return info, nil
}
