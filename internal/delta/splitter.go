package delta

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"go.uber.org/zap"

	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/pkg/types"
)

// PartitionColumn is the hive partition key of split delta datasets.
const PartitionColumn = "productId"

// DefaultPartition holds rows without a productId.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// SplitResult summarizes a split.
type SplitResult struct {
	Path       string
	Rows       int64
	Files      int
	Partitions []string
	Duration   time.Duration
}

// Splitter writes a delta CSV into a productId-partitioned dataset.
// Rows are buffered up to BatchSize before being handed to the per-partition
// writers, and at most MaxOpenFiles writers are kept open at once.
type Splitter struct {
	batchSize    int
	maxOpenFiles int
	codec        compress.Codec
	logger       *zap.Logger
}

// NewSplitter creates a splitter.
func NewSplitter(batchSize, maxOpenFiles int, compression string, logger *zap.Logger) *Splitter {
	if batchSize <= 0 {
		batchSize = 65536
	}
	if maxOpenFiles <= 0 {
		maxOpenFiles = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{
		batchSize:    batchSize,
		maxOpenFiles: maxOpenFiles,
		codec:        codecFor(compression),
		logger:       logger,
	}
}

func codecFor(name string) compress.Codec {
	switch strings.ToLower(name) {
	case "zstd":
		return &parquet.Zstd
	case "gzip":
		return &parquet.Gzip
	case "uncompressed", "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Snappy
	}
}

// SplitFile splits a delta file on disk. A ".zip" input must hold a CSV
// named after the archive, e.g. 20240102.zip holds 20240102.csv.
func (s *Splitter) SplitFile(ctx context.Context, srcPath, target string) (*SplitResult, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return nil, serrors.NewPreconditionError(serrors.CodeMissingInput,
			fmt.Sprintf("input %s does not exist", srcPath))
	}

	if !strings.EqualFold(filepath.Ext(srcPath), ".zip") {
		f, err := os.Open(srcPath)
		if err != nil {
			return nil, fmt.Errorf("delta: failed to open %s: %w", srcPath, err)
		}
		defer f.Close()
		return s.Split(ctx, f, target)
	}

	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return nil, serrors.NewTransportError(serrors.CodeCorruptArchive,
			fmt.Sprintf("failed to open archive %s", srcPath), err)
	}
	defer zr.Close()

	base := filepath.Base(srcPath)
	want := strings.TrimSuffix(base, filepath.Ext(base)) + ".csv"
	for _, f := range zr.File {
		if path.Base(f.Name) != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, serrors.NewTransportError(serrors.CodeCorruptArchive,
				fmt.Sprintf("failed to open member %s", f.Name), err)
		}
		defer rc.Close()
		return s.Split(ctx, rc, target)
	}
	return nil, serrors.NewTransportError(serrors.CodeCorruptArchive,
		fmt.Sprintf("archive %s has no %s member", srcPath, want), nil)
}

// Split parses r against the fixed delta schema, skipping its header row,
// and writes the dataset under target, which must not exist. A failed split
// removes target.
func (s *Splitter) Split(ctx context.Context, r io.Reader, target string) (*SplitResult, error) {
	start := time.Now()

	if _, err := os.Stat(target); err == nil {
		return nil, serrors.NewPreconditionError(serrors.CodeTargetExists,
			fmt.Sprintf("target %s already exists", target))
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("delta: failed to create %s: %w", target, err)
	}
	done := false
	defer func() {
		if !done {
			os.RemoveAll(target)
		}
	}()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(types.DeltaColumns)
	reader.ReuseRecord = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, serrors.NewSchemaError(serrors.CodeEmptyInput, "delta file has no header row", err)
		}
		return nil, serrors.NewSchemaError(serrors.CodeMissingColumn, "failed to read delta header", err)
	}

	ps := newPartitionSet(target, s.maxOpenFiles, s.codec)
	defer ps.abort()

	result := &SplitResult{Path: target}
	pending := 0
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, serrors.NewSchemaError(serrors.CodeTypeCoercion, "failed to parse delta row", err)
		}

		rec, err := ParseRecord(fields)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("delta: line %d: %w", line, err)
		}

		ps.add(partitionName(rec.ProductID), toRow(rec))
		result.Rows++
		pending++

		if pending >= s.batchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := ps.flush(); err != nil {
				return nil, err
			}
			pending = 0
		}
	}

	if err := ps.close(); err != nil {
		return nil, err
	}
	done = true
	result.Files = ps.files
	result.Partitions = ps.partitions()
	result.Duration = time.Since(start)

	s.logger.Info("split delta file",
		zap.String("path", target),
		zap.Int64("rows", result.Rows),
		zap.Int("partitions", len(result.Partitions)),
		zap.Int("files", result.Files),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func partitionName(productID *int64) string {
	if productID == nil {
		return PartitionColumn + "=" + DefaultPartition
	}
	return PartitionColumn + "=" + strconv.FormatInt(*productID, 10)
}

// partitionSet owns the buffered rows and open writers of one split.
type partitionSet struct {
	root     string
	maxOpen  int
	codec    compress.Codec
	buffered map[string][]deltaRow
	open     map[string]*partWriter
	nextPart map[string]int
	files    int
}

type partWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[deltaRow]
}

func newPartitionSet(root string, maxOpen int, codec compress.Codec) *partitionSet {
	return &partitionSet{
		root:     root,
		maxOpen:  maxOpen,
		codec:    codec,
		buffered: make(map[string][]deltaRow),
		open:     make(map[string]*partWriter),
		nextPart: make(map[string]int),
	}
}

func (ps *partitionSet) add(partition string, row deltaRow) {
	ps.buffered[partition] = append(ps.buffered[partition], row)
}

// flush hands every buffered row to its partition writer.
func (ps *partitionSet) flush() error {
	names := make([]string, 0, len(ps.buffered))
	for name := range ps.buffered {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows := ps.buffered[name]
		if len(rows) == 0 {
			continue
		}
		pw, err := ps.writer(name)
		if err != nil {
			return err
		}
		if _, err := pw.writer.Write(rows); err != nil {
			return fmt.Errorf("delta: failed to write %s: %w", name, err)
		}
		ps.buffered[name] = rows[:0]
	}
	return nil
}

func (ps *partitionSet) writer(name string) (*partWriter, error) {
	if pw, ok := ps.open[name]; ok {
		return pw, nil
	}
	if len(ps.open) >= ps.maxOpen {
		if err := ps.closeWriters(); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(ps.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("delta: failed to create partition %s: %w", name, err)
	}
	part := ps.nextPart[name]
	ps.nextPart[name] = part + 1

	file, err := os.Create(filepath.Join(dir, fmt.Sprintf("part-%d.parquet", part)))
	if err != nil {
		return nil, fmt.Errorf("delta: failed to create partition file: %w", err)
	}
	pw := &partWriter{
		file:   file,
		writer: parquet.NewGenericWriter[deltaRow](file, parquet.Compression(ps.codec)),
	}
	ps.open[name] = pw
	ps.files++
	return pw, nil
}

func (ps *partitionSet) closeWriters() error {
	var firstErr error
	for name, pw := range ps.open {
		if err := pw.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delta: failed to finish %s: %w", name, err)
		}
		if err := pw.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delta: failed to close %s: %w", name, err)
		}
		delete(ps.open, name)
	}
	return firstErr
}

// close flushes the remaining rows and finishes every file.
func (ps *partitionSet) close() error {
	if err := ps.flush(); err != nil {
		return err
	}
	return ps.closeWriters()
}

// abort releases file handles after a failed split. It is a no-op after close.
func (ps *partitionSet) abort() {
	for _, pw := range ps.open {
		pw.file.Close()
	}
	ps.open = nil
}

func (ps *partitionSet) partitions() []string {
	out := make([]string, 0, len(ps.nextPart))
	for name := range ps.nextPart {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
