// Package engine wraps the embedded DuckDB database used as the columnar
// engine for CSV scanning, Parquet writing, and bulk merges.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"
)

// Session is an in-memory DuckDB database pinned to a single connection, so
// temporary tables and settings survive across statements.
type Session struct {
	db *sql.DB
}

// Open creates a new in-memory session.
func Open(ctx context.Context) (*Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open DuckDB: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: failed to connect to DuckDB: %w", err)
	}
	return &Session{db: db}, nil
}

// Exec runs a statement.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query runs a query returning rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a query returning at most one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Close closes the session.
func (s *Session) Close() error {
	return s.db.Close()
}

// QuoteIdent quotes a column or table identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ParquetSource returns a read_parquet table function for a parquet file or a
// dataset directory. Hive partitioning is enabled when the directory holds
// key=value subdirectories.
func ParquetSource(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return fmt.Sprintf("read_parquet(%s)", QuoteLiteral(path)), nil
	}

	hive, err := hasHivePartitions(path)
	if err != nil {
		return "", err
	}
	glob := filepath.ToSlash(filepath.Join(path, "**", "*.parquet"))
	return fmt.Sprintf("read_parquet(%s, hive_partitioning = %t, union_by_name = true)", QuoteLiteral(glob), hive), nil
}

func hasHivePartitions(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), "=") {
			return true, nil
		}
	}
	return false, nil
}

// DirSize returns the total size in bytes of all regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// IsConversionError reports whether err is a DuckDB type conversion or CSV
// parsing failure, as opposed to an I/O or internal failure.
func IsConversionError(err error) bool {
	if err == nil {
		return false
	}
	var de *duckdb.Error
	if errors.As(err, &de) {
		switch de.Type {
		case duckdb.ErrorTypeConversion, duckdb.ErrorTypeInvalidInput:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "Conversion Error") || strings.Contains(msg, "CSV Error")
}
