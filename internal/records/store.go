// Package records persists the per-product sync state ("already uploaded at
// release time T") in a relational database.
//
// SQLite is the default backend. A postgres:// DSN selects PostgreSQL.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/pkg/types"
)

// Store is the repository of sync records.
type Store interface {
	// Init creates the schema. It is safe to call more than once.
	Init(ctx context.Context) error

	// GetAll returns every record ordered by product id.
	GetAll(ctx context.Context) ([]*types.SyncRecord, error)

	// Get returns the record for productID, or nil when none exists.
	Get(ctx context.Context, productID int64) (*types.SyncRecord, error)

	// Upsert inserts or replaces the record keyed by rec.ProductID.
	Upsert(ctx context.Context, rec *types.SyncRecord) error

	// Close releases the database handle.
	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex // serializes writers
	now     func() time.Time
	logger  *zap.Logger
}

// Open opens the store selected by dsn. Accepted forms are a bare file path,
// sqlite:///relative.db, sqlite:////absolute.db and postgres:// URLs.
func Open(dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, source, d, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if d == dialectSQLite {
		if dir := filepath.Dir(strings.SplitN(source, "?", 2)[0]); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("records: failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("records: failed to open database: %w", err)
	}
	if d == dialectSQLite {
		db.SetMaxOpenConns(1) // Single writer
		db.SetMaxIdleConns(1)
	}

	logger.Debug("opened record store", zap.String("driver", driver))
	return &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}, nil
}

func parseDSN(dsn string) (driver, source string, d dialect, err error) {
	switch {
	case dsn == "":
		return "", "", 0, serrors.NewPreconditionError(serrors.CodeMissingArgument, "record store dsn is required")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, dialectPostgres, nil
	}

	path := dsn
	switch {
	case strings.HasPrefix(path, "sqlite:///"):
		path = strings.TrimPrefix(path, "sqlite:///")
	case strings.HasPrefix(path, "sqlite://"):
		path = strings.TrimPrefix(path, "sqlite://")
	}
	if path == "" {
		return "", "", 0, serrors.NewPreconditionError(serrors.CodeMissingArgument, "sqlite dsn has no path")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "sqlite3", path + sep + "_journal_mode=WAL&_busy_timeout=5000", dialectSQLite, nil
}

// Init creates the products table.
func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, CreateProductsTableSQL); err != nil {
		return fmt.Errorf("records: failed to create schema: %w", err)
	}
	return nil
}

// GetAll returns all sync records.
func (s *SQLStore) GetAll(ctx context.Context) ([]*types.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectAllSQL))
	if err != nil {
		return nil, serrors.NewRecordsError(serrors.CodeReadFailed, "failed to list sync records", err)
	}
	defer rows.Close()

	var out []*types.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, serrors.NewRecordsError(serrors.CodeReadFailed, "failed to scan sync record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, serrors.NewRecordsError(serrors.CodeReadFailed, "failed to list sync records", err)
	}
	return out, nil
}

// Get returns the record for productID. A missing record is not an error.
func (s *SQLStore) Get(ctx context.Context, productID int64) (*types.SyncRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(selectOneSQL), productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serrors.NewRecordsError(serrors.CodeReadFailed,
			fmt.Sprintf("failed to read sync record %d", productID), err)
	}
	return rec, nil
}

// Upsert writes rec. CreatedAt is kept from the first write; UpdatedAt is
// set to the current time. rec's timestamps are updated in place.
func (s *SQLStore) Upsert(ctx context.Context, rec *types.SyncRecord) error {
	if rec == nil {
		return serrors.NewPreconditionError(serrors.CodeMissingArgument, "sync record is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.rebind(upsertSQL),
		rec.ProductID, rec.ReleaseTime.UTC(), rec.IsUploaded, now, now)
	if err != nil {
		return serrors.NewRecordsError(serrors.CodeUpsertFailed,
			fmt.Sprintf("failed to upsert sync record %d", rec.ProductID), err).
			WithDetails(map[string]interface{}{"product_id": rec.ProductID})
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.logger.Debug("upserted sync record",
		zap.Int64("product_id", rec.ProductID),
		zap.Time("release_time", rec.ReleaseTime))
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for dialects that use numbered parameters.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.SyncRecord, error) {
	var rec types.SyncRecord
	if err := row.Scan(&rec.ProductID, &rec.ReleaseTime, &rec.IsUploaded, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.ReleaseTime = rec.ReleaseTime.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
