package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/csvprep"
	"github.com/statcandb/statcandb/internal/engine"
	serrors "github.com/statcandb/statcandb/internal/errors"
)

// Inference is the corrected layout of one CSV file.
type Inference struct {
	// Columns are the corrected columns in file order.
	Columns []Column
	// MaxDecimals is the maximum DECIMALS value, nil when the column is
	// absent or entirely null.
	MaxDecimals *int64
}

// Column returns the column with the given name.
func (inf *Inference) Column(name string) (Column, bool) {
	for _, c := range inf.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// YearExpr is the projection deriving the partition year from REF_DATE.
func YearExpr() string {
	return fmt.Sprintf("substr(CAST(%s AS VARCHAR), 1, 4) AS %s",
		engine.QuoteIdent(ColumnRefDate), engine.QuoteIdent(ColumnYear))
}

// ScanSQL returns a SELECT over csvPath typed with the corrected columns,
// with the derived year column appended. An integer VALUE column is read as
// text and cast through checkedBigint, since a typed CSV scan rounds
// fractional cells instead of rejecting them.
func (inf *Inference) ScanSQL(csvPath string) string {
	names := make([]string, 0, len(inf.Columns)+1)
	types := make([]string, 0, len(inf.Columns))
	for _, c := range inf.Columns {
		scanType := c.Type
		if c.Name == ColumnValue && c.Type == TypeBigint {
			scanType = TypeVarchar
			names = append(names, checkedBigint(c.Name))
		} else {
			names = append(names, engine.QuoteIdent(c.Name))
		}
		types = append(types, fmt.Sprintf("%s: %s", engine.QuoteLiteral(c.Name), engine.QuoteLiteral(scanType)))
	}
	names = append(names, YearExpr())

	return fmt.Sprintf("SELECT %s FROM read_csv(%s, header = false, skip = 1, delim = ',', quote = '\"', columns = {%s})",
		strings.Join(names, ", "), engine.QuoteLiteral(csvPath), strings.Join(types, ", "))
}

// integerPattern accepts whole numbers, with an optional zero fraction.
const integerPattern = `\s*-?\d+(\.0*)?\s*`

// checkedBigint casts a text column to BIGINT, raising a conversion error
// for any non-empty cell that is not a whole number.
func checkedBigint(name string) string {
	col := engine.QuoteIdent(name)
	return fmt.Sprintf("CASE WHEN %[1]s IS NULL OR trim(%[1]s) = '' THEN NULL "+
		"WHEN regexp_full_match(%[1]s, %[2]s) THEN CAST(split_part(trim(%[1]s), '.', 1) AS BIGINT) "+
		"ELSE error('Conversion Error: %[3]s value ' || %[1]s || ' is not an integer') END AS %[1]s",
		col, engine.QuoteLiteral(integerPattern), strings.ReplaceAll(name, "'", "''"))
}

// Inferrer sniffs and corrects CSV schemas with DuckDB.
type Inferrer struct {
	logger *zap.Logger
}

// NewInferrer creates an inferrer. A nil logger disables logging.
func NewInferrer(logger *zap.Logger) *Inferrer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inferrer{logger: logger}
}

// Infer derives the corrected schema of csvPath. header must come from the
// same file; its deduplicated names replace the file's own header row.
func (i *Inferrer) Infer(ctx context.Context, s *engine.Session, csvPath string, header *csvprep.Header) (*Inference, error) {
	if !header.Has(ColumnRefDate) {
		return nil, serrors.NewSchemaError(serrors.CodeMissingColumn,
			fmt.Sprintf("%s has no %s column", csvPath, ColumnRefDate), nil)
	}

	raw, err := i.sniff(ctx, s, csvPath, header.Names)
	if err != nil {
		return nil, err
	}

	inf := &Inference{}
	if header.Has(ColumnDecimals) {
		maxDecimals, err := i.maxDecimals(ctx, s, csvPath, header.Names)
		if err != nil {
			return nil, err
		}
		inf.MaxDecimals = maxDecimals
	}
	inf.Columns = Correct(raw, inf.MaxDecimals)

	i.logger.Debug("inferred schema",
		zap.String("path", csvPath),
		zap.Int("columns", len(inf.Columns)),
		zap.Bool("has_decimals", inf.MaxDecimals != nil))
	return inf, nil
}

func (i *Inferrer) sniff(ctx context.Context, s *engine.Session, csvPath string, names []string) ([]Column, error) {
	query := "DESCRIBE SELECT * FROM " + readCSV(csvPath, names, "sample_size = -1")
	rows, err := s.Query(ctx, query)
	if err != nil {
		return nil, classify(csvPath, err)
	}
	defer rows.Close()

	width, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var cols []Column
	for rows.Next() {
		dest := make([]any, len(width))
		var name, typ sql.NullString
		dest[0], dest[1] = &name, &typ
		for k := 2; k < len(dest); k++ {
			dest[k] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("schema: failed to scan column description: %w", err)
		}
		cols = append(cols, Column{Name: name.String, Type: typ.String})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(csvPath, err)
	}
	if len(cols) != len(names) {
		return nil, serrors.NewSchemaError(serrors.CodeMissingColumn,
			fmt.Sprintf("%s: sniffed %d columns, header has %d", csvPath, len(cols), len(names)), nil)
	}
	return cols, nil
}

func (i *Inferrer) maxDecimals(ctx context.Context, s *engine.Session, csvPath string, names []string) (*int64, error) {
	query := fmt.Sprintf("SELECT max(TRY_CAST(%s AS BIGINT)) FROM %s",
		engine.QuoteIdent(ColumnDecimals), readCSV(csvPath, names, "all_varchar = true"))

	var result sql.NullInt64
	if err := s.QueryRow(ctx, query).Scan(&result); err != nil {
		return nil, classify(csvPath, err)
	}
	if !result.Valid {
		return nil, nil
	}
	v := result.Int64
	return &v, nil
}

func readCSV(csvPath string, names []string, extra string) string {
	quoted := make([]string, len(names))
	for k, n := range names {
		quoted[k] = engine.QuoteLiteral(n)
	}
	return fmt.Sprintf("read_csv(%s, header = false, skip = 1, delim = ',', quote = '\"', names = [%s], %s)",
		engine.QuoteLiteral(csvPath), strings.Join(quoted, ", "), extra)
}

// classify maps engine failures on a CSV to the schema error taxonomy.
func classify(csvPath string, err error) error {
	if engine.IsConversionError(err) {
		return serrors.NewSchemaError(serrors.CodeTypeCoercion, "failed to type "+csvPath, err)
	}
	return fmt.Errorf("schema: failed to scan %s: %w", csvPath, err)
}
