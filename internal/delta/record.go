// Package delta splits daily delta files into productId-partitioned Parquet
// datasets and merges them into existing datasets by vectorId.
package delta

import (
	"fmt"
	"strconv"

	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/pkg/types"
)

// deltaRow is the on-disk layout of a delta record inside a productId
// partition. The partition column lives in the directory name only.
// Code columns are stored as UINT_8 from int32 values; the writer cannot
// encode Go uint8 fields directly.
type deltaRow struct {
	Coordinate        string   `parquet:"coordinate"`
	VectorID          *int64   `parquet:"vectorId"`
	RefPer            string   `parquet:"refPer"`
	RefPer2           string   `parquet:"refPer2"`
	SymbolCode        *int32   `parquet:"symbolCode,optional,uint(8)"`
	StatusCode        *int32   `parquet:"statusCode,optional,uint(8)"`
	SecurityLevelCode *int32   `parquet:"securityLevelCode,optional,uint(8)"`
	Value             *float64 `parquet:"value"`
	ReleaseTime       string   `parquet:"releaseTime"`
	ScalarFactorCode  *int32   `parquet:"scalarFactorCode,optional,uint(8)"`
	Decimals          *int32   `parquet:"decimals,optional,uint(8)"`
	FrequencyCode     *int32   `parquet:"frequencyCode,optional,uint(8)"`
}

func toRow(r *types.DeltaRecord) deltaRow {
	return deltaRow{
		Coordinate:        r.Coordinate,
		VectorID:          r.VectorID,
		RefPer:            r.RefPer,
		RefPer2:           r.RefPer2,
		SymbolCode:        widen(r.SymbolCode),
		StatusCode:        widen(r.StatusCode),
		SecurityLevelCode: widen(r.SecurityLevelCode),
		Value:             r.Value,
		ReleaseTime:       r.ReleaseTime,
		ScalarFactorCode:  widen(r.ScalarFactorCode),
		Decimals:          widen(r.Decimals),
		FrequencyCode:     widen(r.FrequencyCode),
	}
}

func widen(v *uint8) *int32 {
	if v == nil {
		return nil
	}
	w := int32(*v)
	return &w
}

// ParseRecord parses one delta CSV row. Empty numeric cells become nil.
func ParseRecord(fields []string) (*types.DeltaRecord, error) {
	if len(fields) != len(types.DeltaColumns) {
		return nil, serrors.NewSchemaError(serrors.CodeMissingColumn,
			fmt.Sprintf("delta row has %d fields, want %d", len(fields), len(types.DeltaColumns)), nil)
	}

	p := parser{fields: fields}
	rec := &types.DeltaRecord{
		ProductID:         p.parseInt(0),
		Coordinate:        fields[1],
		VectorID:          p.parseInt(2),
		RefPer:            fields[3],
		RefPer2:           fields[4],
		SymbolCode:        p.parseUint8(5),
		StatusCode:        p.parseUint8(6),
		SecurityLevelCode: p.parseUint8(7),
		Value:             p.parseFloat(8),
		ReleaseTime:       fields[9],
		ScalarFactorCode:  p.parseUint8(10),
		Decimals:          p.parseUint8(11),
		FrequencyCode:     p.parseUint8(12),
	}
	if p.err != nil {
		return nil, p.err
	}
	return rec, nil
}

// parser keeps the first conversion error.
type parser struct {
	fields []string
	err    error
}

func (p *parser) fail(i int, err error) {
	if p.err == nil {
		p.err = serrors.NewSchemaError(serrors.CodeTypeCoercion,
			fmt.Sprintf("invalid %s %q", types.DeltaColumns[i], p.fields[i]), err)
	}
}

func (p *parser) parseInt(i int) *int64 {
	if p.fields[i] == "" {
		return nil
	}
	v, err := strconv.ParseInt(p.fields[i], 10, 64)
	if err != nil {
		p.fail(i, err)
		return nil
	}
	return &v
}

func (p *parser) parseUint8(i int) *uint8 {
	if p.fields[i] == "" {
		return nil
	}
	v, err := strconv.ParseUint(p.fields[i], 10, 8)
	if err != nil {
		p.fail(i, err)
		return nil
	}
	u := uint8(v)
	return &u
}

func (p *parser) parseFloat(i int) *float64 {
	if p.fields[i] == "" {
		return nil
	}
	v, err := strconv.ParseFloat(p.fields[i], 64)
	if err != nil {
		p.fail(i, err)
		return nil
	}
	return &v
}
