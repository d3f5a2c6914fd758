// Package schema derives the typed column layout of an upstream cube CSV.
//
// Upstream tables come in several inconsistent profiles. Type inference is
// delegated to DuckDB's CSV sniffer and a small set of name-based override
// rules is applied on top.
package schema

import (
	"regexp"
)

// DuckDB logical type names used by the override rules.
const (
	TypeVarchar = "VARCHAR"
	TypeBigint  = "BIGINT"
	TypeDouble  = "DOUBLE"
)

// Well-known cube columns.
const (
	ColumnRefDate  = "REF_DATE"
	ColumnValue    = "VALUE"
	ColumnDecimals = "DECIMALS"
	ColumnYear     = "year"
)

// Column is a named, typed column.
type Column struct {
	Name string
	Type string
}

var symbolPattern = regexp.MustCompile(`^Symbol(\.\d+)?$`)

// IsForcedString reports whether a column is always stored as a string.
// These columns are sparse and would otherwise be sniffed as numeric.
func IsForcedString(name string) bool {
	switch name {
	case "STATUS", "SYMBOL", "TERMINATED", "DGUID":
		return true
	}
	return symbolPattern.MatchString(name)
}

// Correct applies the override rules to the naturally inferred columns.
// maxDecimals is the maximum of the DECIMALS column, or nil when the table
// has no such column; VALUE is left untouched in that case.
func Correct(raw []Column, maxDecimals *int64) []Column {
	out := make([]Column, len(raw))
	for i, col := range raw {
		out[i] = col
		switch {
		case IsForcedString(col.Name):
			out[i].Type = TypeVarchar
		case col.Name == ColumnValue:
			if maxDecimals == nil {
				continue
			}
			if *maxDecimals > 0 {
				out[i].Type = TypeDouble
			} else {
				out[i].Type = TypeBigint
			}
		}
	}
	return out
}
