// Package csvprep cleans up the header of upstream cube CSVs.
//
// Exported cube files sometimes start with non-printable bytes ahead of the
// header row, and some headers repeat a column name (usually "Symbol").
// ReadHeader locates the start of the real header and returns a unique,
// order-preserving set of column names.
package csvprep

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	serrors "github.com/statcandb/statcandb/internal/errors"
)

// ErrEmptyInput is returned when the stream holds no header columns.
var ErrEmptyInput = serrors.NewSchemaError(serrors.CodeEmptyInput, "csv input has no header columns", io.EOF)

// Header is the cleaned header row of a CSV.
type Header struct {
	// Offset is the number of noise bytes preceding the header row.
	Offset int64
	// Raw holds the column names as they appear in the file.
	Raw []string
	// Names holds the deduplicated column names, in file order.
	Names []string
}

// Has reports whether the deduplicated header contains name.
func (h *Header) Has(name string) bool {
	for _, n := range h.Names {
		if n == name {
			return true
		}
	}
	return false
}

// DedupeNames renames repeated column names by appending ".1", ".2", ... in
// order of appearance. A candidate that is already taken keeps counting, so
// the result never contains duplicates.
func DedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		candidate := name
		for counter := 1; ; counter++ {
			if _, taken := seen[candidate]; !taken {
				break
			}
			candidate = name + "." + strconv.Itoa(counter)
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

// ReadHeader skips the noise prefix and parses the header row.
func ReadHeader(r io.Reader) (*Header, error) {
	br := bufio.NewReader(r)

	var offset int64
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return nil, ErrEmptyInput
		}
		if err != nil {
			return nil, fmt.Errorf("csvprep: failed to read input: %w", err)
		}
		if b[0] < 128 {
			break
		}
		if _, err := br.Discard(1); err != nil {
			return nil, fmt.Errorf("csvprep: failed to read input: %w", err)
		}
		offset++
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	raw, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, serrors.NewSchemaError(serrors.CodeEmptyInput, "failed to parse csv header", err)
	}
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == "") {
		return nil, ErrEmptyInput
	}

	return &Header{
		Offset: offset,
		Raw:    raw,
		Names:  DedupeNames(raw),
	}, nil
}

// ReadHeaderFile is ReadHeader on a file path.
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvprep: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadHeader(f)
}
