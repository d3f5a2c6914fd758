package cube

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/klauspost/compress/zip"

	serrors "github.com/statcandb/statcandb/internal/errors"
)

// OutputName is the dataset directory name of a product.
func OutputName(productID int64) string {
	return fmt.Sprintf("%d.parquet", productID)
}

// ProductIDFromFilename extracts the product id from the digits of a file's
// base name, e.g. "10100001-eng.zip".
func ProductIDFromFilename(name string) (int64, error) {
	base := filepath.Base(name)
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, base)
	if digits == "" {
		return 0, serrors.NewPreconditionError(serrors.CodeMissingArgument,
			fmt.Sprintf("no product id in file name %q", base))
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, serrors.NewPreconditionError(serrors.CodeMissingArgument,
			fmt.Sprintf("invalid product id in file name %q", base))
	}
	return id, nil
}

// ExtractCSV extracts the data CSV of productID from a cube archive into
// dir and returns its path. The archive must hold exactly one "<pid>.csv"
// member; other members (metadata CSVs) are ignored.
func ExtractCSV(zipPath string, productID int64, dir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", serrors.NewTransportError(serrors.CodeCorruptArchive,
			fmt.Sprintf("failed to open archive %s", zipPath), err)
	}
	defer r.Close()

	want := fmt.Sprintf("%d.csv", productID)
	var member *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != want {
			continue
		}
		if member != nil {
			return "", serrors.NewTransportError(serrors.CodeCorruptArchive,
				fmt.Sprintf("archive %s holds more than one %s", zipPath, want), nil)
		}
		member = f
	}
	if member == nil {
		return "", serrors.NewTransportError(serrors.CodeCorruptArchive,
			fmt.Sprintf("archive %s has no %s member", zipPath, want), nil)
	}

	dst := filepath.Join(dir, want)
	if err := extractMember(member, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func extractMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return serrors.NewTransportError(serrors.CodeCorruptArchive,
			fmt.Sprintf("failed to open member %s", f.Name), err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cube: failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return serrors.NewTransportError(serrors.CodeCorruptArchive,
			fmt.Sprintf("failed to extract member %s", f.Name), err)
	}
	return out.Close()
}

// stripPrefix copies src to dst without its first offset bytes.
func stripPrefix(src, dst string, offset int64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cube: failed to open %s: %w", src, err)
	}
	defer in.Close()

	if _, err := in.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("cube: failed to seek %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cube: failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("cube: failed to copy %s: %w", src, err)
	}
	return out.Close()
}
