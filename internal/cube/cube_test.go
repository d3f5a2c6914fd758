package cube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/statcandb/statcandb/internal/engine"
	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/internal/partition"
	"github.com/statcandb/statcandb/internal/schema"
)

const cubeCSV = "REF_DATE,GEO,DGUID,VALUE,STATUS,Symbol,Symbol,DECIMALS\n" +
	"2019-01,Canada,2016A000011124,1.5,,,,1\n" +
	"2020-01,Canada,2016A000011124,2,,,,1\n" +
	"2020-02,Canada,2016A000011124,3,E,,,1\n"

// writeZip builds an archive holding the given members.
func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTransformer(threshold int64) *Transformer {
	return NewTransformer(schema.NewInferrer(nil), partition.NewWriter(threshold, "snappy", nil), nil)
}

func datasetRows(t *testing.T, path string) int64 {
	t.Helper()
	s, err := engine.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	src, err := engine.ParquetSource(path)
	if err != nil {
		t.Fatal(err)
	}
	var n int64
	if err := s.QueryRow(context.Background(), "SELECT count(*) FROM "+src).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestProductIDFromFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"10100001.zip", 10100001, false},
		{"/tmp/x/10100001-eng.zip", 10100001, false},
		{"23100309.csv", 23100309, false},
		{"cube.zip", 0, true},
	}
	for _, tt := range tests {
		got, err := ProductIDFromFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ProductIDFromFilename(%q) err = %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ProductIDFromFilename(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestOutputName(t *testing.T) {
	if got := OutputName(10100001); got != "10100001.parquet" {
		t.Errorf("OutputName = %s", got)
	}
}

func TestExtractCSV(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "10100001-eng.zip")
	writeZip(t, zipPath, map[string]string{
		"10100001.csv":          cubeCSV,
		"10100001_MetaData.csv": "Cube Title\n",
	})

	out := t.TempDir()
	path, err := ExtractCSV(zipPath, 10100001, out)
	if err != nil {
		t.Fatalf("ExtractCSV failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != cubeCSV {
		t.Error("extracted content differs")
	}
}

func TestExtractCSV_Corrupt(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "10100001.zip")
	if err := os.WriteFile(garbage, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	wrongMember := filepath.Join(dir, "10100002.zip")
	writeZip(t, wrongMember, map[string]string{"data.csv": cubeCSV})
	duplicate := filepath.Join(dir, "10100003.zip")
	writeZip(t, duplicate, map[string]string{"10100003.csv": cubeCSV, "sub/10100003.csv": cubeCSV})

	cases := []struct {
		path string
		id   int64
	}{
		{garbage, 10100001},
		{wrongMember, 10100002},
		{duplicate, 10100003},
	}
	for _, c := range cases {
		_, err := ExtractCSV(c.path, c.id, t.TempDir())
		if serrors.GetCode(err) != serrors.CodeCorruptArchive {
			t.Errorf("%s: expected CORRUPT_ARCHIVE, got %v", filepath.Base(c.path), err)
		}
	}
}

func TestTransform_Zip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "10100001-eng.zip")
	writeZip(t, zipPath, map[string]string{"10100001.csv": cubeCSV})
	out := filepath.Join(dir, "out", OutputName(10100001))

	info, err := newTransformer(0).Transform(context.Background(), zipPath, out, 0)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if !info.Partitioned {
		t.Error("expected partitioned output with a zero threshold")
	}
	if fmt.Sprint(info.Partitions) != "[year=2019 year=2020]" {
		t.Errorf("partitions = %v", info.Partitions)
	}
	if n := datasetRows(t, out); n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	// Scratch directories are cleaned up.
	entries, err := os.ReadDir(filepath.Dir(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the dataset in the output directory, got %d entries", len(entries))
	}
}

func TestTransform_NoisyCSV(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "10100001.csv")
	if err := os.WriteFile(src, append([]byte{0xef, 0xbb, 0xbf, 0x80}, cubeCSV...), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, OutputName(10100001))

	info, err := newTransformer(1<<40).Transform(context.Background(), src, out, 10100001)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if info.Partitioned {
		t.Error("expected flat output")
	}

	s, err := engine.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var value float64
	var year string
	q := fmt.Sprintf("SELECT VALUE, year FROM read_parquet(%s) WHERE REF_DATE = '2019-01'",
		engine.QuoteLiteral(filepath.Join(out, partition.FlatFileName)))
	if err := s.QueryRow(context.Background(), q).Scan(&value, &year); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if value != 1.5 || year != "2019" {
		t.Errorf("value=%v year=%s", value, year)
	}
}

func TestTransform_TypeCoercion(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "10100001.csv")
	// Integer DECIMALS with a fractional VALUE cannot be typed.
	if err := os.WriteFile(src, []byte("REF_DATE,VALUE,DECIMALS\n2020,1.5,0\n2021,2.4,0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := newTransformer(0).Transform(context.Background(), src, filepath.Join(dir, "out"), 10100001)
	if serrors.GetCode(err) != serrors.CodeTypeCoercion || serrors.GetCategory(err) != serrors.ErrCategorySchema {
		t.Fatalf("expected SCHEMA/TYPE_COERCION, got %v", err)
	}
}

func TestTransform_MissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := newTransformer(0).Transform(context.Background(), filepath.Join(dir, "10100001.zip"), filepath.Join(dir, "out"), 0)
	if serrors.GetCode(err) != serrors.CodeMissingInput {
		t.Fatalf("expected MISSING_INPUT, got %v", err)
	}
}
