package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	serrors "github.com/statcandb/statcandb/internal/errors"
)

// writeDataset creates a small hive-style dataset directory.
func writeDataset(t *testing.T, files ...string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "10100001.parquet")
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestPublisher_ReplacesPrefix(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := NewPublisher(store, 4, nil)

	first := writeDataset(t, "year=2019/data_0.parquet", "year=2020/data_0.parquet")
	if _, err := p.Publish(ctx, first, "10100001.parquet"); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}

	// Republishing a collapsed dataset drops the old partitions.
	second := writeDataset(t, "part-0.parquet")
	res, err := p.Publish(ctx, second, "10100001.parquet")
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if res.Deleted != 2 || res.Uploaded != 1 {
		t.Errorf("deleted=%d uploaded=%d, want 2 and 1", res.Deleted, res.Uploaded)
	}

	got, err := store.ListObjects(ctx, "10100001.parquet/")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != "[10100001.parquet/part-0.parquet]" {
		t.Errorf("objects = %v", got)
	}
}

func TestPublisher_LeavesOtherPrefixes(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := NewPublisher(store, 2, nil)

	ds := writeDataset(t, "part-0.parquet")
	if _, err := p.Publish(ctx, ds, "10100001.parquet"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(ctx, ds, "1010000.parquet"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(ctx, ds, "10100001.parquet"); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListObjects(ctx, "1010000.parquet/")
	if err != nil || fmt.Sprint(got) != "[1010000.parquet/part-0.parquet]" {
		t.Errorf("neighbouring prefix was touched: %v, %v", got, err)
	}
}

func TestPublisher_SingleFile(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "new.parquet")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := NewPublisher(store, 1, nil).Publish(context.Background(), src, "/23100309.parquet/")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if res.Prefix != "23100309.parquet" || res.Uploaded != 1 || res.Bytes != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	got, _ := store.ListObjects(context.Background(), "23100309.parquet/")
	if fmt.Sprint(got) != "[23100309.parquet/new.parquet]" {
		t.Errorf("objects = %v", got)
	}
}

func TestPublisher_Preconditions(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(store, 1, nil)

	_, err = p.Publish(context.Background(), t.TempDir(), "")
	if serrors.GetCode(err) != serrors.CodeMissingArgument {
		t.Errorf("expected MISSING_ARGUMENT, got %v", err)
	}
}

func TestPublisher_UnreadableLocalDatasetIsStorageError(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(store, 1, nil)

	_, err = p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing"), "10100001.parquet")
	if err == nil {
		t.Fatal("expected publish of a missing dataset to fail")
	}
	if serrors.IsPrecondition(err) {
		t.Errorf("missing local dataset must not abort the run: %v", err)
	}
	if serrors.GetCategory(err) != serrors.ErrCategoryStorage || serrors.GetCode(err) != serrors.CodeListFailed {
		t.Errorf("expected STORAGE/LIST_FAILED, got %v", err)
	}
	if serrors.IsRetryable(err) {
		t.Errorf("local read failure marked retryable: %v", err)
	}
}

// flakyStorage fails uploads and tracks concurrency.
type flakyStorage struct {
	*LocalStorage
	inFlight int32
	peak     int32
	mu       sync.Mutex
	failKey  string
}

func (f *flakyStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	f.mu.Lock()
	if n > f.peak {
		f.peak = n
	}
	f.mu.Unlock()

	if objectPath == f.failKey {
		return fmt.Errorf("%w: simulated", ErrUploadFailed)
	}
	return f.LocalStorage.Upload(ctx, localPath, objectPath)
}

func TestPublisher_UploadFailure(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyStorage{LocalStorage: local, failKey: "10100001.parquet/year=2020/data_0.parquet"}

	var files []string
	for y := 2000; y < 2021; y++ {
		files = append(files, fmt.Sprintf("year=%d/data_0.parquet", y))
	}
	ds := writeDataset(t, files...)

	_, err = NewPublisher(store, 3, nil).Publish(context.Background(), ds, "10100001.parquet")
	if serrors.GetCode(err) != serrors.CodeUploadFailed {
		t.Fatalf("expected UPLOAD_FAILED, got %v", err)
	}
	if !errors.Is(err, ErrUploadFailed) {
		t.Error("expected the cause to be preserved")
	}
	if !serrors.IsRetryable(err) {
		t.Error("upload failures should be retryable")
	}
	if store.peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", store.peak)
	}
}
