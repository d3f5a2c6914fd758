package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	serrors "github.com/statcandb/statcandb/internal/errors"
)

// Publisher replaces everything under a remote prefix with the contents of a
// local dataset. Objects under the prefix are deleted first, then every
// local file is uploaded with bounded concurrency.
type Publisher struct {
	storage     ObjectStorage
	concurrency int
	logger      *zap.Logger
}

// PublishResult summarizes a publish.
type PublishResult struct {
	Prefix   string
	Deleted  int
	Uploaded int
	Bytes    int64
	Duration time.Duration
}

// NewPublisher creates a publisher.
// concurrency: maximum number of parallel uploads and deletes
func NewPublisher(storage ObjectStorage, concurrency int, logger *zap.Logger) *Publisher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		storage:     storage,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Publish uploads localPath (a dataset directory or a single file) under
// prefix, replacing whatever the prefix held before. Object keys are
// "<prefix>/<path relative to localPath>". The replacement is not atomic.
func (p *Publisher) Publish(ctx context.Context, localPath, prefix string) (*PublishResult, error) {
	start := time.Now()
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil, serrors.NewPreconditionError(serrors.CodeMissingArgument, "publish prefix is required")
	}

	files, err := listLocal(localPath)
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeListFailed, "cannot read local dataset "+localPath, err)
	}

	existing, err := p.storage.ListObjects(ctx, prefix+"/")
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeListFailed, "failed to list "+prefix, err)
	}

	result := &PublishResult{Prefix: prefix}

	if err := p.clear(ctx, existing); err != nil {
		return nil, serrors.NewStorageError(serrors.CodeDeleteFailed, "failed to clear "+prefix, err)
	}
	result.Deleted = len(existing)

	keys := make([]string, len(files))
	sources := make(map[string]localFile, len(files))
	for i, f := range files {
		key := path.Join(prefix, f.rel)
		keys[i] = key
		sources[key] = f
		result.Bytes += f.size
	}

	err = p.forEach(ctx, keys, func(key string) error {
		return p.storage.Upload(ctx, sources[key].path, key)
	})
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeUploadFailed, "failed to upload "+prefix, err)
	}
	result.Uploaded = len(keys)
	result.Duration = time.Since(start)

	p.logger.Info("published dataset",
		zap.String("prefix", prefix),
		zap.Int("deleted", result.Deleted),
		zap.Int("uploaded", result.Uploaded),
		zap.Int64("bytes", result.Bytes),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// clear deletes keys, in batches when the store supports it.
func (p *Publisher) clear(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if bd, ok := p.storage.(BatchDeleter); ok {
		return bd.DeleteObjects(ctx, keys)
	}
	return p.forEach(ctx, keys, func(key string) error {
		return p.storage.Delete(ctx, key)
	})
}

// forEach runs fn over keys with at most p.concurrency in flight and returns
// the first error.
func (p *Publisher) forEach(ctx context.Context, keys []string, fn func(string) error) error {
	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("semaphore acquire failed: %w", err)
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := fn(key); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(key)
	}

	wg.Wait()
	return firstErr
}

type localFile struct {
	path string
	rel  string
	size int64
}

func listLocal(root string) ([]localFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []localFile{{path: root, rel: filepath.Base(root), size: info.Size()}}, nil
	}

	var files []localFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: p, rel: filepath.ToSlash(rel), size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}
