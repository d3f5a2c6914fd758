package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/config"
)

const (
	defaultPartSize int64 = 16 * 1024 * 1024
	minPartSize     int64 = 5 * 1024 * 1024

	// maxDeleteBatch is the S3 limit of keys per DeleteObjects request.
	maxDeleteBatch = 1000

	parquetContentType = "application/vnd.apache.parquet"
)

// S3Storage stores objects in one bucket of an S3-compatible service.
type S3Storage struct {
	client   *s3.Client
	bucket   string
	partSize int64
	attempts int
	logger   *zap.Logger
}

// NewS3Storage creates a client for cfg.Bucket. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
// An R2 account id without an explicit endpoint selects the R2 endpoint.
func NewS3Storage(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg.ResolvedEndpoint(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, cfg, logger), nil
}

// NewS3StorageWithClient wraps a configured client.
func NewS3StorageWithClient(client *s3.Client, cfg config.S3Config, logger *zap.Logger) *S3Storage {
	partSize := int64(cfg.PartSizeMB) * 1024 * 1024
	if partSize < minPartSize {
		partSize = defaultPartSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Storage{
		client:   client,
		bucket:   cfg.Bucket,
		partSize: partSize,
		attempts: 3,
		logger:   logger,
	}
}

// Upload puts the file in one request, or as a multipart upload when it is
// larger than the part size.
func (s *S3Storage) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}

	if st.Size() > s.partSize {
		err = s.retry(ctx, "multipart upload", func() error {
			return s.multipartUpload(ctx, f, st.Size(), key)
		})
	} else {
		err = s.retry(ctx, "put", func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          io.NewSectionReader(f, 0, st.Size()),
				ContentLength: aws.Int64(st.Size()),
				ContentType:   aws.String(contentType(key)),
			})
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}

	s.logger.Debug("uploaded object", zap.String("key", key), zap.Int64("bytes", st.Size()))
	return nil
}

func (s *S3Storage) multipartUpload(ctx context.Context, f *os.File, size int64, key string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return err
	}

	var parts []types.CompletedPart
	for offset, n := int64(0), int32(1); offset < size; offset, n = offset+s.partSize, n+1 {
		length := min(s.partSize, size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(f, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			s.abort(key, created.UploadId)
			return fmt.Errorf("part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(key, created.UploadId)
		return err
	}
	return nil
}

// abort releases the parts of a failed multipart upload. It runs detached
// from the request context so a cancelled upload is still cleaned up.
func (s *S3Storage) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); err != nil {
		s.logger.Warn("failed to abort multipart upload", zap.String("key", key), zap.Error(err))
	}
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

// DeleteObjects removes keys in batches of up to 1000 per request.
func (s *S3Storage) DeleteObjects(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		batch := keys[start:min(start+maxDeleteBatch, len(keys))]
		ids := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		var out *s3.DeleteObjectsOutput
		err := s.retry(ctx, "delete batch", func() error {
			var err error
			out, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("%w: %s: %s (%d keys failed)", ErrDeleteFailed,
				aws.ToString(e.Key), aws.ToString(e.Message), len(out.Errors))
		}
	}
	return nil
}

func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrListFailed, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// retry runs op up to s.attempts times with exponential backoff, on top of
// the SDK's own retryer.
func (s *S3Storage) retry(ctx context.Context, what string, op func() error) error {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		var noSuchBucket *types.NoSuchBucket
		if errors.As(err, &noSuchBucket) || attempt >= s.attempts || ctx.Err() != nil {
			return err
		}

		s.logger.Debug("retrying storage operation",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".parquet") {
		return parquetContentType
	}
	return "application/octet-stream"
}
