package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/statcandb/statcandb/internal/config"
)

const testBucket = "statcan"

// fakeS3 is an in-memory, path-style S3 endpoint covering the calls the
// storage layer makes.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	parts        map[string]map[int][]byte
	batchDeletes int
	aborted      int
	failParts    bool
}

func newFakeS3(t *testing.T) (*fakeS3, *S3Storage) {
	t.Helper()
	f := &fakeS3{objects: map[string][]byte{}, parts: map[string]map[int][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:           "auto",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RetryMaxAttempts: 1,
	})
	st := NewS3StorageWithClient(client, config.S3Config{Bucket: testBucket}, nil)
	st.attempts = 1
	return f, st
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+testBucket), "/")
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && q.Has("list-type"):
		f.list(w, q.Get("prefix"))
	case r.Method == http.MethodPost && q.Has("delete"):
		f.batchDeletes++
		var req struct {
			Objects []struct {
				Key string `xml:"Key"`
			} `xml:"Object"`
		}
		if err := xml.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, o := range req.Objects {
			delete(f.objects, o.Key)
		}
		writeXML(w, `<DeleteResult></DeleteResult>`)
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.parts[key] = map[int][]byte{}
		writeXML(w, fmt.Sprintf(`<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>u-1</UploadId></InitiateMultipartUploadResult>`, testBucket, key))
	case r.Method == http.MethodPut && q.Has("partNumber"):
		if f.failParts {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		n, _ := strconv.Atoi(q.Get("partNumber"))
		f.parts[key][n] = body
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	case r.Method == http.MethodPost && q.Has("uploadId"):
		var nums []int
		for n := range f.parts[key] {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var buf bytes.Buffer
		for _, n := range nums {
			buf.Write(f.parts[key][n])
		}
		f.objects[key] = buf.Bytes()
		delete(f.parts, key)
		writeXML(w, fmt.Sprintf(`<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, testBucket, key))
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		f.aborted++
		delete(f.parts, key)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut:
		f.objects[key] = body
		w.Header().Set("ETag", `"put"`)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusNotImplemented)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, `<ListBucketResult><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`,
		testBucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[k]))
	}
	b.WriteString(`</ListBucketResult>`)
	writeXML(w, b.String())
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+body)
}

// readBody returns the payload, decoding aws-chunked framing when present.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil || !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return raw, err
	}
	var out bytes.Buffer
	br := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func TestS3Storage_UploadListDelete(t *testing.T) {
	fake, st := newFakeS3(t)
	ctx := context.Background()

	src := writeTemp(t, "PAR1 data")
	for _, key := range []string{"10100001.parquet/year=2019/data_0.parquet", "10100001.parquet/year=2020/data_0.parquet", "1010000.parquet/part-0.parquet"} {
		if err := st.Upload(ctx, src, key); err != nil {
			t.Fatalf("Upload(%s) failed: %v", key, err)
		}
	}
	if got := string(fake.objects["1010000.parquet/part-0.parquet"]); got != "PAR1 data" {
		t.Errorf("stored content = %q", got)
	}

	keys, err := st.ListObjects(ctx, "10100001.parquet/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "10100001.parquet/year=2019/data_0.parquet" {
		t.Errorf("ListObjects = %v", keys)
	}

	if err := st.Delete(ctx, "1010000.parquet/part-0.parquet"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := st.DeleteObjects(ctx, keys); err != nil {
		t.Fatalf("DeleteObjects failed: %v", err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("objects left: %v", fake.objects)
	}
}

func TestS3Storage_MultipartUpload(t *testing.T) {
	fake, st := newFakeS3(t)
	st.partSize = 4

	if err := st.Upload(context.Background(), writeTemp(t, "0123456789"), "big.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if got := string(fake.objects["big.parquet"]); got != "0123456789" {
		t.Errorf("assembled object = %q", got)
	}
}

func TestS3Storage_MultipartFailureAborts(t *testing.T) {
	fake, st := newFakeS3(t)
	st.partSize = 4
	fake.failParts = true

	err := st.Upload(context.Background(), writeTemp(t, "0123456789"), "big.parquet")
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	if fake.aborted != 1 {
		t.Errorf("aborted = %d, want 1", fake.aborted)
	}
	if _, ok := fake.objects["big.parquet"]; ok {
		t.Error("failed upload left an object")
	}
}

func TestPublisher_S3BatchDelete(t *testing.T) {
	fake, st := newFakeS3(t)
	ctx := context.Background()
	p := NewPublisher(st, 2, nil)

	first := writeDataset(t, "year=2019/data_0.parquet", "year=2020/data_0.parquet")
	if _, err := p.Publish(ctx, first, "10100001.parquet"); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	if fake.batchDeletes != 0 {
		t.Errorf("empty prefix should not issue deletes, got %d", fake.batchDeletes)
	}

	flat := filepath.Join(t.TempDir(), "10100001.parquet")
	if err := os.MkdirAll(flat, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(flat, "part-0.parquet"), []byte("flat"), 0644); err != nil {
		t.Fatal(err)
	}
	res, err := p.Publish(ctx, flat, "10100001.parquet")
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if res.Deleted != 2 || fake.batchDeletes != 1 {
		t.Errorf("deleted=%d batches=%d, want 2 and 1", res.Deleted, fake.batchDeletes)
	}

	keys, err := st.ListObjects(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(keys) != "[10100001.parquet/part-0.parquet]" {
		t.Errorf("objects = %v", keys)
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("a/part-0.parquet"); got != parquetContentType {
		t.Errorf("contentType(parquet) = %q", got)
	}
	if got := contentType("a/_SUCCESS"); got != "application/octet-stream" {
		t.Errorf("contentType(other) = %q", got)
	}
}
