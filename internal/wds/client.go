// Package wds is a client for the Statistics Canada Web Data Service: the cube
// catalog, daily change lists, full-table download links, and delta archives.
package wds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/config"
	serrors "github.com/statcandb/statcandb/internal/errors"
	"github.com/statcandb/statcandb/pkg/types"
)

// StatusSuccess is the status of a successful download-link response.
const StatusSuccess = "SUCCESS"

// Client talks to the data service. Transient failures are retried at the
// transport level; everything else surfaces as a TRANSPORT error.
type Client struct {
	http         *retryablehttp.Client
	baseURL      string
	deltaBaseURL string
	logger       *zap.Logger
}

// NewClient creates a client from the service configuration.
func NewClient(cfg config.WDSConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = leveledLogger{logger.Sugar()}
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:         hc,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		deltaBaseURL: strings.TrimRight(cfg.DeltaBaseURL, "/"),
		logger:       logger,
	}
}

type cubeEntry struct {
	ProductID   int64  `json:"productId"`
	ReleaseTime string `json:"releaseTime"`
}

type downloadResponse struct {
	Status string `json:"status"`
	Object string `json:"object"`
}

// GetCubeList returns every cube in the catalog with its current release time.
func (c *Client) GetCubeList(ctx context.Context) ([]types.ProductMetadata, error) {
	return c.getProducts(ctx, c.baseURL+"/getAllCubesListLite")
}

// GetChangedCubeList returns the cubes released on day.
func (c *Client) GetChangedCubeList(ctx context.Context, day time.Time) ([]types.ProductMetadata, error) {
	return c.getProducts(ctx, c.baseURL+"/getChangedCubeListLite/"+day.Format("2006-01-02"))
}

func (c *Client) getProducts(ctx context.Context, u string) ([]types.ProductMetadata, error) {
	var entries []cubeEntry
	if err := c.getJSON(ctx, u, &entries); err != nil {
		return nil, err
	}

	products := make([]types.ProductMetadata, 0, len(entries))
	for _, e := range entries {
		rt, err := types.ParseReleaseTime(e.ReleaseTime)
		if err != nil {
			return nil, serrors.NewTransportError(serrors.CodeBadResponse,
				fmt.Sprintf("product %d in %s", e.ProductID, u), err)
		}
		products = append(products, types.ProductMetadata{ProductID: e.ProductID, ReleaseTime: rt})
	}

	c.logger.Debug("fetched product list", zap.String("url", u), zap.Int("products", len(products)))
	return products, nil
}

// FullTableDownloadURL returns the signed link to a cube's CSV archive.
func (c *Client) FullTableDownloadURL(ctx context.Context, productID int64) (string, error) {
	u := fmt.Sprintf("%s/getFullTableDownloadCSV/%d/en", c.baseURL, productID)

	var resp downloadResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return "", err
	}
	if resp.Status != StatusSuccess || resp.Object == "" {
		return "", serrors.NewTransportError(serrors.CodeBadResponse,
			fmt.Sprintf("download link for product %d has status %q", productID, resp.Status), nil)
	}
	return resp.Object, nil
}

// DownloadCube downloads a cube archive into dir and returns its path.
func (c *Client) DownloadCube(ctx context.Context, productID int64, dir string) (string, error) {
	link, err := c.FullTableDownloadURL(ctx, productID)
	if err != nil {
		return "", err
	}
	return c.DownloadToDir(ctx, link, dir)
}

// DeltaFileURL returns the archive link of the delta file for day.
func (c *Client) DeltaFileURL(day time.Time) string {
	return fmt.Sprintf("%s/%s.zip", c.deltaBaseURL, day.Format("20060102"))
}

// PullDeltaFile downloads the delta archive for day into dir.
func (c *Client) PullDeltaFile(ctx context.Context, day time.Time, dir string) (string, error) {
	return c.DownloadToDir(ctx, c.DeltaFileURL(day), dir)
}

// DownloadToDir downloads rawURL into dir, named after the last segment of
// the URL path. dir must exist.
func (c *Client) DownloadToDir(ctx context.Context, rawURL, dir string) (string, error) {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return "", serrors.NewPreconditionError(serrors.CodeMissingDirectory,
			fmt.Sprintf("download directory %s must exist", dir))
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", serrors.NewTransportError(serrors.CodeBadResponse, "invalid download url "+rawURL, err)
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "", serrors.NewTransportError(serrors.CodeBadResponse, "download url has no file name: "+rawURL, nil)
	}

	dst := filepath.Join(dir, name)
	if _, err := c.DownloadFile(ctx, rawURL, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// DownloadFile streams rawURL into dst and returns the number of bytes
// written. The body is staged in a ".part" file and renamed on success.
func (c *Client) DownloadFile(ctx context.Context, rawURL, dst string) (int64, error) {
	start := time.Now()

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("wds: failed to create %s: %w", tmp, err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, serrors.NewTransportError(serrors.CodeDownloadFailed, "failed to download "+rawURL, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("wds: failed to move download into place: %w", err)
	}

	c.logger.Info("downloaded file",
		zap.String("url", redact(rawURL)),
		zap.String("path", dst),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return serrors.NewTransportError(serrors.CodeBadResponse, "failed to decode response from "+u, err)
	}
	return nil
}

// get performs a GET and returns the response only for 2xx statuses.
func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, serrors.NewTransportError(serrors.CodeBadResponse, "invalid request url "+redact(u), err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, serrors.NewTransportError(serrors.CodeDownloadFailed, "request to "+redact(u)+" failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, serrors.NewTransportError(serrors.CodeHTTPStatus,
			fmt.Sprintf("GET %s returned %s", redact(u), resp.Status), nil).
			WithDetails(map[string]interface{}{"status": resp.StatusCode})
	}
	return resp, nil
}

// redact drops the query string, which carries signatures on download links.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l leveledLogger) Info(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l leveledLogger) Warn(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
