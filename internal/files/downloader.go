package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/objectstore"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/retry"
)

// DownloaderOptions configure the download pool and skip policy.
type DownloaderOptions struct {
	// Workers bounds download concurrency, independent of table workers.
	Workers int

	// SupportedExtensions whitelists file types; anything else is skipped.
	SupportedExtensions []string

	// MaxSizeBytes skips files whose declared size exceeds the ceiling.
	MaxSizeBytes int64

	// Dir receives downloaded bytes.
	Dir string

	// Retry bounds fetch attempts for transient failures.
	Retry retry.Policy

	// HTTPTimeout bounds each pre-authorized URL fetch.
	HTTPTimeout time.Duration
}

// Downloader fetches detected files through a bounded worker pool.
// Pre-authorized URL locators are fetched directly; plain storage keys go
// through the configured object store.
type Downloader struct {
	store      objectstore.Store
	httpClient *http.Client
	opts       DownloaderOptions
	extensions map[string]bool
	log        *zap.Logger
}

// NewDownloader creates a downloader over store.
func NewDownloader(store objectstore.Store, opts DownloaderOptions, log *zap.Logger) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	opts.Retry.Retryable = ingest.IsRetryable
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 60 * time.Second
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	extensions := make(map[string]bool, len(opts.SupportedExtensions))
	for _, ext := range opts.SupportedExtensions {
		extensions[strings.ToLower(ext)] = true
	}
	return &Downloader{
		store:      store,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		opts:       opts,
		extensions: extensions,
		log:        log,
	}
}

// DownloadAll fetches every detected file and returns one result per
// input, in input order. Cancelling ctx drains in-flight downloads and
// marks the remainder failed; indexing of owning records never waits on
// this method's outcome, only on its completion.
func (d *Downloader) DownloadAll(ctx context.Context, detected []ingest.DetectedFile) []ingest.DownloadResult {
	results := make([]ingest.DownloadResult, len(detected))

	sem := make(chan struct{}, d.opts.Workers)
	var wg sync.WaitGroup
	for i := range detected {
		if ctx.Err() != nil {
			results[i] = ingest.DownloadResult{
				Key: detected[i].Key, Status: ingest.DownloadFailed, Reason: "cancelled",
			}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.download(ctx, detected[i])
		}(i)
	}
	wg.Wait()
	return results
}

// download fetches one file, applying the skip policy first. Skips are
// policy decisions, never failures.
func (d *Downloader) download(ctx context.Context, f ingest.DetectedFile) ingest.DownloadResult {
	if reason := d.skipReason(f); reason != "" {
		return ingest.DownloadResult{Key: f.Key, Status: ingest.DownloadSkipped, Reason: reason}
	}

	var data []byte
	err := d.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = d.fetch(ctx, f.Key)
		return fetchErr
	})
	if err != nil {
		d.log.Warn("download failed",
			zap.String("table", f.Table),
			zap.String("row", f.RowID),
			zap.String("key", f.Key),
			zap.Error(err))
		return ingest.DownloadResult{Key: f.Key, Status: ingest.DownloadFailed, Reason: err.Error()}
	}

	location, err := d.save(f, data)
	if err != nil {
		return ingest.DownloadResult{Key: f.Key, Status: ingest.DownloadFailed, Reason: err.Error()}
	}
	return ingest.DownloadResult{Key: f.Key, Status: ingest.DownloadSuccess, Location: location}
}

func (d *Downloader) skipReason(f ingest.DetectedFile) string {
	ext := extensionOf(f.Key)
	if len(d.extensions) > 0 && !d.extensions[ext] {
		return fmt.Sprintf("unsupported file type %q", ext)
	}
	if d.opts.MaxSizeBytes > 0 && f.SizeBytes > d.opts.MaxSizeBytes {
		return fmt.Sprintf("declared size %d exceeds ceiling %d", f.SizeBytes, d.opts.MaxSizeBytes)
	}
	return ""
}

// fetch retrieves bytes either via a pre-authorized URL carried by the
// record (preferred, no extra credentials) or via the object store.
func (d *Downloader) fetch(ctx context.Context, key string) ([]byte, error) {
	if u, err := url.Parse(key); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return d.fetchURL(ctx, key)
	}
	if d.store == nil {
		return nil, ingest.WrapError(ingest.CodeDownload, false, errors.New("no object store configured"))
	}
	return d.store.Fetch(ctx, key)
}

func (d *Downloader) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeDownload, false, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeDownload, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, objectstore.ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, objectstore.ErrForbidden
	case resp.StatusCode >= 500:
		return nil, ingest.WrapError(ingest.CodeDownload, true, fmt.Errorf("server error %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, ingest.WrapError(ingest.CodeDownload, false, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return io.ReadAll(resp.Body)
}

// save writes bytes under the download dir, keyed by owning row so
// re-downloads overwrite in place.
func (d *Downloader) save(f ingest.DetectedFile, data []byte) (string, error) {
	name := f.Filename
	if name == "" || name == "." {
		name = "asset"
	}
	full := filepath.Join(d.opts.Dir, f.Table, f.RowID, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return full, nil
}
