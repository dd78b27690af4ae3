package fetchers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
)

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap reports client errors other than 408 and 429 as permanent.
func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests {
		return ErrPermanent
	}
	return nil
}

// Downloader streams remote resources to local files.
type Downloader struct {
	client *http.Client
	retry  *RetryConfig
	log    logr.Logger
}

// NewDownloader creates a downloader. A nil client uses NewHTTPClient
// defaults and a nil retry config uses DefaultRetryConfig.
func NewDownloader(client *http.Client, retry *RetryConfig, log logr.Logger) *Downloader {
	if client == nil {
		client, _ = NewHTTPClient(nil)
	}
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &Downloader{client: client, retry: retry, log: log}
}

// Download fetches url into path. The file is written to a temporary
// sibling and renamed into place, so readers never see a partial file.
func (d *Downloader) Download(ctx context.Context, url, path string) error {
	retry := *d.retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.log.Info("download failed, retrying", "url", url, "attempt", attempt, "delay", delay, "error", err.Error())
		if d.retry.OnRetry != nil {
			d.retry.OnRetry(attempt, err, delay)
		}
	}

	size, result := Retry(ctx, &retry, func(ctx context.Context) (int64, error) {
		return d.fetchTo(ctx, url, path)
	})
	if !result.Success {
		return fmt.Errorf("download %s: %w", url, result.AllErrors())
	}

	d.log.V(1).Info("downloaded", "url", url, "path", path, "bytes", size, "attempts", result.Attempts)
	return nil
}

func (d *Downloader) fetchTo(ctx context.Context, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return writeAtomic(path, resp.Body)
}

func writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}
