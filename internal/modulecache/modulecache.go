// Package modulecache is the content-addressed cache for downloaded
// scripts and plugins: <cache_root>/<sha256>/<filename>. A single
// cache-wide lock is held by CreateCacheDir and by each purge decision,
// so a purge sweep never races with a concurrent CreateCacheDir; the
// download itself runs without the lock.
package modulecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/pxptime"
)

// ProcessingError mirrors Module::ProcessingError: a recoverable failure
// that the caller should surface as an execution_error rather than crash
// on.
type ProcessingError struct {
	msg string
}

func (e *ProcessingError) Error() string { return e.msg }

// NewProcessingError builds a ProcessingError.
func NewProcessingError(format string, args ...interface{}) error {
	return &ProcessingError{msg: fmt.Sprintf(format, args...)}
}

// Cache manages <cacheRoot>/<sha256>/<filename> entries.
type Cache struct {
	root string
	mu   sync.Mutex
}

// New returns a Cache rooted at cacheRoot.
func New(cacheRoot string) *Cache {
	return &Cache{root: cacheRoot}
}

// CreateCacheDir creates (idempotently) <cacheRoot>/<sha256> and bumps its
// mtime to now, which doubles as an LRU signal for the purge sweep.
func (c *Cache) CreateCacheDir(sha256Hex string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.root, sha256Hex)
	if err := os.MkdirAll(dir, 0755); err != nil {
		if os.IsNotExist(err) {
			return "", NewProcessingError("No such file or directory: %s", dir)
		}
		return "", NewProcessingError("Failed to create cache dir to download file to: %s", err)
	}
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		return "", NewProcessingError("Failed to create cache dir to download file to: %s", err)
	}
	return dir, nil
}

// URISpec describes where to fetch a cacheable file from: a relative path
// appended to each candidate master URI, and the filename to store it
// under once downloaded.
type URISpec struct {
	Path     string
	Filename string
}

// HTTPClient is the subset of *http.Client the cache needs, to keep
// tests able to substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GetCachedFile returns the path to the expected cached file, downloading
// it from the first reachable master URI if it is not already present.
// The downloaded content's sha256 is verified against expectedSHA256
// before the file is committed into place.
func (c *Cache) GetCachedFile(
	ctx context.Context,
	masterURIs []string,
	client HTTPClient,
	expectedSHA256 string,
	spec URISpec,
) (string, error) {
	dir, err := c.CreateCacheDir(expectedSHA256)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, spec.Filename)
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		return dest, nil
	}

	return dest, c.downloadAndVerify(ctx, masterURIs, client, spec, dest, expectedSHA256)
}

// DownloadFileFromMaster always fetches, regardless of whether a file is
// already present at destination — used by the file/download_file
// action, whose entire job is fetching fresh content. expectedSHA256 may
// be empty when the caller declares no checksum for this file.
func (c *Cache) DownloadFileFromMaster(
	ctx context.Context,
	masterURIs []string,
	client HTTPClient,
	spec URISpec,
	destination string,
	expectedSHA256 string,
) error {
	return c.downloadAndVerify(ctx, masterURIs, client, spec, destination, expectedSHA256)
}

func (c *Cache) downloadAndVerify(
	ctx context.Context,
	masterURIs []string,
	client HTTPClient,
	spec URISpec,
	destination string,
	expectedSHA256 string,
) error {
	var lastErr error
	for _, base := range masterURIs {
		url := base + spec.Path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("download %s: status %d", url, resp.StatusCode)
			continue
		}

		tmp, err := os.CreateTemp(filepath.Dir(destination), ".download-*")
		if err != nil {
			resp.Body.Close()
			return NewProcessingError("failed to create temp file: %s", err)
		}
		hasher := sha256.New()
		_, copyErr := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
		resp.Body.Close()
		if copyErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			lastErr = copyErr
			continue
		}
		tmp.Close()

		if expectedSHA256 != "" {
			got := hex.EncodeToString(hasher.Sum(nil))
			if got != expectedSHA256 {
				os.Remove(tmp.Name())
				return NewProcessingError("sha256 mismatch for %s: expected %s, got %s", url, expectedSHA256, got)
			}
		}

		if err := os.Chmod(tmp.Name(), 0750); err != nil {
			os.Remove(tmp.Name())
			return NewProcessingError("failed to set permissions on downloaded file: %s", err)
		}
		if err := os.Rename(tmp.Name(), destination); err != nil {
			os.Remove(tmp.Name())
			return NewProcessingError("failed to move downloaded file into place: %s", err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no master_uris configured")
	}
	return NewProcessingError("failed to download %s from any master: %s", spec.Filename, lastErr)
}

// PurgeCallback is invoked (under the cache's lock) for each directory
// eligible for removal; it is responsible for actually deleting it.
type PurgeCallback func(dirPath string) error

// PurgeCache walks the top-level subdirectories of the cache and removes
// any whose mtime is older than now-ttl. A removal failure is logged by
// the caller via the returned per-directory errors slice but does not
// abort the sweep; the returned count is the number successfully removed.
func (c *Cache) PurgeCache(ttl string, ongoingTransactions map[string]bool, callback PurgeCallback) (int, []error) {
	ts, err := pxptime.New(ttl)
	if err != nil {
		return 0, []error{err}
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []error{err}
	}

	var purged int
	var errs []error
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if ongoingTransactions[ent.Name()] {
			continue
		}
		dirPath := filepath.Join(c.root, ent.Name())

		c.mu.Lock()
		info, statErr := os.Stat(dirPath)
		if statErr != nil {
			c.mu.Unlock()
			errs = append(errs, statErr)
			continue
		}
		if !ts.IsNewerThanTime(info.ModTime()) {
			c.mu.Unlock()
			continue
		}
		cbErr := callback(dirPath)
		c.mu.Unlock()

		if cbErr != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", dirPath, cbErr))
			continue
		}
		purged++
	}
	return purged, errs
}
