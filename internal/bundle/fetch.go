package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Fetcher downloads bundle artifacts from a base location: a local
// directory, an http(s) URL prefix, or a gs://bucket/prefix.
type Fetcher struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewFetcher builds a fetcher rooted at base.
func NewFetcher(base string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
	}
}

// FetchBundle downloads the manifest named rel under the base location,
// then every artifact it lists, into destDir, and verifies checksums.
func (f *Fetcher) FetchBundle(ctx context.Context, rel, destDir string) (*Manifest, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	manifestPath := filepath.Join(destDir, filepath.Base(rel))
	if err := f.Fetch(ctx, rel, manifestPath); err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	for _, key := range manifest.Keys() {
		art := manifest.Artifacts[key]
		dest := filepath.Join(destDir, art.Path)
		if err := f.Fetch(ctx, art.Path, dest); err != nil {
			return nil, fmt.Errorf("failed to fetch artifact %q: %w", key, err)
		}
	}

	if err := manifest.Verify(destDir); err != nil {
		return nil, err
	}
	f.logger.Info("bundle fetched", "bundle", manifest.Name, "dir", destDir,
		"artifacts", len(manifest.Artifacts))
	return manifest, nil
}

// Fetch downloads one file addressed relative to the base location.
func (f *Fetcher) Fetch(ctx context.Context, rel, dest string) error {
	src := f.base + "/" + strings.TrimLeft(rel, "/")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	startedAt := time.Now()
	var (
		n   int64
		err error
	)
	switch {
	case strings.HasPrefix(src, "gs://"):
		n, err = f.fetchGCS(ctx, src, dest)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		n, err = f.fetchHTTP(ctx, src, dest)
	default:
		n, err = copyFile(src, dest)
	}
	if err != nil {
		return err
	}
	f.logger.Info("fetched artifact", "source", src, "destination", dest,
		"bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request for %s: %w", src, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch %s: status %s", src, resp.Status)
	}
	return writeToFile(resp.Body, dest)
}

func (f *Fetcher) fetchGCS(ctx context.Context, src, dest string) (int64, error) {
	u, err := url.Parse(src)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", src, err)
	}
	bucket := u.Host
	object := strings.TrimLeft(u.Path, "/")

	client, err := storage.NewClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()
	return writeToFile(r, dest)
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	return writeToFile(in, dest)
}

// writeToFile stages into a temp file and renames, so a failed download
// never leaves a truncated artifact at the destination.
func writeToFile(src io.Reader, dest string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return n, nil
}
