package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// IsRemoteSource reports whether source must be fetched over HTTP.
func IsRemoteSource(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fetcher downloads remote playback sources to a local cache directory.
type Fetcher struct {
	client *resty.Client
	dir    string
}

// NewFetcher creates a fetcher writing into dir (the system temp dir when empty).
func NewFetcher(dir string, timeout time.Duration) *Fetcher {
	if dir == "" {
		dir = os.TempDir()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &Fetcher{client: client, dir: dir}
}

// Fetch downloads url with the given request headers and returns the local path.
func (f *Fetcher) Fetch(ctx context.Context, url string, headers map[string]string) (string, error) {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	path := filepath.Join(f.dir, "audiobridge-"+uuid.NewString()+".wav")

	slog.Debug("Fetching remote source", "url", url, "path", path)
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetOutput(path).
		Get(url)
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.IsError() {
		os.Remove(path)
		return "", fmt.Errorf("failed to fetch %s: HTTP %d", url, resp.StatusCode())
	}
	return path, nil
}
