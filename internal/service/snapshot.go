package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SnapshotFetcher downloads the detection snapshot Frigate keeps for an event.
type SnapshotFetcher struct {
	baseURL string
	dir     string
	http    *http.Client
}

func NewSnapshotFetcher(baseURL, dir string, timeout time.Duration) *SnapshotFetcher {
	return &SnapshotFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		dir:     dir,
		http:    &http.Client{Timeout: timeout},
	}
}

// Fetch stores the snapshot as {dir}/{eventID}.jpg and returns its path.
func (f *SnapshotFetcher) Fetch(ctx context.Context, eventID string) (string, error) {
	if eventID == "" || eventID != filepath.Base(eventID) || strings.HasPrefix(eventID, ".") {
		return "", fmt.Errorf("%w: bad event id %q", ErrInvalidInput, eventID)
	}

	endpoint := fmt.Sprintf("%s/api/events/%s/snapshot.jpg", f.baseURL, url.PathEscape(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("snapshot HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, eventID+".jpg")
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.LimitReader(resp.Body, 16<<20)); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
