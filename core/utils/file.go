package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"audioingest/apperr"
)

// DownloadFile GETs url into path. A 404 maps to apperr.ErrObjectNotFound;
// every other failure is transient.
func DownloadFile(ctx context.Context, client *http.Client, url, path string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %v: %w", err, apperr.ErrTransientProvider)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %v: %w", err, apperr.ErrTransientProvider)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("download returned %d: %w", resp.StatusCode, apperr.ErrObjectNotFound)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("download returned %d: %w", resp.StatusCode, apperr.ErrTransientProvider)
	}
	return SaveFile(resp.Body, path)
}

// SaveFile copies r into a new file at path.
func SaveFile(r io.Reader, path string) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("save %s: %v: %w", path, err, apperr.ErrTransientProvider)
	}
	return n, nil
}
