package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/spf13/afero"
)

// EnsureFile downloads url to dest unless dest already exists. Serverless
// instances start without the model on disk and fetch it on their first load.
// The body is written to a temporary file and renamed so a partial download
// is never mistaken for the model.
func EnsureFile(ctx context.Context, fs afero.Fs, client *http.Client, url, dest string) error {
	if ok, err := afero.Exists(fs, dest); err != nil {
		return fmt.Errorf("failed to stat %s: %w", dest, err)
	} else if ok {
		return nil
	}
	if url == "" {
		return fmt.Errorf("model file %s not found and no download url configured", dest)
	}

	dir := filepath.Dir(dest)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: unexpected status %s", resp.Status)
	}

	tmp, err := afero.TempFile(fs, dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to write model: %w", err)
	}

	if err := fs.Rename(tmpName, dest); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	return nil
}
