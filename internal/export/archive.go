// Package export packs a session's label-grouped images into a zip archive.
package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

// ContentType of the archives produced by Archiver.
const ContentType = "application/zip"

// Archiver reads sessions from a store and zips them.
type Archiver struct {
	store session.Store
	log   *zap.Logger
}

func NewArchiver(store session.Store, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{store: store, log: log}
}

// Filename is the download name offered for a session's archive.
func Filename(sessionID string) string {
	return fmt.Sprintf("classified_images_%s.zip", sessionID)
}

// BuildArchive zips the session as <label>/<filename>. Labels appear in model
// output order and files in append order; every entry carries the session's
// creation time, so an unchanged session always yields the same bytes.
func (a *Archiver) BuildArchive(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := apperr.FromContext(ctx, "export.BuildArchive"); err != nil {
		return nil, err
	}

	data, err := Write(sess)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "export.BuildArchive", err)
	}

	a.log.Info("archive built",
		zap.String("session_id", sessionID),
		zap.Int("files", sess.Count()),
		zap.Int("bytes", len(data)))
	return data, nil
}

// Write encodes sess as a zip archive.
func Write(sess *session.Session) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	modified := sess.CreatedAt.UTC()
	for _, label := range labels.All() {
		files := sess.Files[label]
		if len(files) == 0 {
			continue
		}
		for _, f := range files {
			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:     path.Join(label.String(), f.Name),
				Method:   zip.Deflate,
				Modified: modified,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to add %s/%s: %w", label, f.Name, err)
			}
			if _, err := w.Write(f.Data); err != nil {
				return nil, fmt.Errorf("failed to write %s/%s: %w", label, f.Name, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}
