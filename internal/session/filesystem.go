package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/afero"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

const manifestName = ".session.json"

// FilesystemStore lays sessions out as <root>/<id>/<label>/<filename>, the
// same tree the export archive reproduces.
type FilesystemStore struct {
	fs    afero.Fs
	root  string
	ttl   time.Duration
	now   func() time.Time
	locks keyedMutex
}

// NewFilesystemStore creates root if needed. A zero ttl disables expiry.
func NewFilesystemStore(fs afero.Fs, root string, ttl time.Duration) (*FilesystemStore, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", root, err)
	}
	return &FilesystemStore{fs: fs, root: root, ttl: ttl, now: time.Now}, nil
}

func (*FilesystemStore) Mode() string  { return "filesystem" }
func (*FilesystemStore) Enabled() bool { return true }

func (s *FilesystemStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FilesystemStore) Create(context.Context) (string, error) {
	id := NewID()
	if err := s.fs.MkdirAll(s.dir(id), 0o755); err != nil {
		return "", apperr.New(apperr.KindInternal, "session.Create", err)
	}
	if err := s.writeManifest(id, &manifest{CreatedAt: s.now().UTC()}); err != nil {
		_ = s.fs.RemoveAll(s.dir(id))
		return "", apperr.New(apperr.KindInternal, "session.Create", err)
	}
	return id, nil
}

func (s *FilesystemStore) Append(_ context.Context, id string, label labels.Label, filename string, data []byte) (string, error) {
	const op = "session.Append"
	if !ValidID(id) {
		return "", notFound(op, id)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.readManifest(op, id)
	if err != nil {
		return "", err
	}

	name := uniqueName(SanitizeFilename(filename), m.taken(label))
	labelDir := filepath.Join(s.dir(id), label.String())
	if err := s.fs.MkdirAll(labelDir, 0o755); err != nil {
		return "", apperr.New(apperr.KindInternal, op, err)
	}
	if err := s.writeAtomic(filepath.Join(labelDir, name), data); err != nil {
		return "", apperr.New(apperr.KindInternal, op, err)
	}

	m.Files = append(m.Files, fileRef{Label: label, Name: name})
	if err := s.writeManifest(id, m); err != nil {
		_ = s.fs.Remove(filepath.Join(labelDir, name))
		return "", apperr.New(apperr.KindInternal, op, err)
	}
	return name, nil
}

func (s *FilesystemStore) Get(_ context.Context, id string) (*Session, error) {
	const op = "session.Get"
	if !ValidID(id) {
		return nil, notFound(op, id)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.readManifest(op, id)
	if err != nil {
		return nil, err
	}

	out := &Session{ID: id, CreatedAt: m.CreatedAt, Files: make(map[labels.Label][]File)}
	for _, ref := range m.Files {
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir(id), ref.Label.String(), ref.Name))
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, op, err)
		}
		out.Files[ref.Label] = append(out.Files[ref.Label], File{Name: ref.Name, Data: data})
	}
	return out, nil
}

func (s *FilesystemStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.fs.RemoveAll(s.dir(id)); err != nil {
		return apperr.New(apperr.KindInternal, "session.Delete", err)
	}
	return nil
}

func (s *FilesystemStore) List(context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "session.List", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		if _, err := s.readManifest("session.List", e.Name()); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	slices.Sort(ids)
	return ids, nil
}

func (*FilesystemStore) Close() error { return nil }

// readManifest loads the manifest, treating a missing or expired session as
// not found. Expired sessions are removed on the way out.
func (s *FilesystemStore) readManifest(op, id string) (*manifest, error) {
	raw, err := afero.ReadFile(s.fs, filepath.Join(s.dir(id), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}

	m, err := decodeManifest(op, raw)
	if err != nil {
		return nil, err
	}
	if expired(m.CreatedAt, s.ttl, s.now()) {
		_ = s.fs.RemoveAll(s.dir(id))
		return nil, notFound(op, id)
	}
	return m, nil
}

func (s *FilesystemStore) writeManifest(id string, m *manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.writeAtomic(filepath.Join(s.dir(id), manifestName), raw)
}

// writeAtomic writes to a hidden temp file beside dest and renames it over
// dest, so readers see either the old content or the new content.
func (s *FilesystemStore) writeAtomic(dest string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, dest); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}
