// Package session keeps classified images grouped by label until they are
// exported.
//
// Sessions live on the instance that created them. Behind a load balancer a
// session created on one replica is not visible on another, and an instance
// teardown drops whatever the backend does not persist.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

// File is one stored image.
type File struct {
	Name string
	Data []byte
}

// Session is a snapshot of the images stored under one id, grouped by label.
// Files within a label keep the order they were appended in.
type Session struct {
	ID        string
	CreatedAt time.Time
	Files     map[labels.Label][]File
}

// Count is the number of stored files.
func (s *Session) Count() int {
	n := 0
	for _, files := range s.Files {
		n += len(files)
	}
	return n
}

// Store persists sessions.
type Store interface {
	// Mode names the backend.
	Mode() string
	// Enabled is false when the deployment has no storage at all.
	Enabled() bool
	Create(ctx context.Context) (string, error)
	// Append stores data under label and returns the name it was stored as,
	// which differs from filename when the label already holds that name.
	Append(ctx context.Context, id string, label labels.Label, filename string, data []byte) (string, error)
	Get(ctx context.Context, id string) (*Session, error)
	// Delete removes the session; deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id could have been issued by NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && strings.ToLower(id) == id && len(id) == 36
}

func notFound(op, id string) error {
	return apperr.Newf(apperr.KindNotFound, op, "session %q not found", id)
}

func unavailable(op string) error {
	return apperr.New(apperr.KindStorageUnavailable, op, fmt.Errorf("session storage is disabled in this deployment"))
}

// SanitizeFilename reduces an uploaded name to a single safe path element.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "image"
	}
	return name
}

// uniqueName returns name, or name_N.ext for the smallest N not yet taken.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// manifest records a session's files in append order. Backends that store
// files outside memory write it last, so a file only belongs to a session
// once the manifest names it.
type manifest struct {
	CreatedAt time.Time `json:"created_at"`
	Files     []fileRef `json:"files"`
}

type fileRef struct {
	Label labels.Label `json:"label"`
	Name  string       `json:"name"`
}

// decodeManifest parses a stored manifest. A label outside the closed set
// marks the manifest corrupt since it would name a directory or key no
// writer produces.
func decodeManifest(op string, raw []byte) (*manifest, error) {
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.New(apperr.KindInternal, op, fmt.Errorf("corrupt manifest: %w", err))
	}
	for _, ref := range m.Files {
		if _, err := labels.Parse(ref.Label.String()); err != nil {
			return nil, apperr.New(apperr.KindInternal, op, fmt.Errorf("corrupt manifest: %w", err))
		}
	}
	return &m, nil
}

func (m *manifest) taken(label labels.Label) func(string) bool {
	return func(name string) bool {
		return slices.Contains(m.Files, fileRef{Label: label, Name: name})
	}
}

func expired(createdAt time.Time, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(createdAt) >= ttl
}

// keyedMutex serializes writers per session id so appends to different
// sessions never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
