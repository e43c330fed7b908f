package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

// MemoryStore keeps sessions in process memory. Expiry is checked on access;
// no janitor goroutine is started.
type MemoryStore struct {
	cache *cache.Cache
	now   func() time.Time
}

type memSession struct {
	mu        sync.Mutex
	createdAt time.Time
	files     []memFile
	// deleted is set under mu once the session leaves the cache.
	deleted bool
}

type memFile struct {
	ref  fileRef
	data []byte
}

// NewMemoryStore returns a store whose sessions expire ttl after creation.
// A zero ttl keeps them until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &MemoryStore{
		cache: cache.New(ttl, 0),
		now:   time.Now,
	}
}

func (*MemoryStore) Mode() string  { return "memory" }
func (*MemoryStore) Enabled() bool { return true }

func (s *MemoryStore) Create(context.Context) (string, error) {
	id := NewID()
	s.cache.Set(id, &memSession{createdAt: s.now()}, cache.DefaultExpiration)
	return id, nil
}

func (s *MemoryStore) lookup(op, id string) (*memSession, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, notFound(op, id)
	}
	return v.(*memSession), nil
}

func (s *MemoryStore) Append(_ context.Context, id string, label labels.Label, filename string, data []byte) (string, error) {
	sess, err := s.lookup("session.Append", id)
	if err != nil {
		return "", err
	}
	return sess.append(id, label, filename, data)
}

func (sess *memSession) append(id string, label labels.Label, filename string, data []byte) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.deleted {
		return "", notFound("session.Append", id)
	}

	name := uniqueName(SanitizeFilename(filename), func(n string) bool {
		return slices.ContainsFunc(sess.files, func(f memFile) bool {
			return f.ref == fileRef{Label: label, Name: n}
		})
	})
	sess.files = append(sess.files, memFile{
		ref:  fileRef{Label: label, Name: name},
		data: slices.Clone(data),
	})
	return name, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	sess, err := s.lookup("session.Get", id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := &Session{ID: id, CreatedAt: sess.createdAt, Files: make(map[labels.Label][]File)}
	for _, f := range sess.files {
		out.Files[f.ref.Label] = append(out.Files[f.ref.Label], File{Name: f.ref.Name, Data: f.data})
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	v, ok := s.cache.Get(id)
	if !ok {
		// Drops an expired entry go-cache still holds.
		s.cache.Delete(id)
		return nil
	}
	sess := v.(*memSession)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.deleted = true
	s.cache.Delete(id)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]string, error) {
	items := s.cache.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
