package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

const badgerPrefix = "session/"

// BadgerStore keeps sessions in an embedded badger database. Keys are
// session/<id> for the manifest and session/<id>/<label>/<name> for image
// data; every entry of a session shares the session's expiry.
type BadgerStore struct {
	db    *badger.DB
	ttl   time.Duration
	now   func() time.Time
	locks keyedMutex
}

// OpenBadgerStore opens (or creates) the database in dir. An empty dir runs
// badger in memory.
func OpenBadgerStore(dir string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (*BadgerStore) Mode() string  { return "badger" }
func (*BadgerStore) Enabled() bool { return true }

func manifestKey(id string) []byte {
	return []byte(badgerPrefix + id)
}

func fileKey(id string, label labels.Label, name string) []byte {
	return []byte(badgerPrefix + id + "/" + label.String() + "/" + name)
}

func (s *BadgerStore) entry(key, value []byte, createdAt time.Time) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.ttl > 0 {
		e.ExpiresAt = uint64(createdAt.Add(s.ttl).Unix())
	}
	return e
}

func (s *BadgerStore) Create(context.Context) (string, error) {
	id := NewID()
	m := manifest{CreatedAt: s.now().UTC()}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "session.Create", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(manifestKey(id), raw, m.CreatedAt))
	})
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "session.Create", err)
	}
	return id, nil
}

func (s *BadgerStore) readManifest(txn *badger.Txn, op, id string) (*manifest, error) {
	item, err := txn.Get(manifestKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	m, err := decodeManifest(op, raw)
	if err != nil {
		return nil, err
	}
	if expired(m.CreatedAt, s.ttl, s.now()) {
		return nil, notFound(op, id)
	}
	return m, nil
}

// Append writes the image and the updated manifest in one transaction.
func (s *BadgerStore) Append(_ context.Context, id string, label labels.Label, filename string, data []byte) (string, error) {
	const op = "session.Append"
	if !ValidID(id) {
		return "", notFound(op, id)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var name string
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := s.readManifest(txn, op, id)
		if err != nil {
			return err
		}
		name = uniqueName(SanitizeFilename(filename), m.taken(label))
		m.Files = append(m.Files, fileRef{Label: label, Name: name})

		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := txn.SetEntry(s.entry(fileKey(id, label, name), data, m.CreatedAt)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(manifestKey(id), raw, m.CreatedAt))
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return "", err
		}
		return "", apperr.New(apperr.KindInternal, op, err)
	}
	return name, nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Session, error) {
	const op = "session.Get"
	if !ValidID(id) {
		return nil, notFound(op, id)
	}

	var out *Session
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readManifest(txn, op, id)
		if err != nil {
			return err
		}
		out = &Session{ID: id, CreatedAt: m.CreatedAt, Files: make(map[labels.Label][]File)}
		for _, ref := range m.Files {
			item, err := txn.Get(fileKey(id, ref.Label, ref.Name))
			if err != nil {
				return apperr.New(apperr.KindInternal, op, fmt.Errorf("%s/%s: %w", ref.Label, ref.Name, err))
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return apperr.New(apperr.KindInternal, op, err)
			}
			out.Files[ref.Label] = append(out.Files[ref.Label], File{Name: ref.Name, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.db.DropPrefix(manifestKey(id)); err != nil {
		return apperr.New(apperr.KindInternal, "session.Delete", err)
	}
	return nil
}

func (s *BadgerStore) List(context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), badgerPrefix)
			if strings.Contains(id, "/") {
				continue
			}
			if _, err := s.readManifest(txn, "session.List", id); err == nil {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "session.List", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
