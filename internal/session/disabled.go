package session

import (
	"context"

	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

// DisabledStore is used where the platform offers no writable storage.
// Every operation fails with a storage-unavailable error, except that an id
// which could never have been issued is reported as not found.
type DisabledStore struct{}

func NewDisabledStore() *DisabledStore {
	return &DisabledStore{}
}

func (*DisabledStore) Mode() string  { return "disabled" }
func (*DisabledStore) Enabled() bool { return false }

func (*DisabledStore) Create(context.Context) (string, error) {
	return "", unavailable("session.Create")
}

func (*DisabledStore) Append(context.Context, string, labels.Label, string, []byte) (string, error) {
	return "", unavailable("session.Append")
}

func (*DisabledStore) Get(_ context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, notFound("session.Get", id)
	}
	return nil, unavailable("session.Get")
}

func (*DisabledStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	return unavailable("session.Delete")
}

func (*DisabledStore) List(context.Context) ([]string, error) {
	return nil, unavailable("session.List")
}

func (*DisabledStore) Close() error { return nil }
