package session

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Brownie44l1/cifar-sorter/internal/config"
)

// Open builds the store selected by cfg.Mode.
func Open(cfg config.StorageConfig) (Store, error) {
	if !cfg.PersistenceEnabled() {
		return NewDisabledStore(), nil
	}
	switch cfg.Mode {
	case config.StorageMemory:
		return NewMemoryStore(cfg.TTL), nil
	case config.StorageFilesystem:
		return NewFilesystemStore(afero.NewOsFs(), cfg.Dir, cfg.TTL)
	case config.StorageBadger:
		return OpenBadgerStore(filepath.Join(cfg.Dir, "badger"), cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}
}
