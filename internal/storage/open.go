package storage

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/layered"
)

// Open builds the configured Storage backend. The returned closer is a no-op
// for the file backend.
func Open(cfg config.StorageConfig) (layered.Storage, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		store, err := NewFileStore(cfg.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case "sqlite":
		store, err := NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
