package storage

import (
	"context"
	"errors"
	"strings"

	logx "groupcast/pkg/logx"
)

// Store is the persistence API used by the directory cache.
type Store interface {
	PutSnapshot(ctx context.Context, s Snapshot) error
	// GetSnapshot returns ok=false for missing or expired keys.
	GetSnapshot(ctx context.Context, key string) (s Snapshot, ok bool, err error)
	DeleteSnapshot(ctx context.Context, key string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
