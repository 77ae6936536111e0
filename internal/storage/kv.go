// Package storage provides the key-value backends session state is
// persisted in: local files, memory, SQLite, MySQL and Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"shopassist/internal/config"
	"shopassist/internal/redis"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("storage: key not found")

// KV is the persistence port. Values are opaque bytes.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Backend is a KV that owns resources.
type Backend interface {
	KV
	io.Closer
}

// Open builds the backend selected by cfg.Storage.Driver.
func Open(cfg *config.Config) (Backend, error) {
	driver := strings.ToLower(cfg.Storage.Driver)
	switch driver {
	case "", "file":
		return NewFileKV(cfg.Storage.Dir)
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite", "sqlite3", "mysql":
		db, err := OpenDB(driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLKV(db, driver), nil
	case "redis":
		client, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		return NewRedisKV(client), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: empty key")
	}
	return nil
}
