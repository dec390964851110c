package storage

import (
	"context"
	"fmt"
	"time"
)

// Settings selects and configures a Store backend
type Settings struct {
	Driver        string // memory, sqlite, etcd or postgres
	SQLitePath    string
	EtcdEndpoints []string
	EtcdTimeout   time.Duration
	PostgresDSN   string
}

// Open builds the Store named by settings.Driver
func Open(ctx context.Context, settings Settings) (Store, error) {
	switch settings.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(settings.SQLitePath)
	case "etcd":
		return NewEtcdStore(settings.EtcdEndpoints, settings.EtcdTimeout)
	case "postgres":
		return NewPostgresStore(ctx, settings.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", settings.Driver)
	}
}
