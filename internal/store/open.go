package store

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a backend.
type Config struct {
	Driver         string `mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath     string `mapstructure:"sqlite_path"`
	SQLitePoolSize int    `mapstructure:"sqlite_pool_size"`
	PostgresURL    string `mapstructure:"postgres_url"`
}

// Open constructs the configured backend and ensures its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		s = NewMemoryStore()
	case "", "sqlite":
		s, err = OpenSQLite(SQLiteConfig{Path: cfg.SQLitePath, PoolSize: cfg.SQLitePoolSize})
	case "postgres", "postgresql":
		s, err = OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
