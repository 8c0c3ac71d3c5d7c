// Package backend opens the Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/orderflow/internal/runtime/config"
	"github.com/drblury/orderflow/internal/store"
	"github.com/drblury/orderflow/internal/store/memory"
	"github.com/drblury/orderflow/internal/store/redisstore"
	"github.com/drblury/orderflow/internal/store/sqlstore"
)

// Open returns the backend named by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: config is required")
	}
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory", "":
		return memory.New(), nil
	case "postgres":
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.PostgresURL)
	case "mysql":
		return sqlstore.Open(ctx, sqlstore.MySQL, cfg.MySQLDSN)
	case "redis":
		return redisstore.Open(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.StoreBackend)
	}
}
