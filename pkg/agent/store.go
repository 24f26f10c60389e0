package agent

import (
	"context"
	"fmt"

	"sentinel/pkg/kvstore"
	"sentinel/pkg/trigger"
	"sentinel/shared/config"
)

// OpenStore opens the configured backend. The redis backend also returns a
// shared cooldown so several agents on one host dedupe together; other
// backends return a nil cooldown.
func OpenStore(ctx context.Context, cfg config.Store) (kvstore.Store, trigger.Cooldown, error) {
	switch cfg.Backend {
	case "", "memory":
		return kvstore.NewMemoryStore(), nil, nil
	case "redis":
		rs, err := kvstore.NewRedisStore(ctx, kvstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "sentinel:",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return rs, trigger.NewRedisCooldown(rs.Client(), "sentinel:"+kvstore.KeyCooldownPrefix, trigger.DefaultCooldown), nil
	case "postgres":
		ps, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return ps, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// OpenPostgres opens the Postgres store and applies pending migrations.
func OpenPostgres(ctx context.Context, cfg config.Store) (*kvstore.PostgresStore, error) {
	ps, err := kvstore.OpenPostgres(ctx, kvstore.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	mg, err := kvstore.NewMigrator(ps.DB(), cfg.PostgresDB)
	if err != nil {
		ps.Close()
		return nil, err
	}
	if err := mg.Up(); err != nil {
		ps.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return ps, nil
}
