package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/config"
	"marijobs-go/internal/secrets"
	"marijobs-go/internal/storage"
)

// openStore connects to Postgres, migrates the schema and seals stored API
// keys when an encryption key is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	pg, err := storage.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, err
	}
	applied, err := pg.Migrate(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	logger.Info("database ready", zap.Int("migrations_applied", applied))

	box, err := secrets.NewBox(cfg.App.EncryptionKey)
	if err != nil {
		_ = pg.Close()
		return nil, errors.Wrap(err, "encryption key")
	}
	if !box.Enabled() {
		logger.Warn("ENCRYPTION_KEY not set, API keys are stored in plaintext")
	}
	return storage.NewSealedStore(pg, box, logger), nil
}

// cacheBackend is the pairing ledger, search lock and event publisher,
// backed by Redis when configured and by process memory otherwise.
type cacheBackend struct {
	ledger cache.Ledger
	locker cache.Locker
	events cache.Publisher
	client *redis.Client
}

func (c *cacheBackend) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cacheBackend, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("REDIS_URL not set, freshness ledger and search locks live in memory")
		return &cacheBackend{
			ledger: cache.NewMemoryLedger(),
			locker: cache.NewMemoryLocker(),
			events: cache.NopPublisher{},
		}, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	owner := cfg.Redis.LockOwner()
	locker := cache.NewRedisLocker(client, owner)
	released, err := locker.ReleaseOwned(ctx)
	if err != nil {
		logger.Warn("failed to clear stale search locks", zap.String("owner", owner), zap.Error(err))
	} else if released > 0 {
		logger.Info("cleared stale search locks", zap.String("owner", owner), zap.Int("locks", released))
	}
	return &cacheBackend{
		ledger: cache.NewRedisLedger(client),
		locker: locker,
		events: cache.NewRedisPublisher(client),
		client: client,
	}, nil
}

// openArchive returns the Supabase mirror, or nil when it is not configured.
func openArchive(cfg *config.Config, logger *zap.Logger) *storage.SupabaseArchive {
	if cfg.Database.SupabaseURL == "" || cfg.Database.SupabaseKey == "" {
		return nil
	}
	archive, err := storage.NewSupabaseArchive(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	if err != nil {
		logger.Warn("supabase archive disabled", zap.Error(err))
		return nil
	}
	logger.Info("mirroring admitted jobs to supabase")
	return archive
}
