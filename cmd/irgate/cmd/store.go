package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/session"
	bboltstorage "github.com/irbridge/irgate/storage/bbolt"
	"github.com/irbridge/irgate/storage/memory"
	"github.com/irbridge/irgate/storage/postgres"
	"github.com/irbridge/irgate/storage/redis"
)

const storeSweepInterval = 10 * time.Minute

// openSessionStore builds the session store named by SESSION_STORE. The
// returned func releases whatever the store holds open.
func openSessionStore(ctx context.Context, cfg *config.Config, codec *session.Codec, lifetime session.Lifetime, cookies session.CookieOptions, logger *slog.Logger) (session.Store, func(), error) {
	switch cfg.Session.Store {
	case config.StoreMemory:
		repo := memory.NewRepository()
		go repo.RunSweeper(ctx, storeSweepInterval)
		return session.NewRepositoryStore(codec, repo, lifetime, cookies), func() {}, nil

	case config.StoreBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Session.BboltPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Session.BboltPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		go sweepLoop(ctx, logger, config.StoreBbolt, func(context.Context) (int64, error) {
			n, err := repo.Sweep()
			return int64(n), err
		})
		return session.NewRepositoryStore(codec, repo, lifetime, cookies), func() {
			if err := repo.Close(); err != nil {
				logger.Warn("closing session storage", "store", config.StoreBbolt, "error", err)
			}
		}, nil

	case config.StorePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Session.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		go sweepLoop(ctx, logger, config.StorePostgres, repo.Sweep)
		return session.NewRepositoryStore(codec, repo, lifetime, cookies), repo.Close, nil

	case config.StoreRedis:
		repo, err := redis.NewRepositoryFromAddr(ctx, cfg.Session.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		// Redis expires keys natively.
		return session.NewRepositoryStore(codec, repo, lifetime, cookies), func() {
			if err := repo.Close(); err != nil {
				logger.Warn("closing session storage", "store", config.StoreRedis, "error", err)
			}
		}, nil
	}
	return session.NewCookieStore(codec, lifetime, cookies), func() {}, nil
}

func sweepLoop(ctx context.Context, logger *slog.Logger, name string, sweep func(context.Context) (int64, error)) {
	ticker := time.NewTicker(storeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				logger.Warn("sweeping expired sessions", "store", name, "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired sessions", "store", name, "removed", n)
			}
		}
	}
}
