// Package backend opens the storage adapter selected by configuration.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/jsonfile"
	"github.com/cory-johannsen/highwizardry/internal/storage/postgres"
	"github.com/cory-johannsen/highwizardry/internal/storage/sqlite"
)

// SQLiteFile is the database file name under the data directory.
const SQLiteFile = "highwizardry.db"

// Open returns the adapter named by cfg.Type with its schema up to date.
//
// Precondition: cfg must have passed config validation.
// Postcondition: Returns an open Store or a non-nil error.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Store, error) {
	start := time.Now()
	var (
		store storage.Store
		err   error
	)
	switch cfg.Type {
	case config.StorageJSON:
		store, err = jsonfile.Open(cfg.DataDir, logger, jsonfile.WithFlushDelay(cfg.FlushDelay()))
	case config.StorageSQLite:
		store, err = openSQLite(ctx, cfg.DataDir)
	case config.StoragePostgres:
		store, err = openPostgres(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("storage opened", zap.String("type", cfg.Type), zap.Duration("elapsed", time.Since(start)))
	return store, nil
}

func openSQLite(ctx context.Context, dataDir string) (storage.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return sqlite.Open(ctx, filepath.Join(dataDir, SQLiteFile))
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (storage.Store, error) {
	res, err := postgres.Migrate(cfg.DSN(), postgres.DirectionUp, 0)
	if err != nil {
		return nil, err
	}
	logger.Info("postgres schema ready", zap.Uint("version", res.Version), zap.Bool("changed", !res.NoChange))
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(pool), nil
}
