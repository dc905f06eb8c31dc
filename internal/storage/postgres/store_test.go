package postgres_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/postgres"
	"github.com/cory-johannsen/highwizardry/internal/storage/storagetest"
	"github.com/cory-johannsen/highwizardry/internal/testutil"
)

func TestConformance(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return pc.FreshStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)

	res, err := postgres.Migrate(pc.DSN(), postgres.DirectionUp, 0)
	require.NoError(t, err)
	require.True(t, res.NoChange)
	require.Equal(t, uint(1), res.Version)
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	cfg := config.Default().Storage.Postgres
	_, err := postgres.Migrate(cfg.DSN(), "sideways", 0)
	require.Error(t, err)
}
