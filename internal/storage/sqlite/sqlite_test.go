package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/storagetest"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "hw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, newTestStore)
}

func TestInMemoryDatabase(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateUser(context.Background(), storagetest.User("alice", "p1", "")))
	n, err := s.GetUserCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hw.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, storagetest.User("alice", "p1", "a@x"), storagetest.Player("p1", "alice")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	u, err := s.GetUserByEmail(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, "p1", u.ID)
	p, err := s.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
}

func TestCreateUserRollsBackOnQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE username_key = \?`).
		WithArgs("alice").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	s := New(db)
	err = s.CreateUser(context.Background(), storagetest.User("alice", "p1", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePlayerRollsBackOnWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM players WHERE id = \?`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(`{"id":"p1","username":"alice","inventory":{"items":{}}}`))
	mock.ExpectExec(`UPDATE players SET data = \? WHERE id = \?`).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	lvl := 3
	s := New(db)
	_, err = s.UpdatePlayer(context.Background(), "p1", storage.PlayerPatch{Level: &lvl})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}
