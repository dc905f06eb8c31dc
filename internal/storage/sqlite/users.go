package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// GetUser returns the user whose username key matches username.
func (s *Store) GetUser(ctx context.Context, username string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	return queryOne[storage.User](ctx, s.db, `SELECT data FROM users WHERE username_key = ?`, storage.UsernameKey(username))
}

// GetUserByEmail returns the user bound to email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	key := storage.EmailKey(email)
	if key == "" {
		return storage.User{}, storage.ErrNotFound
	}
	return queryOne[storage.User](ctx, s.db, `SELECT data FROM users WHERE email = ?`, key)
}

// GetUserByPlayerID returns the user that owns playerID.
func (s *Store) GetUserByPlayerID(ctx context.Context, playerID string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	return queryOne[storage.User](ctx, s.db, `SELECT data FROM users WHERE player_id = ?`, playerID)
}

// CreateUser inserts u.
//
// Postcondition: Returns storage.ErrUsernameConflict or storage.ErrEmailConflict on collision.
func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	if err := s.check(); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		return s.insertUser(ctx, tx, u)
	})
}

func (s *Store) insertUser(ctx context.Context, tx dbtx, u storage.User) error {
	u.Email = storage.EmailKey(u.Email)
	if u.CreatedAt == 0 {
		u.CreatedAt = s.nowMs()
	}
	if u.UpdatedAt == 0 {
		u.UpdatedAt = u.CreatedAt
	}

	taken, err := exists(ctx, tx, `SELECT COUNT(*) FROM users WHERE username_key = ?`, u.Key())
	if err != nil {
		return fmt.Errorf("checking username: %w", err)
	}
	if taken {
		return storage.ErrUsernameConflict
	}
	if u.Email != "" {
		taken, err := exists(ctx, tx, `SELECT COUNT(*) FROM users WHERE email = ?`, u.Email)
		if err != nil {
			return fmt.Errorf("checking email: %w", err)
		}
		if taken {
			return storage.ErrEmailConflict
		}
	}

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (username_key, player_id, email, data) VALUES (?, ?, ?, ?)`,
		u.Key(), u.ID, nullable(u.Email), string(data),
	); err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// UpdateUser merges patch into the stored user and returns the result.
func (s *Store) UpdateUser(ctx context.Context, username string, patch storage.UserPatch) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	key := storage.UsernameKey(username)
	var out storage.User
	err := withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		u, err := queryOne[storage.User](ctx, tx, `SELECT data FROM users WHERE username_key = ?`, key)
		if err != nil {
			return err
		}
		before := u.Email
		patch.Apply(&u, s.nowMs())
		if u.Email != before && u.Email != "" {
			taken, err := exists(ctx, tx, `SELECT COUNT(*) FROM users WHERE email = ? AND username_key <> ?`, u.Email, key)
			if err != nil {
				return fmt.Errorf("checking email: %w", err)
			}
			if taken {
				return storage.ErrEmailConflict
			}
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET email = ?, data = ? WHERE username_key = ?`,
			nullable(u.Email), string(data), key,
		); err != nil {
			return fmt.Errorf("updating user: %w", err)
		}
		out = u
		return nil
	})
	return out, err
}

// DeleteUser removes the user keyed by username.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username_key = ?`, storage.UsernameKey(username))
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetAllUsers returns every user ordered by username key.
func (s *Store) GetAllUsers(ctx context.Context) ([]storage.User, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.User](ctx, s.db, `SELECT data FROM users ORDER BY username_key`)
}

// GetUserCount returns the number of users.
func (s *Store) GetUserCount(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// CreateAccount inserts u and p in one transaction.
func (s *Store) CreateAccount(ctx context.Context, u storage.User, p storage.Player) error {
	if err := s.check(); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		if err := s.insertUser(ctx, tx, u); err != nil {
			return err
		}
		return s.insertPlayer(ctx, tx, p)
	})
}
