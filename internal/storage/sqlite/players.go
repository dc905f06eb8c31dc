package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// GetPlayer returns the player with id.
func (s *Store) GetPlayer(ctx context.Context, id string) (storage.Player, error) {
	if err := s.check(); err != nil {
		return storage.Player{}, err
	}
	return queryOne[storage.Player](ctx, s.db, `SELECT data FROM players WHERE id = ?`, id)
}

// CreatePlayer inserts p.
func (s *Store) CreatePlayer(ctx context.Context, p storage.Player) error {
	if err := s.check(); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		return s.insertPlayer(ctx, tx, p)
	})
}

func (s *Store) insertPlayer(ctx context.Context, tx dbtx, p storage.Player) error {
	taken, err := exists(ctx, tx, `SELECT COUNT(*) FROM players WHERE id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("checking player: %w", err)
	}
	if taken {
		return storage.ErrPlayerConflict
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = s.nowMs()
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Inventory.Items == nil {
		p.Inventory.Items = map[string]int{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding player: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO players (id, data) VALUES (?, ?)`, p.ID, string(data)); err != nil {
		return fmt.Errorf("inserting player: %w", err)
	}
	return nil
}

func (s *Store) patchPlayer(ctx context.Context, tx dbtx, id string, patch storage.PlayerPatch) (storage.Player, error) {
	p, err := queryOne[storage.Player](ctx, tx, `SELECT data FROM players WHERE id = ?`, id)
	if err != nil {
		return storage.Player{}, err
	}
	patch.Apply(&p, s.nowMs())
	data, err := json.Marshal(p)
	if err != nil {
		return storage.Player{}, fmt.Errorf("encoding player: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE players SET data = ? WHERE id = ?`, string(data), id); err != nil {
		return storage.Player{}, fmt.Errorf("updating player: %w", err)
	}
	return p, nil
}

// UpdatePlayer merges patch into the stored player and returns the result.
func (s *Store) UpdatePlayer(ctx context.Context, id string, patch storage.PlayerPatch) (storage.Player, error) {
	if err := s.check(); err != nil {
		return storage.Player{}, err
	}
	var out storage.Player
	err := withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		p, err := s.patchPlayer(ctx, tx, id, patch)
		out = p
		return err
	})
	return out, err
}

// UpdatePlayers applies every patch in one transaction.
func (s *Store) UpdatePlayers(ctx context.Context, patches map[string]storage.PlayerPatch) (map[string]storage.Player, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]storage.Player, len(patches))
	err := withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		for _, id := range slices.Sorted(maps.Keys(patches)) {
			p, err := s.patchPlayer(ctx, tx, id, patches[id])
			if err != nil {
				return err
			}
			out[id] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePlayer removes the player with id.
func (s *Store) DeletePlayer(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM players WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetAllPlayers returns every player ordered by id.
func (s *Store) GetAllPlayers(ctx context.Context) ([]storage.Player, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Player](ctx, s.db, `SELECT data FROM players ORDER BY id`)
}

// GetPlayerCount returns the number of players.
func (s *Store) GetPlayerCount(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players`).Scan(&n)
	return n, err
}
