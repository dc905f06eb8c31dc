package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// healthTimeout bounds HealthCheck pings.
const healthTimeout = 2 * time.Second

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool   *Pool
	now    func() time.Time
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps pool. The schema must already be migrated.
//
// Precondition: pool must be connected.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) check() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool.DB(), fn)
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pool.Health(ctx, healthTimeout)
}

// Close releases the pool. Subsequent calls are no-ops.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

// conflictError maps a unique violation to the matching storage sentinel.
func conflictError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "users_email_key":
		return storage.ErrEmailConflict
	case "players_pkey":
		return storage.ErrPlayerConflict
	default:
		return storage.ErrUsernameConflict
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func queryOne[T any](ctx context.Context, q querier, sql string, args ...any) (T, error) {
	var zero T
	var raw []byte
	if err := q.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, storage.ErrNotFound
		}
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decoding record: %w", err)
	}
	return v, nil
}

func queryAll[T any](ctx context.Context, q querier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func count(ctx context.Context, q querier, sql string) (int, error) {
	var n int
	err := q.QueryRow(ctx, sql).Scan(&n)
	return n, err
}

// GetUser returns the user whose username key matches username.
func (s *Store) GetUser(ctx context.Context, username string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	return queryOne[storage.User](ctx, s.pool.DB(), `SELECT data FROM users WHERE username_key = $1`, storage.UsernameKey(username))
}

// GetUserByEmail returns the user bound to email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	return queryOne[storage.User](ctx, s.pool.DB(), `SELECT data FROM users WHERE email = $1`, storage.EmailKey(email))
}

// GetUserByPlayerID returns the user that owns playerID.
func (s *Store) GetUserByPlayerID(ctx context.Context, playerID string) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	return queryOne[storage.User](ctx, s.pool.DB(), `SELECT data FROM users WHERE player_id = $1`, playerID)
}

func (s *Store) insertUser(ctx context.Context, q querier, u storage.User) error {
	u.Email = storage.EmailKey(u.Email)
	if u.CreatedAt == 0 {
		u.CreatedAt = s.nowMs()
	}
	if u.UpdatedAt == 0 {
		u.UpdatedAt = u.CreatedAt
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO users (username_key, player_id, email, data) VALUES ($1, $2, $3, $4)`,
		u.Key(), u.ID, nullable(u.Email), data,
	)
	if err != nil {
		if cerr := conflictError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// CreateUser inserts u.
//
// Postcondition: Returns storage.ErrUsernameConflict or storage.ErrEmailConflict on collision.
func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.insertUser(ctx, s.pool.DB(), u)
}

// UpdateUser merges patch into the stored user and returns the result.
func (s *Store) UpdateUser(ctx context.Context, username string, patch storage.UserPatch) (storage.User, error) {
	if err := s.check(); err != nil {
		return storage.User{}, err
	}
	key := storage.UsernameKey(username)
	var out storage.User
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		u, err := queryOne[storage.User](ctx, tx, `SELECT data FROM users WHERE username_key = $1 FOR UPDATE`, key)
		if err != nil {
			return err
		}
		patch.Apply(&u, s.nowMs())
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET email = $1, data = $2 WHERE username_key = $3`,
			nullable(u.Email), data, key,
		); err != nil {
			if cerr := conflictError(err); cerr != nil {
				return cerr
			}
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
	tag, err := s.pool.DB().Exec(ctx, `DELETE FROM users WHERE username_key = $1`, storage.UsernameKey(username))
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetAllUsers returns every user ordered by username key.
func (s *Store) GetAllUsers(ctx context.Context) ([]storage.User, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.User](ctx, s.pool.DB(), `SELECT data FROM users ORDER BY username_key`)
}

// GetUserCount returns the number of users.
func (s *Store) GetUserCount(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return count(ctx, s.pool.DB(), `SELECT COUNT(*) FROM users`)
}

// CreateAccount inserts u and p in one transaction.
func (s *Store) CreateAccount(ctx context.Context, u storage.User, p storage.Player) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.insertUser(ctx, tx, u); err != nil {
			return err
		}
		return s.insertPlayer(ctx, tx, p)
	})
}

func (s *Store) insertPlayer(ctx context.Context, q querier, p storage.Player) error {
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
	if _, err := q.Exec(ctx, `INSERT INTO players (id, data) VALUES ($1, $2)`, p.ID, data); err != nil {
		if conflictError(err) != nil {
			return storage.ErrPlayerConflict
		}
		return fmt.Errorf("inserting player: %w", err)
	}
	return nil
}

// GetPlayer returns the player with id.
func (s *Store) GetPlayer(ctx context.Context, id string) (storage.Player, error) {
	if err := s.check(); err != nil {
		return storage.Player{}, err
	}
	return queryOne[storage.Player](ctx, s.pool.DB(), `SELECT data FROM players WHERE id = $1`, id)
}

// CreatePlayer inserts p.
func (s *Store) CreatePlayer(ctx context.Context, p storage.Player) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.insertPlayer(ctx, s.pool.DB(), p)
}

func (s *Store) patchPlayer(ctx context.Context, tx pgx.Tx, id string, patch storage.PlayerPatch) (storage.Player, error) {
	p, err := queryOne[storage.Player](ctx, tx, `SELECT data FROM players WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return storage.Player{}, err
	}
	patch.Apply(&p, s.nowMs())
	data, err := json.Marshal(p)
	if err != nil {
		return storage.Player{}, fmt.Errorf("encoding player: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE players SET data = $1 WHERE id = $2`, data, id); err != nil {
		return storage.Player{}, fmt.Errorf("updating player: %w", err)
	}
	return p, nil
}

// UpdatePlayer merges patch into the stored player and returns the result.
func (s *Store) UpdatePlayer(ctx context.Context, id string, patch storage.PlayerPatch) (storage.Player, error) {
	out, err := s.UpdatePlayers(ctx, map[string]storage.PlayerPatch{id: patch})
	if err != nil {
		return storage.Player{}, err
	}
	return out[id], nil
}

// UpdatePlayers applies every patch in one transaction, locking rows in id order.
func (s *Store) UpdatePlayers(ctx context.Context, patches map[string]storage.PlayerPatch) (map[string]storage.Player, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]storage.Player, len(patches))
	err := s.inTx(ctx, func(tx pgx.Tx) error {
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
	tag, err := s.pool.DB().Exec(ctx, `DELETE FROM players WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetAllPlayers returns every player ordered by id.
func (s *Store) GetAllPlayers(ctx context.Context) ([]storage.Player, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Player](ctx, s.pool.DB(), `SELECT data FROM players ORDER BY id`)
}

// GetPlayerCount returns the number of players.
func (s *Store) GetPlayerCount(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return count(ctx, s.pool.DB(), `SELECT COUNT(*) FROM players`)
}

// GetAuction returns the auction with id.
func (s *Store) GetAuction(ctx context.Context, id string) (storage.Auction, error) {
	if err := s.check(); err != nil {
		return storage.Auction{}, err
	}
	return queryOne[storage.Auction](ctx, s.pool.DB(), `SELECT data FROM auctions WHERE id = $1`, id)
}

// SaveAuction inserts or replaces a and refreshes its bidder index.
func (s *Store) SaveAuction(ctx context.Context, a storage.Auction) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding auction: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO auctions (id, seller_id, status, ends_at, data) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				seller_id = EXCLUDED.seller_id,
				status = EXCLUDED.status,
				ends_at = EXCLUDED.ends_at,
				data = EXCLUDED.data`,
			a.ID, a.SellerID, a.Status, a.EndsAt, data,
		); err != nil {
			return fmt.Errorf("saving auction: %w", err)
		}
		for _, b := range a.Bids {
			if _, err := tx.Exec(ctx,
				`INSERT INTO auction_bidders (auction_id, bidder_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				a.ID, b.BidderID,
			); err != nil {
				return fmt.Errorf("indexing bidder: %w", err)
			}
		}
		return nil
	})
}

// ListAuctions returns auctions with status, or all auctions when status is empty.
func (s *Store) ListAuctions(ctx context.Context, status string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Auction](ctx, s.pool.DB(),
		`SELECT data FROM auctions WHERE $1 = '' OR status = $1 ORDER BY ends_at, id`, status)
}

// ListAuctionsBySeller returns every auction created by sellerID.
func (s *Store) ListAuctionsBySeller(ctx context.Context, sellerID string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Auction](ctx, s.pool.DB(),
		`SELECT data FROM auctions WHERE seller_id = $1 ORDER BY ends_at, id`, sellerID)
}

// ListAuctionsByBidder returns every auction bidderID has bid on.
func (s *Store) ListAuctionsByBidder(ctx context.Context, bidderID string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Auction](ctx, s.pool.DB(), `
		SELECT a.data FROM auctions a
		JOIN auction_bidders b ON b.auction_id = a.id
		WHERE b.bidder_id = $1
		ORDER BY a.ends_at, a.id`, bidderID)
}
