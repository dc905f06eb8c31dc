package jsonfile

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// GetUser returns the user whose username key matches username.
func (s *Store) GetUser(_ context.Context, username string) (storage.User, error) {
	if err := s.lock(); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()
	u, ok := s.users[storage.UsernameKey(username)]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u.Clone(), nil
}

// GetUserByEmail returns the user bound to email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	if err := s.lock(); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()
	key, ok := s.byEmail[storage.EmailKey(email)]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return s.users[key].Clone(), nil
}

// GetUserByPlayerID returns the user that owns playerID.
func (s *Store) GetUserByPlayerID(_ context.Context, playerID string) (storage.User, error) {
	if err := s.lock(); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()
	key, ok := s.byPlayer[playerID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return s.users[key].Clone(), nil
}

func (s *Store) insertUserLocked(u storage.User) error {
	u.Email = storage.EmailKey(u.Email)
	key := u.Key()
	if _, taken := s.users[key]; taken {
		return storage.ErrUsernameConflict
	}
	if u.Email != "" {
		if _, taken := s.byEmail[u.Email]; taken {
			return storage.ErrEmailConflict
		}
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = s.nowMs()
	}
	if u.UpdatedAt == 0 {
		u.UpdatedAt = u.CreatedAt
	}
	u = u.Clone()
	s.users[key] = u
	s.byPlayer[u.ID] = key
	if u.Email != "" {
		s.byEmail[u.Email] = key
	}
	s.markLocked(usersDir, key, u)
	return nil
}

// CreateUser inserts u.
func (s *Store) CreateUser(_ context.Context, u storage.User) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.insertUserLocked(u)
}

// UpdateUser merges patch into the stored user and returns the result.
func (s *Store) UpdateUser(_ context.Context, username string, patch storage.UserPatch) (storage.User, error) {
	if err := s.lock(); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()
	key := storage.UsernameKey(username)
	u, ok := s.users[key]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	u = u.Clone()
	before := u.Email
	patch.Apply(&u, s.nowMs())
	if u.Email != before {
		if owner, taken := s.byEmail[u.Email]; taken && u.Email != "" && owner != key {
			return storage.User{}, storage.ErrEmailConflict
		}
		delete(s.byEmail, before)
		if u.Email != "" {
			s.byEmail[u.Email] = key
		}
	}
	s.users[key] = u
	s.markLocked(usersDir, key, u)
	return u.Clone(), nil
}

// DeleteUser removes the user keyed by username.
func (s *Store) DeleteUser(_ context.Context, username string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	key := storage.UsernameKey(username)
	u, ok := s.users[key]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.users, key)
	delete(s.byPlayer, u.ID)
	if u.Email != "" {
		delete(s.byEmail, u.Email)
	}
	s.markLocked(usersDir, key, nil)
	return nil
}

// GetAllUsers returns every user ordered by username key.
func (s *Store) GetAllUsers(_ context.Context) ([]storage.User, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]storage.User, 0, len(s.users))
	for _, key := range slices.Sorted(maps.Keys(s.users)) {
		out = append(out, s.users[key].Clone())
	}
	return out, nil
}

// GetUserCount returns the number of users.
func (s *Store) GetUserCount(_ context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.users), nil
}

// CreateAccount inserts u and p together; neither is stored if either collides.
func (s *Store) CreateAccount(_ context.Context, u storage.User, p storage.Player) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, taken := s.players[p.ID]; taken {
		return storage.ErrPlayerConflict
	}
	if err := s.insertUserLocked(u); err != nil {
		return err
	}
	return s.insertPlayerLocked(p)
}

func (s *Store) insertPlayerLocked(p storage.Player) error {
	if _, taken := s.players[p.ID]; taken {
		return storage.ErrPlayerConflict
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = s.nowMs()
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = p.CreatedAt
	}
	p = p.Clone()
	s.players[p.ID] = p
	s.markLocked(playersDir, p.ID, p)
	return nil
}

// GetPlayer returns the player with id.
func (s *Store) GetPlayer(_ context.Context, id string) (storage.Player, error) {
	if err := s.lock(); err != nil {
		return storage.Player{}, err
	}
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return storage.Player{}, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// CreatePlayer inserts p.
func (s *Store) CreatePlayer(_ context.Context, p storage.Player) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.insertPlayerLocked(p)
}

// UpdatePlayer merges patch into the stored player and returns the result.
func (s *Store) UpdatePlayer(ctx context.Context, id string, patch storage.PlayerPatch) (storage.Player, error) {
	out, err := s.UpdatePlayers(ctx, map[string]storage.PlayerPatch{id: patch})
	if err != nil {
		return storage.Player{}, err
	}
	return out[id], nil
}

// UpdatePlayers applies every patch or, if any id is missing, none.
func (s *Store) UpdatePlayers(_ context.Context, patches map[string]storage.PlayerPatch) (map[string]storage.Player, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for id := range patches {
		if _, ok := s.players[id]; !ok {
			return nil, storage.ErrNotFound
		}
	}
	now := s.nowMs()
	out := make(map[string]storage.Player, len(patches))
	for id, patch := range patches {
		p := s.players[id].Clone()
		patch.Apply(&p, now)
		s.players[id] = p
		s.markLocked(playersDir, id, p)
		out[id] = p.Clone()
	}
	return out, nil
}

// DeletePlayer removes the player with id.
func (s *Store) DeletePlayer(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.players[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.players, id)
	s.markLocked(playersDir, id, nil)
	return nil
}

// GetAllPlayers returns every player ordered by id.
func (s *Store) GetAllPlayers(_ context.Context) ([]storage.Player, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]storage.Player, 0, len(s.players))
	for _, id := range slices.Sorted(maps.Keys(s.players)) {
		out = append(out, s.players[id].Clone())
	}
	return out, nil
}

// GetPlayerCount returns the number of players.
func (s *Store) GetPlayerCount(_ context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.players), nil
}

// GetAuction returns the auction with id.
func (s *Store) GetAuction(_ context.Context, id string) (storage.Auction, error) {
	if err := s.lock(); err != nil {
		return storage.Auction{}, err
	}
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return storage.Auction{}, storage.ErrNotFound
	}
	return a.Clone(), nil
}

// SaveAuction inserts or replaces a.
func (s *Store) SaveAuction(_ context.Context, a storage.Auction) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	a = a.Clone()
	s.auctions[a.ID] = a
	s.markLocked(auctionsDir, a.ID, a)
	return nil
}

func (s *Store) filterAuctions(keep func(storage.Auction) bool) ([]storage.Auction, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []storage.Auction
	for _, a := range s.auctions {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(x, y storage.Auction) int {
		return cmp.Or(cmp.Compare(x.EndsAt, y.EndsAt), cmp.Compare(x.ID, y.ID))
	})
	return out, nil
}

// ListAuctions returns auctions with status, or all auctions when status is empty.
func (s *Store) ListAuctions(_ context.Context, status string) ([]storage.Auction, error) {
	return s.filterAuctions(func(a storage.Auction) bool {
		return status == "" || a.Status == status
	})
}

// ListAuctionsBySeller returns every auction created by sellerID.
func (s *Store) ListAuctionsBySeller(_ context.Context, sellerID string) ([]storage.Auction, error) {
	return s.filterAuctions(func(a storage.Auction) bool { return a.SellerID == sellerID })
}

// ListAuctionsByBidder returns every auction bidderID has bid on.
func (s *Store) ListAuctionsByBidder(_ context.Context, bidderID string) ([]storage.Auction, error) {
	return s.filterAuctions(func(a storage.Auction) bool { return a.HasBidder(bidderID) })
}
