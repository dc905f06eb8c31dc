// Package storage defines the persistence contract shared by every adapter.
//
// Adapters return copies: mutating a returned record never changes stored
// state. Lookups of absent keys return ErrNotFound.
package storage

import (
	"context"
	"errors"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = apperr.New(apperr.NotFound, "record not found")
	// ErrUsernameConflict is returned when a username key is already taken.
	ErrUsernameConflict = apperr.New(apperr.Conflict, "username already exists")
	// ErrEmailConflict is returned when an email is already bound to another user.
	ErrEmailConflict = apperr.New(apperr.Conflict, "email already exists")
	// ErrPlayerConflict is returned when a player id already exists.
	ErrPlayerConflict = apperr.New(apperr.Conflict, "player already exists")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("storage: store closed")
)

// UserStore persists User records keyed by lowercase username.
type UserStore interface {
	GetUser(ctx context.Context, username string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByPlayerID(ctx context.Context, playerID string) (User, error)
	// CreateUser fails with a Conflict error if the username or email collides.
	CreateUser(ctx context.Context, u User) error
	// UpdateUser merges patch into the stored record and returns the result.
	UpdateUser(ctx context.Context, username string, patch UserPatch) (User, error)
	DeleteUser(ctx context.Context, username string) error
	GetAllUsers(ctx context.Context) ([]User, error)
	GetUserCount(ctx context.Context) (int, error)
}

// PlayerStore persists Player records keyed by id.
type PlayerStore interface {
	GetPlayer(ctx context.Context, id string) (Player, error)
	CreatePlayer(ctx context.Context, p Player) error
	UpdatePlayer(ctx context.Context, id string, patch PlayerPatch) (Player, error)
	// UpdatePlayers applies every patch or none of them.
	UpdatePlayers(ctx context.Context, patches map[string]PlayerPatch) (map[string]Player, error)
	DeletePlayer(ctx context.Context, id string) error
	GetAllPlayers(ctx context.Context) ([]Player, error)
	GetPlayerCount(ctx context.Context) (int, error)
}

// AuctionStore persists Auction records keyed by id.
type AuctionStore interface {
	GetAuction(ctx context.Context, id string) (Auction, error)
	// SaveAuction inserts or replaces a.
	SaveAuction(ctx context.Context, a Auction) error
	// ListAuctions returns auctions with the given status, or all when status is empty.
	ListAuctions(ctx context.Context, status string) ([]Auction, error)
	ListAuctionsBySeller(ctx context.Context, sellerID string) ([]Auction, error)
	ListAuctionsByBidder(ctx context.Context, bidderID string) ([]Auction, error)
}

// Store is the full adapter contract.
type Store interface {
	UserStore
	PlayerStore
	AuctionStore
	// CreateAccount inserts a user and its player atomically.
	CreateAccount(ctx context.Context, u User, p Player) error
	HealthCheck(ctx context.Context) error
	Close() error
}
