// Package storagetest is the conformance suite every storage.Store adapter runs.
package storagetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run exercises the full storage.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"UserRoundTrip", testUserRoundTrip},
		{"UsernameConflictIgnoresCase", testUsernameConflict},
		{"EmailConflict", testEmailConflict},
		{"UpdateUserMerges", testUpdateUserMerges},
		{"UpdateUserNotFound", testUpdateUserNotFound},
		{"UpdateUserEmailConflict", testUpdateUserEmailConflict},
		{"DeleteUser", testDeleteUser},
		{"ListAndCountUsers", testListAndCountUsers},
		{"PlayerRoundTrip", testPlayerRoundTrip},
		{"PlayerReadsAreCopies", testPlayerReadsAreCopies},
		{"UpdatePlayerNotFound", testUpdatePlayerNotFound},
		{"UpdatePlayersAllOrNothing", testUpdatePlayersAllOrNothing},
		{"CreateAccountAtomic", testCreateAccountAtomic},
		{"DeletePlayer", testDeletePlayer},
		{"Auctions", testAuctions},
		{"HealthAndClose", testHealthAndClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// User returns a fixture user.
func User(name, playerID, email string) storage.User {
	return storage.User{
		ID:           playerID,
		Username:     name,
		PasswordHash: "$2a$10$fixture",
		Email:        email,
		CreatedAt:    1000,
		UpdatedAt:    1000,
	}
}

// Player returns a fixture player.
func Player(id, name string) storage.Player {
	return storage.Player{
		ID:       id,
		Username: name,
		Location: "town",
		Currency: storage.Currency{Shillings: 1, Pennies: 4},
		Vitals:   storage.Vitals{Health: 100, MaxHealth: 100, Mana: 50, MaxMana: 50, Energy: 100, MaxEnergy: 100},
		Stats:    storage.Stats{Intelligence: 5, Endurance: 5, Charisma: 5, Dexterity: 5, Speed: 5},
		Level:    1,
		Inventory: storage.Inventory{
			Items:         map[string]int{"bread": 2},
			SmuggledGoods: map[string]int{"lockpick": 1},
		},
		Guilds:     map[string]storage.GuildStanding{"thieves": {Member: true, Rank: "cutpurse", Reputation: 3}},
		LastUpdate: 1000,
		CreatedAt:  1000,
		UpdatedAt:  1000,
	}
}

var ignoreTimestamps = cmpopts.IgnoreFields(storage.User{}, "UpdatedAt")

func testUserRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := User("Alice", "p-alice", "Alice@Example.com")
	require.NoError(t, s.CreateUser(ctx, want))
	want.Email = "alice@example.com"

	for name, get := range map[string]func() (storage.User, error){
		"username":  func() (storage.User, error) { return s.GetUser(ctx, "ALICE") },
		"email":     func() (storage.User, error) { return s.GetUserByEmail(ctx, "alice@EXAMPLE.com") },
		"player id": func() (storage.User, error) { return s.GetUserByPlayerID(ctx, "p-alice") },
	} {
		got, err := get()
		require.NoError(t, err, name)
		if diff := cmp.Diff(want, got, ignoreTimestamps); diff != "" {
			t.Errorf("lookup by %s mismatch (-want +got):\n%s", name, diff)
		}
	}

	_, err := s.GetUser(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUsernameConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User("alice", "p1", "")))
	err := s.CreateUser(ctx, User("ALICE", "p2", ""))
	assert.ErrorIs(t, err, storage.ErrUsernameConflict)
}

func testEmailConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User("alice", "p1", "a@x")))
	err := s.CreateUser(ctx, User("bob", "p2", "A@X"))
	assert.ErrorIs(t, err, storage.ErrEmailConflict)

	require.NoError(t, s.CreateUser(ctx, User("carol", "p3", "")))
	require.NoError(t, s.CreateUser(ctx, User("dave", "p4", "")), "absent emails never collide")
}

func testUpdateUserMerges(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User("alice", "p1", "a@x")))

	banned := true
	code := storage.Secret{Value: "ABC123", ExpiresAt: 5000}
	got, err := s.UpdateUser(ctx, "Alice", storage.UserPatch{Banned: &banned, VerificationCode: &code})
	require.NoError(t, err)
	assert.True(t, got.Banned)
	assert.Equal(t, "a@x", got.Email)
	require.NotNil(t, got.VerificationCode)
	assert.Equal(t, "ABC123", got.VerificationCode.Value)
	assert.Greater(t, got.UpdatedAt, int64(1000))

	got, err = s.UpdateUser(ctx, "alice", storage.UserPatch{ClearVerification: true})
	require.NoError(t, err)
	assert.Nil(t, got.VerificationCode)
	assert.True(t, got.Banned)

	stored, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	if diff := cmp.Diff(got, stored); diff != "" {
		t.Errorf("update not visible on read (-returned +stored):\n%s", diff)
	}
}

func testUpdateUserNotFound(t *testing.T, s storage.Store) {
	muted := true
	_, err := s.UpdateUser(context.Background(), "ghost", storage.UserPatch{Muted: &muted})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateUserEmailConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User("alice", "p1", "a@x")))
	require.NoError(t, s.CreateUser(ctx, User("bob", "p2", "")))

	email := "a@x"
	_, err := s.UpdateUser(ctx, "bob", storage.UserPatch{Email: &email})
	assert.ErrorIs(t, err, storage.ErrEmailConflict)

	email = "b@x"
	_, err = s.UpdateUser(ctx, "bob", storage.UserPatch{Email: &email})
	require.NoError(t, err)
	got, err := s.GetUserByEmail(ctx, "b@x")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
}

func testDeleteUser(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User("alice", "p1", "a@x")))
	require.NoError(t, s.DeleteUser(ctx, "alice"))
	_, err := s.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "a@x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, "alice"), storage.ErrNotFound)

	require.NoError(t, s.CreateUser(ctx, User("alice2", "p9", "a@x")), "email is free after delete")
}

func testListAndCountUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.CreateUser(ctx, User(name, "p-"+name, "")))
	}
	users, err := s.GetAllUsers(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)

	n, err := s.GetUserCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testPlayerRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := Player("p1", "alice")
	require.NoError(t, s.CreatePlayer(ctx, want))
	assert.ErrorIs(t, s.CreatePlayer(ctx, want), storage.ErrPlayerConflict)

	got, err := s.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("player mismatch (-want +got):\n%s", diff)
	}

	loc := "market"
	cur := storage.Currency{Pennies: 30}
	got, err = s.UpdatePlayer(ctx, "p1", storage.PlayerPatch{Location: &loc, Currency: &cur})
	require.NoError(t, err)
	assert.Equal(t, "market", got.Location)
	assert.Equal(t, int64(30), got.TotalPennies())
	assert.Equal(t, 2, got.Inventory.Count("bread"), "unpatched fields survive")

	n, err := s.GetPlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testPlayerReadsAreCopies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePlayer(ctx, Player("p1", "alice")))

	got, err := s.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	got.Inventory.Items["bread"] = 99
	got.Guilds["thieves"] = storage.GuildStanding{}

	again, err := s.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Inventory.Count("bread"))
	assert.True(t, again.Guilds["thieves"].Member)
}

func testUpdatePlayerNotFound(t *testing.T, s storage.Store) {
	lvl := 2
	_, err := s.UpdatePlayer(context.Background(), "ghost", storage.PlayerPatch{Level: &lvl})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdatePlayersAllOrNothing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePlayer(ctx, Player("p1", "alice")))
	require.NoError(t, s.CreatePlayer(ctx, Player("p2", "bob")))

	lvl := 7
	_, err := s.UpdatePlayers(ctx, map[string]storage.PlayerPatch{
		"p1":    {Level: &lvl},
		"ghost": {Level: &lvl},
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	p1, err := s.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Level, "failed batch must not apply any patch")

	out, err := s.UpdatePlayers(ctx, map[string]storage.PlayerPatch{
		"p1": {Level: &lvl},
		"p2": {Level: &lvl},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out["p1"].Level)
	assert.Equal(t, 7, out["p2"].Level)
}

func testCreateAccountAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, User("alice", "p1", ""), Player("p1", "alice")))

	err := s.CreateAccount(ctx, User("Alice", "p2", ""), Player("p2", "Alice"))
	assert.ErrorIs(t, err, storage.ErrUsernameConflict)
	_, err = s.GetPlayer(ctx, "p2")
	assert.ErrorIs(t, err, storage.ErrNotFound, "player must not exist without its user")
}

func testDeletePlayer(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePlayer(ctx, Player("p1", "alice")))
	require.NoError(t, s.DeletePlayer(ctx, "p1"))
	assert.ErrorIs(t, s.DeletePlayer(ctx, "p1"), storage.ErrNotFound)
	players, err := s.GetAllPlayers(ctx)
	require.NoError(t, err)
	assert.Empty(t, players)
}

func testAuctions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1 := storage.Auction{
		ID: "a1", SellerID: "seller", Item: storage.AuctionItem{Type: storage.ItemKindItem, ID: "sword"},
		StartingBid: 10, CurrentBid: 20, HighestBidderID: "b1",
		Bids:  []storage.Bid{{BidderID: "b1", Amount: 20, At: 100}},
		Scope: storage.ScopeGlobal, Status: storage.AuctionActive, CreatedAt: 50, EndsAt: 500,
	}
	a2 := storage.Auction{
		ID: "a2", SellerID: "other", Item: storage.AuctionItem{Type: storage.ItemKindCurrency, Amount: 100},
		StartingBid: 5, CurrentBid: 5, Scope: storage.ScopeLocation, LocationID: "town",
		Status: storage.AuctionCompleted, CreatedAt: 60, EndsAt: 400,
	}
	require.NoError(t, s.SaveAuction(ctx, a1))
	require.NoError(t, s.SaveAuction(ctx, a2))

	got, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	if diff := cmp.Diff(a1, got); diff != "" {
		t.Errorf("auction mismatch (-want +got):\n%s", diff)
	}
	_, err = s.GetAuction(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	active, err := s.ListAuctions(ctx, storage.AuctionActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ID)

	all, err := s.ListAuctions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID, "ordered by deadline")

	bySeller, err := s.ListAuctionsBySeller(ctx, "other")
	require.NoError(t, err)
	require.Len(t, bySeller, 1)

	a1.Status = storage.AuctionCompleted
	a1.Bids = append(a1.Bids, storage.Bid{BidderID: "b2", Amount: 25, At: 200})
	require.NoError(t, s.SaveAuction(ctx, a1))

	byBidder, err := s.ListAuctionsByBidder(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, byBidder, 1)
	assert.Equal(t, storage.AuctionCompleted, byBidder[0].Status)

	byBidder, err = s.ListAuctionsByBidder(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, byBidder, 1)
}

func testHealthAndClose(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.HealthCheck(ctx))
	_, err := s.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.NoError(t, s.Close(), "close is idempotent")
}
