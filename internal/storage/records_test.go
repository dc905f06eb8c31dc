package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestUsernameKeyFoldsCaseAndTrims(t *testing.T) {
	assert.Equal(t, "alice", UsernameKey("  ALICE "))
	assert.Equal(t, "a@x.org", EmailKey("A@X.Org"))
}

func TestCurrencyFromPennies(t *testing.T) {
	assert.Equal(t, Currency{Shillings: 2, Pennies: 6}, CurrencyFromPennies(30))
	assert.Equal(t, int64(30), Currency{Shillings: 1, Pennies: 18}.TotalPennies())
	assert.Equal(t, Currency{Shillings: 2, Pennies: 6}, Currency{Shillings: 1, Pennies: 18}.Normalized())
}

func TestPropertyCurrencyNormalizationPreservesTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Currency{
			Shillings: rapid.Int64Range(0, 1_000_000).Draw(t, "shillings"),
			Pennies:   rapid.Int64Range(0, 1_000_000).Draw(t, "pennies"),
		}
		n := c.Normalized()
		if n.TotalPennies() != c.TotalPennies() {
			t.Fatalf("total changed: %d -> %d", c.TotalPennies(), n.TotalPennies())
		}
		if n.Pennies < 0 || n.Pennies >= PenniesPerShilling {
			t.Fatalf("pennies not normalized: %d", n.Pennies)
		}
	})
}

func TestUserPatchApply(t *testing.T) {
	u := User{Username: "alice", UpdatedAt: 100, VerificationCode: &Secret{Value: "X", ExpiresAt: 5}}
	verified := true
	email := "Alice@X"
	UserPatch{EmailVerified: &verified, ClearVerification: true, Email: &email}.Apply(&u, 50)
	assert.True(t, u.EmailVerified)
	assert.Nil(t, u.VerificationCode)
	assert.Equal(t, "alice@x", u.Email)
	assert.Equal(t, int64(101), u.UpdatedAt, "updatedAt never moves backwards")
}

func TestPlayerPatchApplyLeavesNilFieldsAlone(t *testing.T) {
	p := Player{ID: "p1", Location: "town", Level: 3, Inventory: Inventory{Items: map[string]int{"x": 1}}}
	lvl := 4
	PlayerPatch{Level: &lvl}.Apply(&p, 1000)
	assert.Equal(t, 4, p.Level)
	assert.Equal(t, "town", p.Location)
	assert.Equal(t, 1, p.Inventory.Count("x"))
	assert.Equal(t, int64(1000), p.UpdatedAt)
}

func TestFullPatchRoundTrip(t *testing.T) {
	src := Player{
		ID: "p1", Username: "alice", Location: "market", Level: 2, XP: 40,
		Currency:  Currency{Shillings: 3},
		Inventory: Inventory{Items: map[string]int{"x": 2}},
		Guilds:    map[string]GuildStanding{"mages": {Member: true}},
	}
	var dst Player
	FullPatch(src).Apply(&dst, 10)
	dst.ID = src.ID
	dst.UpdatedAt = src.UpdatedAt
	assert.Equal(t, src, dst)

	dst.Inventory.Items["x"] = 9
	assert.Equal(t, 2, src.Inventory.Count("x"), "patch must not alias the source")
}

func TestPlayerCloneIsDeep(t *testing.T) {
	p := Player{Inventory: Inventory{Items: map[string]int{"x": 1}}, Guilds: map[string]GuildStanding{"g": {Member: true}}}
	c := p.Clone()
	c.Inventory.Items["x"] = 5
	c.Guilds["g"] = GuildStanding{}
	require.Equal(t, 1, p.Inventory.Count("x"))
	require.True(t, p.Guilds["g"].Member)
}

func TestGuildIDsOnlyMembers(t *testing.T) {
	p := Player{Guilds: map[string]GuildStanding{"b": {Member: true}, "a": {Member: true}, "c": {Reputation: 4}}}
	assert.Equal(t, []string{"a", "b"}, p.GuildIDs())
}

func TestAuctionHasBidder(t *testing.T) {
	a := Auction{Bids: []Bid{{BidderID: "b1"}}}
	assert.True(t, a.HasBidder("b1"))
	assert.False(t, a.HasBidder("b2"))
}
