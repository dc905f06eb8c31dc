package storage

import (
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PenniesPerShilling is the fixed exchange rate between the two coin units.
const PenniesPerShilling = 12

// UsernameKey returns the lookup key for a username: trimmed and lowercased.
func UsernameKey(username string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(username))
}

// EmailKey returns the canonical form of an email address used for uniqueness.
func EmailKey(email string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}

// Secret is a single-use value with an absolute expiry in unix milliseconds.
type Secret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the secret is past its expiry at nowMs.
func (s Secret) Expired(nowMs int64) bool {
	return nowMs >= s.ExpiresAt
}

// User is the identity record for a player, keyed by lowercase username.
type User struct {
	ID                 string  `json:"id"`
	Username           string  `json:"username"`
	PasswordHash       string  `json:"passwordHash"`
	Email              string  `json:"email,omitempty"`
	EmailVerified      bool    `json:"emailVerified"`
	VerificationCode   *Secret `json:"verificationCode,omitempty"`
	VerificationSentAt int64   `json:"verificationSentAt,omitempty"`
	ResetToken         *Secret `json:"resetToken,omitempty"`
	Banned             bool    `json:"banned"`
	Muted              bool    `json:"muted"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// Key returns the user's primary key.
func (u User) Key() string { return UsernameKey(u.Username) }

// Clone returns a deep copy of u.
func (u User) Clone() User {
	out := u
	if u.VerificationCode != nil {
		vc := *u.VerificationCode
		out.VerificationCode = &vc
	}
	if u.ResetToken != nil {
		rt := *u.ResetToken
		out.ResetToken = &rt
	}
	return out
}

// UserPatch is a partial update merged into a User. Nil fields are left alone;
// the Clear flags remove nullable secrets.
type UserPatch struct {
	PasswordHash       *string
	Email              *string
	EmailVerified      *bool
	VerificationCode   *Secret
	ClearVerification  bool
	VerificationSentAt *int64
	ResetToken         *Secret
	ClearResetToken    bool
	Banned             *bool
	Muted              *bool
}

// Apply merges p into u and stamps UpdatedAt with nowMs, never moving it backwards.
func (p UserPatch) Apply(u *User, nowMs int64) {
	if p.PasswordHash != nil {
		u.PasswordHash = *p.PasswordHash
	}
	if p.Email != nil {
		u.Email = EmailKey(*p.Email)
	}
	if p.EmailVerified != nil {
		u.EmailVerified = *p.EmailVerified
	}
	if p.ClearVerification {
		u.VerificationCode = nil
	}
	if p.VerificationCode != nil {
		vc := *p.VerificationCode
		u.VerificationCode = &vc
	}
	if p.VerificationSentAt != nil {
		u.VerificationSentAt = *p.VerificationSentAt
	}
	if p.ClearResetToken {
		u.ResetToken = nil
	}
	if p.ResetToken != nil {
		rt := *p.ResetToken
		u.ResetToken = &rt
	}
	if p.Banned != nil {
		u.Banned = *p.Banned
	}
	if p.Muted != nil {
		u.Muted = *p.Muted
	}
	u.UpdatedAt = max(u.UpdatedAt+1, nowMs)
}

// Currency holds coin balances. Pennies may exceed 12 in storage; use
// TotalPennies or Normalized when reading.
type Currency struct {
	Shillings int64 `json:"shillings"`
	Pennies   int64 `json:"pennies"`
}

// TotalPennies returns the balance expressed in pennies.
func (c Currency) TotalPennies() int64 {
	return c.Shillings*PenniesPerShilling + c.Pennies
}

// Normalized promotes every 12 pennies to a shilling.
func (c Currency) Normalized() Currency {
	return CurrencyFromPennies(c.TotalPennies())
}

// CurrencyFromPennies splits a penny total into shillings and pennies.
//
// Precondition: total >= 0.
// Postcondition: result.Pennies is in [0, 12).
func CurrencyFromPennies(total int64) Currency {
	return Currency{Shillings: total / PenniesPerShilling, Pennies: total % PenniesPerShilling}
}

// Vitals are the player's current and maximum pools.
type Vitals struct {
	Health    int `json:"health"`
	MaxHealth int `json:"maxHealth"`
	Mana      int `json:"mana"`
	MaxMana   int `json:"maxMana"`
	Energy    int `json:"energy"`
	MaxEnergy int `json:"maxEnergy"`
}

// Stats are the player's attributes.
type Stats struct {
	Intelligence int `json:"intelligence"`
	Endurance    int `json:"endurance"`
	Charisma     int `json:"charisma"`
	Dexterity    int `json:"dexterity"`
	Speed        int `json:"speed"`
}

// Jail is server-owned incarceration state.
type Jail struct {
	InJail          bool  `json:"inJail"`
	JailReleaseTime int64 `json:"jailReleaseTime"`
}

// Inventory maps item ids to counts. SmuggledGoods is a separate stash with the
// same shape.
type Inventory struct {
	Items         map[string]int `json:"items"`
	SmuggledGoods map[string]int `json:"smuggledGoods,omitempty"`
}

// Count returns how many copies of itemID are held.
func (inv Inventory) Count(itemID string) int {
	return inv.Items[itemID]
}

// Clone returns a deep copy of inv.
func (inv Inventory) Clone() Inventory {
	out := Inventory{Items: maps.Clone(inv.Items), SmuggledGoods: maps.Clone(inv.SmuggledGoods)}
	if out.Items == nil {
		out.Items = make(map[string]int)
	}
	return out
}

// GuildStanding is a player's membership and reputation in one guild.
type GuildStanding struct {
	Member     bool   `json:"member"`
	Rank       string `json:"rank,omitempty"`
	Reputation int    `json:"reputation"`
}

// Player is the canonical game state record, keyed by ID.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Location string `json:"location"`
	Currency
	Vitals
	Stats
	Level int   `json:"level"`
	XP    int64 `json:"xp"`
	Jail
	Inventory  Inventory                `json:"inventory"`
	Guilds     map[string]GuildStanding `json:"guilds,omitempty"`
	LastLogin  int64                    `json:"lastLogin"`
	PlayTime   int64                    `json:"playTime"`
	LastUpdate int64                    `json:"lastUpdate"`
	CreatedAt  int64                    `json:"createdAt"`
	UpdatedAt  int64                    `json:"updatedAt"`
}

// Clone returns a deep copy of p.
func (p Player) Clone() Player {
	out := p
	out.Inventory = p.Inventory.Clone()
	out.Guilds = maps.Clone(p.Guilds)
	return out
}

// GuildIDs returns the sorted ids of guilds p is a member of.
func (p Player) GuildIDs() []string {
	ids := make([]string, 0, len(p.Guilds))
	for id, g := range p.Guilds {
		if g.Member {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// PlayerPatch is a partial update merged into a Player. Nil fields are left alone.
type PlayerPatch struct {
	Username   *string
	Location   *string
	Currency   *Currency
	Vitals     *Vitals
	Stats      *Stats
	Level      *int
	XP         *int64
	Jail       *Jail
	Inventory  *Inventory
	Guilds     map[string]GuildStanding
	LastLogin  *int64
	PlayTime   *int64
	LastUpdate *int64
}

// Apply merges p into dst and stamps UpdatedAt with nowMs, never moving it backwards.
func (p PlayerPatch) Apply(dst *Player, nowMs int64) {
	if p.Username != nil {
		dst.Username = *p.Username
	}
	if p.Location != nil {
		dst.Location = *p.Location
	}
	if p.Currency != nil {
		dst.Currency = *p.Currency
	}
	if p.Vitals != nil {
		dst.Vitals = *p.Vitals
	}
	if p.Stats != nil {
		dst.Stats = *p.Stats
	}
	if p.Level != nil {
		dst.Level = *p.Level
	}
	if p.XP != nil {
		dst.XP = *p.XP
	}
	if p.Jail != nil {
		dst.Jail = *p.Jail
	}
	if p.Inventory != nil {
		dst.Inventory = p.Inventory.Clone()
	}
	if p.Guilds != nil {
		dst.Guilds = maps.Clone(p.Guilds)
	}
	if p.LastLogin != nil {
		dst.LastLogin = *p.LastLogin
	}
	if p.PlayTime != nil {
		dst.PlayTime = *p.PlayTime
	}
	if p.LastUpdate != nil {
		dst.LastUpdate = *p.LastUpdate
	}
	dst.UpdatedAt = max(dst.UpdatedAt+1, nowMs)
}

// FullPatch returns a patch that overwrites every mutable field of dst with p's.
func FullPatch(p Player) PlayerPatch {
	inv := p.Inventory.Clone()
	guilds := maps.Clone(p.Guilds)
	if guilds == nil {
		guilds = map[string]GuildStanding{}
	}
	return PlayerPatch{
		Username:   &p.Username,
		Location:   &p.Location,
		Currency:   &p.Currency,
		Vitals:     &p.Vitals,
		Stats:      &p.Stats,
		Level:      &p.Level,
		XP:         &p.XP,
		Jail:       &p.Jail,
		Inventory:  &inv,
		Guilds:     guilds,
		LastLogin:  &p.LastLogin,
		PlayTime:   &p.PlayTime,
		LastUpdate: &p.LastUpdate,
	}
}

// Auction item kinds.
const (
	ItemKindItem     = "item"
	ItemKindCurrency = "currency"
)

// Auction scopes.
const (
	ScopeGlobal   = "global"
	ScopeLocation = "location"
	ScopeGuild    = "guild"
)

// Auction statuses.
const (
	AuctionActive    = "active"
	AuctionCompleted = "completed"
	AuctionCancelled = "cancelled"
)

// AuctionItem is the escrowed lot: either one copy of an item or a currency bundle.
type AuctionItem struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}

// Bid is one accepted bid.
type Bid struct {
	BidderID   string `json:"bidderId"`
	BidderName string `json:"bidderName"`
	Amount     int64  `json:"amount"`
	At         int64  `json:"at"`
}

// Auction is a timed listing. Monetary fields are pennies.
type Auction struct {
	ID              string      `json:"id"`
	SellerID        string      `json:"sellerId"`
	SellerName      string      `json:"sellerName"`
	Item            AuctionItem `json:"item"`
	StartingBid     int64       `json:"startingBid"`
	CurrentBid      int64       `json:"currentBid"` // 0 until the first bid
	HighestBidderID string      `json:"highestBidderId,omitempty"`
	Bids            []Bid       `json:"bids"`
	Scope           string      `json:"scope"`
	LocationID      string      `json:"locationId,omitempty"`
	GuildID         string      `json:"guildId,omitempty"`
	Status          string      `json:"status"`
	CreatedAt       int64       `json:"createdAt"`
	EndsAt          int64       `json:"endsAt"`
	WinnerID        string      `json:"winnerId,omitempty"`
	UpdatedAt       int64       `json:"updatedAt"`
}

// Clone returns a deep copy of a.
func (a Auction) Clone() Auction {
	out := a
	out.Bids = slices.Clone(a.Bids)
	return out
}

// HasBidder reports whether playerID placed any bid on a.
func (a Auction) HasBidder(playerID string) bool {
	for _, b := range a.Bids {
		if b.BidderID == playerID {
			return true
		}
	}
	return false
}
