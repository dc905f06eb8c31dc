// Package player owns the canonical per-player game record.
package player

import (
	"math"
	"time"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// ErrInsufficient is returned when a player lacks the currency or items a change needs.
var ErrInsufficient = apperr.New(apperr.Insufficient, "insufficient funds or items")

// ErrInvalidState is returned when a change would break a record invariant.
var ErrInvalidState = apperr.New(apperr.Precondition, "change would leave player in an invalid state")

// Rules are the progression and regeneration constants.
type Rules struct {
	XPBase       float64
	XPMultiplier float64

	HealthPerLevel int
	ManaPerLevel   int
	EnergyPerLevel int

	EnergyPerMinute      int
	ManaPercentPerMinute int
}

// DefaultRules returns the standard curve: 100 * 1.5^(level-1).
func DefaultRules() Rules {
	return Rules{
		XPBase:               100,
		XPMultiplier:         1.5,
		HealthPerLevel:       10,
		ManaPerLevel:         5,
		EnergyPerLevel:       5,
		EnergyPerMinute:      1,
		ManaPercentPerMinute: 5,
	}
}

// XPToNext returns the XP needed to advance from level.
//
// Precondition: level >= 1.
func (r Rules) XPToNext(level int) int64 {
	return int64(math.Round(r.XPBase * math.Pow(r.XPMultiplier, float64(level-1))))
}

// New returns a fresh level 1 player at location.
func New(id, username, location string, now time.Time) storage.Player {
	ms := now.UnixMilli()
	return storage.Player{
		ID:       id,
		Username: username,
		Location: location,
		Currency: storage.Currency{Shillings: 0, Pennies: 0},
		Vitals: storage.Vitals{
			Health: 100, MaxHealth: 100,
			Mana: 50, MaxMana: 50,
			Energy: 100, MaxEnergy: 100,
		},
		Stats: storage.Stats{
			Intelligence: 5, Endurance: 5, Charisma: 5, Dexterity: 5, Speed: 5,
		},
		Level:      1,
		Inventory:  storage.Inventory{Items: map[string]int{}},
		LastUpdate: ms,
		CreatedAt:  ms,
		UpdatedAt:  ms,
	}
}

// AddCurrency credits pennies and normalizes the purse.
//
// Precondition: pennies >= 0.
func AddCurrency(p *storage.Player, pennies int64) {
	p.Currency = storage.CurrencyFromPennies(p.TotalPennies() + pennies)
}

// RemoveCurrency debits pennies and normalizes the purse.
//
// Postcondition: Returns ErrInsufficient and leaves p unchanged when the balance is short.
func RemoveCurrency(p *storage.Player, pennies int64) error {
	if pennies < 0 || p.TotalPennies() < pennies {
		return ErrInsufficient
	}
	p.Currency = storage.CurrencyFromPennies(p.TotalPennies() - pennies)
	return nil
}

// AddItem adds n copies of itemID.
func AddItem(p *storage.Player, itemID string, n int) {
	if n <= 0 {
		return
	}
	if p.Inventory.Items == nil {
		p.Inventory.Items = make(map[string]int)
	}
	p.Inventory.Items[itemID] += n
}

// RemoveItem removes n copies of itemID.
//
// Postcondition: Returns ErrInsufficient and leaves p unchanged when fewer than n are held.
func RemoveItem(p *storage.Player, itemID string, n int) error {
	have := p.Inventory.Items[itemID]
	if n <= 0 || have < n {
		return ErrInsufficient
	}
	if have == n {
		delete(p.Inventory.Items, itemID)
		return nil
	}
	p.Inventory.Items[itemID] = have - n
	return nil
}

// AddXP grants xp and applies every level-up it triggers. XP holds progress
// toward the next level. Each level raises the vital caps and refills vitals.
//
// Postcondition: Returns the number of levels gained.
func (r Rules) AddXP(p *storage.Player, xp int64) int {
	if xp <= 0 {
		return 0
	}
	if p.Level < 1 {
		p.Level = 1
	}
	p.XP += xp
	gained := 0
	for need := r.XPToNext(p.Level); p.XP >= need; need = r.XPToNext(p.Level) {
		p.XP -= need
		p.Level++
		gained++
		p.MaxHealth += r.HealthPerLevel
		p.MaxMana += r.ManaPerLevel
		p.MaxEnergy += r.EnergyPerLevel
	}
	if gained > 0 {
		p.Health, p.Mana, p.Energy = p.MaxHealth, p.MaxMana, p.MaxEnergy
	}
	return gained
}

// Regenerate advances vitals by the whole minutes elapsed since LastUpdate.
// LastUpdate moves forward by exactly those minutes so repeated application is
// equivalent to a single one.
func (r Rules) Regenerate(p *storage.Player, now time.Time) {
	nowMs := now.UnixMilli()
	if p.LastUpdate <= 0 || nowMs <= p.LastUpdate {
		if p.LastUpdate <= 0 {
			p.LastUpdate = nowMs
		}
		return
	}
	minutes := (nowMs - p.LastUpdate) / int64(time.Minute/time.Millisecond)
	if minutes == 0 {
		return
	}
	p.LastUpdate += minutes * int64(time.Minute/time.Millisecond)

	p.Energy = capAdd(p.Energy, int64(r.EnergyPerMinute)*minutes, p.MaxEnergy)
	perMinute := int64(p.MaxMana * r.ManaPercentPerMinute / 100)
	if perMinute < 1 && p.MaxMana > 0 {
		perMinute = 1
	}
	p.Mana = capAdd(p.Mana, perMinute*minutes, p.MaxMana)
}

func capAdd(v int, delta int64, limit int) int {
	if v >= limit {
		return v
	}
	if int64(limit-v) <= delta {
		return limit
	}
	return v + int(delta)
}

// ReleaseIfServed clears jail state once the release time has passed and moves
// the player out of the jail location.
//
// Postcondition: Returns true when the player was released.
func ReleaseIfServed(p *storage.Player, now time.Time, jailLocation, releaseLocation string) bool {
	if !p.InJail || now.UnixMilli() < p.JailReleaseTime {
		return false
	}
	p.Jail = storage.Jail{}
	if p.Location == jailLocation {
		p.Location = releaseLocation
	}
	return true
}

// Validate checks the numeric invariants of p.
func Validate(p storage.Player) error {
	if p.Shillings < 0 || p.Pennies < 0 || p.XP < 0 || p.Level < 1 || p.PlayTime < 0 {
		return ErrInvalidState
	}
	if p.Intelligence < 0 || p.Endurance < 0 || p.Charisma < 0 || p.Dexterity < 0 || p.Speed < 0 {
		return ErrInvalidState
	}
	vitals := [][2]int{{p.Health, p.MaxHealth}, {p.Mana, p.MaxMana}, {p.Energy, p.MaxEnergy}}
	for _, v := range vitals {
		if v[0] < 0 || v[1] < 0 || v[0] > v[1] {
			return ErrInvalidState
		}
	}
	for _, n := range p.Inventory.Items {
		if n < 0 {
			return ErrInvalidState
		}
	}
	for _, n := range p.Inventory.SmuggledGoods {
		if n < 0 {
			return ErrInvalidState
		}
	}
	return nil
}
