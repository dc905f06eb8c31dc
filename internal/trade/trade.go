// Package trade runs two-party escrowed exchanges with dual confirmation.
package trade

import (
	"slices"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// Status is a trade's position in its state machine.
type Status string

const (
	Proposed    Status = "proposed"
	Negotiating Status = "negotiating"
	// Confirmed means exactly one side has confirmed.
	Confirmed Status = "confirmed"
	Completed Status = "completed"
	Cancelled Status = "cancelled"
	Failed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Reasons attached to cancelled and failed trades.
const (
	ReasonPartnerDisconnected = "partner_disconnected"
	ReasonCancelled           = "cancelled_by_player"
	ReasonOffline             = "player_offline"
)

// maxOfferItems bounds the number of item entries in one offer.
const maxOfferItems = 64

// Offer is one side's contribution. Repeated item ids mean multiple copies.
type Offer struct {
	Items    []string `json:"items"`
	Currency int64    `json:"currency"`
}

// Counts returns the number of copies offered per item id.
func (o Offer) Counts() map[string]int {
	counts := make(map[string]int, len(o.Items))
	for _, id := range o.Items {
		counts[id]++
	}
	return counts
}

// Validate checks the offer's shape.
func (o Offer) Validate() error {
	if o.Currency < 0 {
		return apperr.New(apperr.InvalidInput, "offer currency must not be negative")
	}
	if len(o.Items) > maxOfferItems {
		return apperr.New(apperr.InvalidInput, "offer has too many items")
	}
	for _, id := range o.Items {
		if id == "" {
			return apperr.New(apperr.InvalidInput, "offer item id is empty")
		}
	}
	return nil
}

// Clone returns a deep copy of o.
func (o Offer) Clone() Offer {
	return Offer{Items: slices.Clone(o.Items), Currency: o.Currency}
}

// Affordable reports whether p holds everything in o.
func (o Offer) Affordable(p storage.Player) error {
	if p.TotalPennies() < o.Currency {
		return player.ErrInsufficient
	}
	for id, n := range o.Counts() {
		if p.Inventory.Count(id) < n {
			return player.ErrInsufficient
		}
	}
	return nil
}

// transfer moves o from giver to receiver.
func (o Offer) transfer(giver, receiver *storage.Player) error {
	if err := player.RemoveCurrency(giver, o.Currency); err != nil {
		return err
	}
	player.AddCurrency(receiver, o.Currency)
	for id, n := range o.Counts() {
		if err := player.RemoveItem(giver, id, n); err != nil {
			return err
		}
		player.AddItem(receiver, id, n)
	}
	return nil
}

// Trade is the state of one exchange.
type Trade struct {
	ID            string `json:"id"`
	FromPlayerID  string `json:"fromPlayerId"`
	FromUsername  string `json:"fromUsername"`
	ToPlayerID    string `json:"toPlayerId"`
	ToUsername    string `json:"toUsername"`
	FromOffer     Offer  `json:"fromOffer"`
	ToOffer       Offer  `json:"toOffer"`
	FromConfirmed bool   `json:"fromConfirmed"`
	ToConfirmed   bool   `json:"toConfirmed"`
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`

	settling bool
}

// Clone returns a deep copy of t.
func (t Trade) Clone() Trade {
	out := t
	out.FromOffer = t.FromOffer.Clone()
	out.ToOffer = t.ToOffer.Clone()
	return out
}

// Involves reports whether playerID is a party to t.
func (t Trade) Involves(playerID string) bool {
	return t.FromPlayerID == playerID || t.ToPlayerID == playerID
}

// Partner returns the other party.
func (t Trade) Partner(playerID string) string {
	if t.FromPlayerID == playerID {
		return t.ToPlayerID
	}
	return t.FromPlayerID
}

func (t *Trade) offerOf(playerID string) *Offer {
	if t.FromPlayerID == playerID {
		return &t.FromOffer
	}
	return &t.ToOffer
}

func (t *Trade) confirm(playerID string) {
	if t.FromPlayerID == playerID {
		t.FromConfirmed = true
	} else {
		t.ToConfirmed = true
	}
}
