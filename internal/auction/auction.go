// Package auction runs timed listings with escrowed lots and bids.
package auction

import (
	"slices"
	"time"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

var (
	ErrNotFound       = apperr.New(apperr.NotFound, "auction not found")
	ErrNotActive      = apperr.New(apperr.Precondition, "auction is not active")
	ErrEnded          = apperr.New(apperr.Precondition, "auction has ended")
	ErrOwnAuction     = apperr.New(apperr.Precondition, "cannot bid on your own auction")
	ErrNotSeller      = apperr.New(apperr.Precondition, "only the seller can cancel")
	ErrHasBids        = apperr.New(apperr.Precondition, "auction already has bids")
	ErrNotVisible     = apperr.New(apperr.Precondition, "auction is not available here")
	ErrJailed         = apperr.New(apperr.Precondition, "jailed players cannot list auctions")
	ErrBadDuration    = apperr.New(apperr.InvalidInput, "unsupported auction duration")
	ErrBadStartingBid = apperr.New(apperr.InvalidInput, "starting bid must be at least 1 penny")
	ErrBadItem        = apperr.New(apperr.InvalidInput, "invalid auction item")
	ErrBadScope       = apperr.New(apperr.InvalidInput, "invalid auction scope")
)

// EventKind names the wire message an event becomes.
type EventKind string

const (
	EventNew       EventKind = "auction_new"
	EventBidPlaced EventKind = "auction_bid_placed"
	EventOutbid    EventKind = "auction_outbid"
	EventClosed    EventKind = "auction_closed"
	EventCancelled EventKind = "auction_cancelled"
)

// Roles carried by closed events.
const (
	RoleSeller = "seller"
	RoleWinner = "winner"
)

// Event is an outcome to publish. An empty Recipient means every player the
// auction is visible to.
type Event struct {
	Kind      EventKind
	Auction   storage.Auction
	Recipient string
	Role      string
}

// Listing is a request to create an auction.
type Listing struct {
	Item        storage.AuctionItem
	StartingBid int64
	Duration    time.Duration
	Scope       string
	LocationID  string
	GuildID     string
}

// Visible reports whether viewer may see and bid on a.
func Visible(a storage.Auction, viewer storage.Player) bool {
	if a.SellerID == viewer.ID {
		return true
	}
	switch a.Scope {
	case storage.ScopeLocation:
		return viewer.Location == a.LocationID
	case storage.ScopeGuild:
		return slices.Contains(viewer.GuildIDs(), a.GuildID)
	default:
		return true
	}
}

// MinimumBid returns the lowest acceptable next bid. CurrentBid stays 0 until
// the first bid, so an opening bid of exactly StartingBid still raises it.
func MinimumBid(a storage.Auction, minIncrement bool) int64 {
	if a.HighestBidderID == "" {
		return a.StartingBid
	}
	if !minIncrement {
		return a.CurrentBid + 1
	}
	return a.CurrentBid + max(1, (a.CurrentBid*5+99)/100)
}

// escrow removes the lot from the seller.
func escrow(item storage.AuctionItem, seller *storage.Player) error {
	if item.Type == storage.ItemKindCurrency {
		return player.RemoveCurrency(seller, item.Amount)
	}
	return player.RemoveItem(seller, item.ID, 1)
}

// release gives the lot to p.
func release(item storage.AuctionItem, p *storage.Player) {
	if item.Type == storage.ItemKindCurrency {
		player.AddCurrency(p, item.Amount)
		return
	}
	player.AddItem(p, item.ID, 1)
}
