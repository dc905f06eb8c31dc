package auction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// retryDelay is how long a failed close waits before trying again.
const retryDelay = 5 * time.Second

// Players is the player state listings and bids are settled against.
type Players interface {
	Get(ctx context.Context, id string) (storage.Player, error)
	Commit(ctx context.Context, ids []string, fn func(players map[string]*storage.Player) error) (map[string]storage.Player, error)
}

// Store persists auctions.
type Store interface {
	GetAuction(ctx context.Context, id string) (storage.Auction, error)
	SaveAuction(ctx context.Context, a storage.Auction) error
	ListAuctions(ctx context.Context, status string) ([]storage.Auction, error)
	ListAuctionsBySeller(ctx context.Context, sellerID string) ([]storage.Auction, error)
	ListAuctionsByBidder(ctx context.Context, bidderID string) ([]storage.Auction, error)
}

type entry struct {
	mu    sync.Mutex
	a     storage.Auction
	timer *time.Timer
}

// Controller owns active auctions and their close timers.
// All methods are safe for concurrent use.
type Controller struct {
	players Players
	store   Store
	cfg     config.AuctionConfig
	logger  *zap.Logger
	now     func() time.Time
	notify  func([]Event)

	mu       sync.Mutex
	active   map[string]*entry
	stopped  bool
	inflight sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithNotifier sets the sink for events produced by scheduled closes.
func WithNotifier(fn func([]Event)) Option {
	return func(c *Controller) { c.notify = fn }
}

// NewController creates a Controller. Call Start to load active auctions.
func NewController(players Players, store Store, cfg config.AuctionConfig, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		players: players,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		notify:  func([]Event) {},
		active:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads every active auction and schedules its close. Auctions already
// past their deadline close immediately.
func (c *Controller) Start(ctx context.Context) error {
	auctions, err := c.store.ListAuctions(ctx, storage.AuctionActive)
	if err != nil {
		return fmt.Errorf("loading active auctions: %w", err)
	}
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	for _, a := range auctions {
		c.track(a)
	}
	c.logger.Info("auctions restored", zap.Int("active", len(auctions)))
	return nil
}

// Stop cancels every pending close timer and waits for running closes.
// Auction state is already durable, so nothing is force-closed.
func (c *Controller) Stop(_ context.Context) error {
	c.mu.Lock()
	c.stopped = true
	entries := make([]*entry, 0, len(c.active))
	for _, e := range c.active {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}
	c.inflight.Wait()
	return nil
}

// track registers a as active and arms its close timer.
func (c *Controller) track(a storage.Auction) {
	e := &entry{a: a}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	c.active[a.ID] = e
	c.mu.Unlock()
	c.schedule(e, time.UnixMilli(a.EndsAt).Sub(c.now()))
}

// schedule arms e's close timer to fire after d.
//
// Precondition: e.mu is held. Lock order is always e.mu before c.mu.
func (c *Controller) schedule(e *entry, d time.Duration) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if stopped {
		return
	}
	id := e.a.ID
	e.timer = time.AfterFunc(max(d, 0), func() { c.fire(id) })
}

func (c *Controller) fire(id string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	e, ok := c.active[id]
	c.mu.Unlock()
	defer c.inflight.Done()
	if !ok {
		return
	}

	events, err := c.Close(context.Background(), id)
	if err != nil {
		c.logger.Error("closing auction", zap.String("auction_id", id), zap.Error(err))
		e.mu.Lock()
		if e.a.Status == storage.AuctionActive {
			c.schedule(e, retryDelay)
		}
		e.mu.Unlock()
		return
	}
	if len(events) > 0 {
		c.notify(events)
	}
}

func (c *Controller) entry(ctx context.Context, id string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	if _, err := c.store.GetAuction(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return nil, ErrNotActive
}

func (c *Controller) validate(l Listing, seller storage.Player) (storage.AuctionItem, string, string, error) {
	if !slices.Contains(c.cfg.Durations, l.Duration) {
		return storage.AuctionItem{}, "", "", ErrBadDuration
	}
	if l.StartingBid < 1 {
		return storage.AuctionItem{}, "", "", ErrBadStartingBid
	}
	item := l.Item
	switch item.Type {
	case storage.ItemKindItem:
		if item.ID == "" {
			return storage.AuctionItem{}, "", "", ErrBadItem
		}
		item.Amount = 1
	case storage.ItemKindCurrency:
		if item.Amount < 1 {
			return storage.AuctionItem{}, "", "", ErrBadItem
		}
		item.ID = ""
	default:
		return storage.AuctionItem{}, "", "", ErrBadItem
	}

	switch l.Scope {
	case "", storage.ScopeGlobal:
		return item, "", "", nil
	case storage.ScopeLocation:
		loc := cmp.Or(l.LocationID, seller.Location)
		return item, loc, "", nil
	case storage.ScopeGuild:
		if l.GuildID == "" || !slices.Contains(seller.GuildIDs(), l.GuildID) {
			return storage.AuctionItem{}, "", "", ErrBadScope
		}
		return item, "", l.GuildID, nil
	default:
		return storage.AuctionItem{}, "", "", ErrBadScope
	}
}

// Create escrows the lot from the seller and opens the listing.
//
// Postcondition: The listing is durable and scheduled; returns an auction_new event.
func (c *Controller) Create(ctx context.Context, sellerID string, l Listing) (storage.Auction, []Event, error) {
	seller, err := c.players.Get(ctx, sellerID)
	if err != nil {
		return storage.Auction{}, nil, err
	}
	if seller.InJail {
		return storage.Auction{}, nil, ErrJailed
	}
	item, loc, guild, err := c.validate(l, seller)
	if err != nil {
		return storage.Auction{}, nil, err
	}

	now := c.now()
	scope := cmp.Or(l.Scope, storage.ScopeGlobal)
	a := storage.Auction{
		ID:          uuid.NewString(),
		SellerID:    sellerID,
		SellerName:  seller.Username,
		Item:        item,
		StartingBid: l.StartingBid,
		Bids:        []storage.Bid{},
		Scope:       scope,
		LocationID:  loc,
		GuildID:     guild,
		Status:      storage.AuctionActive,
		CreatedAt:   now.UnixMilli(),
		EndsAt:      now.Add(l.Duration).UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}

	saved := false
	_, err = c.players.Commit(ctx, []string{sellerID}, func(players map[string]*storage.Player) error {
		if err := escrow(item, players[sellerID]); err != nil {
			return err
		}
		if err := c.store.SaveAuction(ctx, a); err != nil {
			return apperr.Wrap(apperr.Internal, err, "saving auction")
		}
		saved = true
		return nil
	})
	if err != nil {
		if saved {
			void := a.Clone()
			void.Status = storage.AuctionCancelled
			void.UpdatedAt++
			c.compensate(ctx, void)
		}
		return storage.Auction{}, nil, err
	}

	c.track(a)

	c.logger.Info("auction created",
		zap.String("auction_id", a.ID),
		zap.String("seller_id", sellerID),
		zap.Time("ends_at", time.UnixMilli(a.EndsAt)),
	)
	return a.Clone(), []Event{{Kind: EventNew, Auction: a.Clone()}}, nil
}

// compensate restores a previously saved auction record after the player
// side of a change failed to persist.
func (c *Controller) compensate(ctx context.Context, a storage.Auction) {
	if err := c.store.SaveAuction(ctx, a); err != nil {
		c.logger.Error("restoring auction after failed settlement", zap.String("auction_id", a.ID), zap.Error(err))
	}
}

// Bid places amount on the auction for bidderID, refunding the previous high bidder.
//
// Postcondition: Returns auction_bid_placed and, when someone was outbid, a
// private auction_outbid for them.
func (c *Controller) Bid(ctx context.Context, auctionID, bidderID string, amount int64) (storage.Auction, []Event, error) {
	e, err := c.entry(ctx, auctionID)
	if err != nil {
		return storage.Auction{}, nil, err
	}
	bidder, err := c.players.Get(ctx, bidderID)
	if err != nil {
		return storage.Auction{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.a
	now := c.now()
	switch {
	case old.Status != storage.AuctionActive:
		return storage.Auction{}, nil, ErrNotActive
	case now.UnixMilli() >= old.EndsAt:
		return storage.Auction{}, nil, ErrEnded
	case old.SellerID == bidderID:
		return storage.Auction{}, nil, ErrOwnAuction
	case !Visible(old, bidder):
		return storage.Auction{}, nil, ErrNotVisible
	}
	if minimum := MinimumBid(old, c.cfg.MinIncrement); amount < minimum {
		return storage.Auction{}, nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("bid must be at least %d", minimum))
	}

	next := old.Clone()
	next.CurrentBid = amount
	next.HighestBidderID = bidderID
	next.Bids = append(next.Bids, storage.Bid{BidderID: bidderID, BidderName: bidder.Username, Amount: amount, At: now.UnixMilli()})
	if c.cfg.AntiSnipeWindow > 0 && time.UnixMilli(old.EndsAt).Sub(now) <= c.cfg.AntiSnipeWindow {
		next.EndsAt = old.EndsAt + c.cfg.AntiSnipeExtension.Milliseconds()
	}
	next.UpdatedAt = max(old.UpdatedAt+1, now.UnixMilli())

	prev := old.HighestBidderID
	ids := []string{bidderID}
	if prev != "" && prev != bidderID {
		ids = append(ids, prev)
	}
	saved := false
	_, err = c.players.Commit(ctx, ids, func(players map[string]*storage.Player) error {
		if prev != "" {
			player.AddCurrency(players[prev], old.CurrentBid)
		}
		if err := player.RemoveCurrency(players[bidderID], amount); err != nil {
			return err
		}
		if err := c.store.SaveAuction(ctx, next); err != nil {
			return apperr.Wrap(apperr.Internal, err, "saving auction")
		}
		saved = true
		return nil
	})
	if err != nil {
		if saved {
			c.compensate(ctx, old)
		}
		return storage.Auction{}, nil, err
	}

	e.a = next
	if next.EndsAt != old.EndsAt {
		c.schedule(e, time.UnixMilli(next.EndsAt).Sub(now))
	}
	c.logger.Info("bid placed",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.Int64("amount", amount),
	)

	events := []Event{{Kind: EventBidPlaced, Auction: next.Clone()}}
	if prev != "" && prev != bidderID {
		events = append(events, Event{Kind: EventOutbid, Auction: next.Clone(), Recipient: prev})
	}
	return next.Clone(), events, nil
}

// Cancel returns the lot to the seller. Only the seller may cancel, and only
// before the first bid.
func (c *Controller) Cancel(ctx context.Context, auctionID, sellerID string) (storage.Auction, []Event, error) {
	e, err := c.entry(ctx, auctionID)
	if err != nil {
		return storage.Auction{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.a
	switch {
	case old.Status != storage.AuctionActive:
		return storage.Auction{}, nil, ErrNotActive
	case old.SellerID != sellerID:
		return storage.Auction{}, nil, ErrNotSeller
	case old.HighestBidderID != "":
		return storage.Auction{}, nil, ErrHasBids
	}

	next := old.Clone()
	next.Status = storage.AuctionCancelled
	next.UpdatedAt = max(old.UpdatedAt+1, c.now().UnixMilli())
	if err := c.settle(ctx, old, next, []string{sellerID}, func(players map[string]*storage.Player) {
		release(old.Item, players[sellerID])
	}); err != nil {
		return storage.Auction{}, nil, err
	}

	c.retire(e, next)
	c.logger.Info("auction cancelled", zap.String("auction_id", auctionID))
	return next.Clone(), []Event{{Kind: EventCancelled, Auction: next.Clone()}}, nil
}

// Close settles the auction if its deadline has passed. Closing an auction
// that is no longer active is a no-op; an early call re-arms the timer.
//
// Postcondition: With a winner, the seller is credited CurrentBid and the
// winner receives the lot; otherwise the lot returns to the seller.
func (c *Controller) Close(ctx context.Context, auctionID string) ([]Event, error) {
	c.mu.Lock()
	e, ok := c.active[auctionID]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.a
	if old.Status != storage.AuctionActive {
		return nil, nil
	}
	now := c.now()
	if now.UnixMilli() < old.EndsAt {
		c.schedule(e, time.UnixMilli(old.EndsAt).Sub(now))
		return nil, nil
	}

	next := old.Clone()
	next.Status = storage.AuctionCompleted
	next.UpdatedAt = max(old.UpdatedAt+1, now.UnixMilli())
	winner := old.HighestBidderID
	next.WinnerID = winner

	ids := []string{old.SellerID}
	if winner != "" {
		ids = append(ids, winner)
	}
	if err := c.settle(ctx, old, next, ids, func(players map[string]*storage.Player) {
		if winner == "" {
			release(old.Item, players[old.SellerID])
			return
		}
		player.AddCurrency(players[old.SellerID], old.CurrentBid)
		release(old.Item, players[winner])
	}); err != nil {
		return nil, err
	}

	c.retire(e, next)
	c.logger.Info("auction closed", zap.String("auction_id", auctionID), zap.String("winner_id", winner))

	events := []Event{{Kind: EventClosed, Auction: next.Clone(), Recipient: old.SellerID, Role: RoleSeller}}
	if winner != "" {
		events = append(events, Event{Kind: EventClosed, Auction: next.Clone(), Recipient: winner, Role: RoleWinner})
	}
	return events, nil
}

// settle applies move to the players and saves next as one unit.
func (c *Controller) settle(ctx context.Context, old, next storage.Auction, ids []string, move func(map[string]*storage.Player)) error {
	saved := false
	_, err := c.players.Commit(ctx, ids, func(players map[string]*storage.Player) error {
		move(players)
		if err := c.store.SaveAuction(ctx, next); err != nil {
			return apperr.Wrap(apperr.Internal, err, "saving auction")
		}
		saved = true
		return nil
	})
	if err != nil && saved {
		c.compensate(ctx, old)
	}
	return err
}

// retire removes a finished auction from the active set.
//
// Precondition: e.mu is held.
func (c *Controller) retire(e *entry, final storage.Auction) {
	e.a = final
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	c.mu.Lock()
	delete(c.active, final.ID)
	c.mu.Unlock()
}

// Get returns an auction by id, active or not.
func (c *Controller) Get(ctx context.Context, id string) (storage.Auction, error) {
	c.mu.Lock()
	e, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.a.Clone(), nil
	}
	a, err := c.store.GetAuction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Auction{}, ErrNotFound
	}
	return a, err
}

// Active returns every active auction visible to viewer, soonest deadline first.
func (c *Controller) Active(viewer storage.Player) []storage.Auction {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.active))
	for _, e := range c.active {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]storage.Auction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		a := e.a.Clone()
		e.mu.Unlock()
		if a.Status == storage.AuctionActive && Visible(a, viewer) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b storage.Auction) int {
		return cmp.Or(cmp.Compare(a.EndsAt, b.EndsAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ActiveCount returns the number of active auctions.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ForPlayer returns the auctions playerID sells and the auctions they bid on.
func (c *Controller) ForPlayer(ctx context.Context, playerID string) (selling, bidding []storage.Auction, err error) {
	if selling, err = c.store.ListAuctionsBySeller(ctx, playerID); err != nil {
		return nil, nil, fmt.Errorf("listing seller auctions: %w", err)
	}
	if bidding, err = c.store.ListAuctionsByBidder(ctx, playerID); err != nil {
		return nil, nil, fmt.Errorf("listing bidder auctions: %w", err)
	}
	return selling, bidding, nil
}
