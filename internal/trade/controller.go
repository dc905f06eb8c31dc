package trade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

var (
	ErrNotFound       = apperr.New(apperr.NotFound, "trade not found")
	ErrNotParticipant = apperr.New(apperr.Precondition, "not a party to this trade")
	ErrSelfTrade      = apperr.New(apperr.InvalidInput, "cannot trade with yourself")
	ErrBusy           = apperr.New(apperr.Conflict, "player is already in a trade")
	ErrJailed         = apperr.New(apperr.Precondition, "jailed players cannot trade")
	ErrOffline        = apperr.New(apperr.Precondition, "player is offline")
	ErrSettling       = apperr.New(apperr.Conflict, "trade is settling")
)

// Players is the player state the controller reads and settles against.
type Players interface {
	Get(ctx context.Context, id string) (storage.Player, error)
	Commit(ctx context.Context, ids []string, fn func(players map[string]*storage.Player) error) (map[string]storage.Player, error)
}

// Controller owns every open trade. All methods are safe for concurrent use.
type Controller struct {
	players Players
	online  func(playerID string) bool
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	trades map[string]*Trade
	active map[string]string // player id → open trade id
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller. online reports whether a player has a
// live session.
func NewController(players Players, online func(playerID string) bool, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		players: players,
		online:  online,
		logger:  logger,
		now:     time.Now,
		trades:  make(map[string]*Trade),
		active:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Propose opens a trade from fromID to toID with the proposer's offer.
//
// Postcondition: When the partner is offline the returned trade is Failed and
// the error is ErrOffline; it is never registered.
func (c *Controller) Propose(ctx context.Context, fromID, toID string, offer Offer) (Trade, error) {
	if fromID == toID {
		return Trade{}, ErrSelfTrade
	}
	if err := offer.Validate(); err != nil {
		return Trade{}, err
	}
	from, err := c.players.Get(ctx, fromID)
	if err != nil {
		return Trade{}, err
	}
	to, err := c.players.Get(ctx, toID)
	if err != nil {
		return Trade{}, err
	}

	nowMs := c.now().UnixMilli()
	t := &Trade{
		ID:           uuid.NewString(),
		FromPlayerID: fromID,
		FromUsername: from.Username,
		ToPlayerID:   toID,
		ToUsername:   to.Username,
		FromOffer:    offer.Clone(),
		ToOffer:      Offer{Items: []string{}},
		Status:       Proposed,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}
	if !c.online(toID) {
		t.Status, t.Reason = Failed, ReasonOffline
		return t.Clone(), ErrOffline
	}
	if from.InJail || to.InJail {
		return Trade{}, ErrJailed
	}
	if err := offer.Affordable(from); err != nil {
		return Trade{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[fromID]; busy {
		return Trade{}, ErrBusy
	}
	if _, busy := c.active[toID]; busy {
		return Trade{}, ErrBusy
	}
	c.trades[t.ID] = t
	c.active[fromID] = t.ID
	c.active[toID] = t.ID
	c.logger.Info("trade proposed", zap.String("trade_id", t.ID), zap.String("from", fromID), zap.String("to", toID))
	return t.Clone(), nil
}

// lookup returns the open trade for a participant.
//
// Precondition: c.mu is held.
func (c *Controller) lookup(tradeID, playerID string) (*Trade, error) {
	t, ok := c.trades[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Involves(playerID) {
		return nil, ErrNotParticipant
	}
	if t.settling {
		return nil, ErrSettling
	}
	return t, nil
}

// UpdateOffer replaces playerID's side of the trade and clears both confirmations.
func (c *Controller) UpdateOffer(ctx context.Context, tradeID, playerID string, offer Offer) (Trade, error) {
	if err := offer.Validate(); err != nil {
		return Trade{}, err
	}
	p, err := c.players.Get(ctx, playerID)
	if err != nil {
		return Trade{}, err
	}
	if err := offer.Affordable(p); err != nil {
		return Trade{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.lookup(tradeID, playerID)
	if err != nil {
		return Trade{}, err
	}
	*t.offerOf(playerID) = offer.Clone()
	t.FromConfirmed, t.ToConfirmed = false, false
	t.Status = Negotiating
	t.UpdatedAt = c.stamp(t.UpdatedAt)
	return t.Clone(), nil
}

// Confirm records playerID's confirmation. When both sides have confirmed the
// trade settles before Confirm returns.
//
// Postcondition: A settled trade is Completed or Failed and no longer open.
// Settlement outcomes are reported through the trade's status, not the error.
func (c *Controller) Confirm(ctx context.Context, tradeID, playerID string) (Trade, error) {
	p, err := c.players.Get(ctx, playerID)
	if err != nil {
		return Trade{}, err
	}

	c.mu.Lock()
	t, err := c.lookup(tradeID, playerID)
	if err != nil {
		c.mu.Unlock()
		return Trade{}, err
	}
	if err := t.offerOf(playerID).Affordable(p); err != nil {
		c.mu.Unlock()
		return Trade{}, err
	}
	t.confirm(playerID)
	t.UpdatedAt = c.stamp(t.UpdatedAt)
	if !t.FromConfirmed || !t.ToConfirmed {
		t.Status = Confirmed
		out := t.Clone()
		c.mu.Unlock()
		return out, nil
	}
	t.settling = true
	snapshot := t.Clone()
	c.mu.Unlock()

	settleErr := c.settle(ctx, snapshot)

	c.mu.Lock()
	defer c.mu.Unlock()
	t.settling = false
	if settleErr != nil {
		t.Status = Failed
		t.Reason = apperr.PublicMessage(settleErr)
		c.logger.Warn("trade settlement failed", zap.String("trade_id", t.ID), zap.Error(settleErr))
	} else {
		t.Status = Completed
		c.logger.Info("trade completed", zap.String("trade_id", t.ID))
	}
	t.UpdatedAt = c.stamp(t.UpdatedAt)
	c.closeLocked(t)
	return t.Clone(), nil
}

// settle swaps both offers under both players' write locks and persists them.
func (c *Controller) settle(ctx context.Context, t Trade) error {
	_, err := c.players.Commit(ctx, []string{t.FromPlayerID, t.ToPlayerID}, func(players map[string]*storage.Player) error {
		from, to := players[t.FromPlayerID], players[t.ToPlayerID]
		if from.InJail || to.InJail {
			return ErrJailed
		}
		if err := t.FromOffer.transfer(from, to); err != nil {
			return err
		}
		return t.ToOffer.transfer(to, from)
	})
	return err
}

// Cancel ends the trade at the request of either party.
func (c *Controller) Cancel(tradeID, playerID string) (Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.lookup(tradeID, playerID)
	if err != nil {
		return Trade{}, err
	}
	t.Status, t.Reason = Cancelled, ReasonCancelled
	t.UpdatedAt = c.stamp(t.UpdatedAt)
	c.closeLocked(t)
	return t.Clone(), nil
}

// PlayerDisconnected cancels the player's open trade, if any.
//
// Postcondition: Returns the cancelled trade and true, or false when the
// player had no open trade or it is mid-settlement.
func (c *Controller) PlayerDisconnected(playerID string) (Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[playerID]
	if !ok {
		return Trade{}, false
	}
	t := c.trades[id]
	if t.settling {
		return Trade{}, false
	}
	t.Status, t.Reason = Cancelled, ReasonPartnerDisconnected
	t.UpdatedAt = c.stamp(t.UpdatedAt)
	c.closeLocked(t)
	return t.Clone(), true
}

// Get returns an open trade.
func (c *Controller) Get(tradeID string) (Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trades[tradeID]
	if !ok {
		return Trade{}, false
	}
	return t.Clone(), true
}

// ActiveFor returns the player's open trade.
func (c *Controller) ActiveFor(playerID string) (Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[playerID]
	if !ok {
		return Trade{}, false
	}
	return c.trades[id].Clone(), true
}

// Open returns the number of open trades.
func (c *Controller) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

func (c *Controller) closeLocked(t *Trade) {
	delete(c.trades, t.ID)
	if c.active[t.FromPlayerID] == t.ID {
		delete(c.active, t.FromPlayerID)
	}
	if c.active[t.ToPlayerID] == t.ID {
		delete(c.active, t.ToPlayerID)
	}
}

func (c *Controller) stamp(prev int64) int64 {
	return max(prev+1, c.now().UnixMilli())
}
