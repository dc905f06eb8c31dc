package gameserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/auction"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// PublishAuctionEvents delivers auction outcomes. Events without a recipient
// reach every authenticated player the auction is visible to. The auction
// controller calls this for scheduled closes.
func (r *Router) PublishAuctionEvents(events []auction.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ev := range events {
		var msg any
		switch ev.Kind {
		case auction.EventCancelled:
			msg = auctionCancelledMsg{Type: string(ev.Kind), AuctionID: ev.Auction.ID}
		default:
			msg = auctionMsg{Type: string(ev.Kind), Auction: ev.Auction, Role: ev.Role}
		}

		if ev.Recipient == "" {
			a := ev.Auction
			r.toAuthenticated(msg, func(id string) bool { return r.canSee(ctx, a, id) })
			continue
		}
		r.toPlayer(ev.Recipient, msg)
		switch ev.Kind {
		case auction.EventOutbid, auction.EventClosed:
			r.pushPlayer(ctx, ev.Recipient)
		}
	}
}

func (r *Router) canSee(ctx context.Context, a storage.Auction, playerID string) bool {
	if a.Scope == storage.ScopeGlobal || a.Scope == "" || a.SellerID == playerID {
		return true
	}
	p, err := r.svc.Players.Get(ctx, playerID)
	if err != nil {
		r.logger.Debug("loading viewer", zap.String("player_id", playerID), zap.Error(err))
		return false
	}
	return auction.Visible(a, p)
}

func (r *Router) handleAuctionCreate(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req auctionCreateRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Item.Type, req.Item.ID, req.Options.Scope, req.Options.LocationID, req.Options.GuildID); err != nil {
		return nil, err
	}
	a, events, err := r.svc.Auctions.Create(ctx, s.PlayerID(), auction.Listing{
		Item:        req.Item,
		StartingBid: req.StartingBid,
		Duration:    req.duration(),
		Scope:       req.Options.Scope,
		LocationID:  req.Options.LocationID,
		GuildID:     req.Options.GuildID,
	})
	if err != nil {
		return nil, err
	}
	r.pushPlayer(ctx, s.PlayerID())
	r.PublishAuctionEvents(events)
	return auctionMsg{Type: MsgAuctionCreateResult, Auction: a}, nil
}

func (r *Router) handleAuctionBid(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req auctionBidRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.AuctionID); err != nil {
		return nil, err
	}
	_, events, err := r.svc.Auctions.Bid(ctx, req.AuctionID, s.PlayerID(), req.BidAmount)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			return nil, err
		}
		return failure(MsgAuctionBidResult, err), nil
	}
	r.pushPlayer(ctx, s.PlayerID())
	r.PublishAuctionEvents(events)
	return resultMsg{Type: MsgAuctionBidResult, Success: true}, nil
}

func (r *Router) handleAuctionCancel(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req auctionIDRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.AuctionID); err != nil {
		return nil, err
	}
	_, events, err := r.svc.Auctions.Cancel(ctx, req.AuctionID, s.PlayerID())
	if err != nil {
		return nil, err
	}
	r.pushPlayer(ctx, s.PlayerID())
	r.PublishAuctionEvents(events)
	return resultMsg{Type: MsgActionResult, Success: true, Message: "auction cancelled"}, nil
}

func (r *Router) handleAuctionGet(ctx context.Context, s *session.Session, _ []byte) (any, error) {
	p, err := r.svc.Players.Get(ctx, s.PlayerID())
	if err != nil {
		return nil, err
	}
	return auctionListMsg{Type: MsgAuctionList, Auctions: r.svc.Auctions.Active(p)}, nil
}
