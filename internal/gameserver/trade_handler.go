package gameserver

import (
	"context"
	"errors"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/trade"
)

// toParties sends msg to both participants of t.
func (r *Router) toParties(t trade.Trade, msg any) {
	r.toPlayer(t.FromPlayerID, msg)
	r.toPlayer(t.ToPlayerID, msg)
}

func (r *Router) handleTradePropose(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req tradeProposeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.ToPlayerID); err != nil {
		return nil, err
	}
	t, err := r.svc.Trades.Propose(ctx, s.PlayerID(), req.ToPlayerID, req.Offer)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			return nil, err
		}
		res := tradeProposeResultMsg{Type: MsgTradeProposeResult, Message: apperr.PublicMessage(err), Kind: string(apperr.KindOf(err))}
		if errors.Is(err, trade.ErrOffline) {
			res.Trade = &t
		}
		return res, nil
	}
	r.toPlayer(t.ToPlayerID, tradeMsg{Type: MsgTradeInvitation, Trade: t})
	return tradeProposeResultMsg{Type: MsgTradeProposeResult, Success: true, Trade: &t}, nil
}

func (r *Router) handleTradeUpdateOffer(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req tradeOfferRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.TradeID); err != nil {
		return nil, err
	}
	t, err := r.svc.Trades.UpdateOffer(ctx, req.TradeID, s.PlayerID(), req.Offer)
	if err != nil {
		return nil, err
	}
	r.toParties(t, tradeMsg{Type: MsgTradeUpdated, Trade: t})
	return nil, nil
}

// handleTradeConfirm records a confirmation. The second confirmation settles
// the trade and both parties see the outcome along with fresh player records.
func (r *Router) handleTradeConfirm(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req tradeIDRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.TradeID); err != nil {
		return nil, err
	}
	t, err := r.svc.Trades.Confirm(ctx, req.TradeID, s.PlayerID())
	if err != nil {
		return nil, err
	}
	if !t.Status.Terminal() {
		r.toParties(t, tradeMsg{Type: MsgTradeUpdated, Trade: t})
		return nil, nil
	}
	r.toParties(t, tradeMsg{Type: MsgTradeConfirmed, Trade: t})
	if t.Status == trade.Completed {
		r.pushPlayer(ctx, t.FromPlayerID)
		r.pushPlayer(ctx, t.ToPlayerID)
	}
	return nil, nil
}

func (r *Router) handleTradeCancel(_ context.Context, s *session.Session, raw []byte) (any, error) {
	var req tradeIDRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.TradeID); err != nil {
		return nil, err
	}
	t, err := r.svc.Trades.Cancel(req.TradeID, s.PlayerID())
	if err != nil {
		return nil, err
	}
	r.toParties(t, tradeCancelledMsg{Type: MsgTradeCancelled, TradeID: t.ID, Reason: t.Reason})
	return nil, nil
}
