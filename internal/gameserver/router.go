// Package gameserver routes client commands to the game services and fans
// results out to connected sessions.
package gameserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/auction"
	"github.com/cory-johannsen/highwizardry/internal/auth"
	"github.com/cory-johannsen/highwizardry/internal/chat"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/game/presence"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/game/world"
	"github.com/cory-johannsen/highwizardry/internal/observability"
	"github.com/cory-johannsen/highwizardry/internal/trade"
)

var (
	errMalformed       = apperr.New(apperr.MalformedMessage, "malformed message")
	errUnknownType     = apperr.New(apperr.MalformedMessage, "unknown message type")
	errUnauthenticated = apperr.New(apperr.Unauthenticated, "authentication required")
	errMuted           = apperr.New(apperr.Muted, "you are muted")
	errBanned          = apperr.New(apperr.Banned, "account is banned")
)

// handler runs one command. A non-nil reply is sent to the invoking session.
type handler func(ctx context.Context, s *session.Session, raw []byte) (reply any, err error)

// Services are the game components the router drives.
type Services struct {
	Auth     *auth.Manager
	Players  *player.Store
	Presence *presence.Registry
	Sessions *session.Manager
	Chat     *chat.Broker
	Trades   *trade.Controller
	Auctions *auction.Controller
	World    *world.Catalog
}

// Router is the single dispatch point for inbound frames.
// Handle is safe for concurrent use across sessions; frames of one session
// must be handled sequentially.
type Router struct {
	svc      Services
	server   config.ServerConfig
	gateway  config.GatewayConfig
	logger   *zap.Logger
	now      func() time.Time
	handlers map[string]handler

	mu      sync.Mutex
	strikes map[string]*strikes
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter builds the dispatch table and subscribes to presence transitions.
//
// Precondition: every field of svc must be non-nil.
func NewRouter(svc Services, server config.ServerConfig, gateway config.GatewayConfig, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		svc:     svc,
		server:  server,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
		strikes: make(map[string]*strikes),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[string]handler{
		MsgConnected:            r.handleNoop,
		MsgPing:                 r.handlePing,
		MsgPong:                 r.handleNoop,
		MsgAuthenticate:         r.handleAuthenticate,
		MsgLogin:                r.handleLogin,
		MsgRegister:             r.handleRegister,
		MsgVerifyEmail:          r.handleVerifyEmail,
		MsgResendVerification:   r.handleResendVerification,
		MsgAddEmail:             r.handleAddEmail,
		MsgRequestPasswordReset: r.handleRequestPasswordReset,
		MsgResetPassword:        r.handleResetPassword,
		MsgMove:                 r.handleMove,
		MsgChat:                 r.handleChat,
		MsgPlayerUpdate:         r.handlePlayerUpdate,
		MsgTradePropose:         r.handleTradePropose,
		MsgTradeUpdateOffer:     r.handleTradeUpdateOffer,
		MsgTradeConfirm:         r.handleTradeConfirm,
		MsgTradeCancel:          r.handleTradeCancel,
		MsgAuctionCreate:        r.handleAuctionCreate,
		MsgAuctionBid:           r.handleAuctionBid,
		MsgAuctionCancel:        r.handleAuctionCancel,
		MsgAuctionGet:           r.handleAuctionGet,
	}
	svc.Presence.Subscribe(r.onPresence)
	return r
}

// Connected registers a new session and greets it.
//
// Postcondition: The session is tracked and a connected frame is queued.
func (r *Router) Connected(s *session.Session) error {
	if err := r.svc.Sessions.Add(s); err != nil {
		return err
	}
	r.send(s, connectedMsg{Type: MsgConnected, ServerTime: r.now().UnixMilli()})
	return nil
}

// Handle runs one inbound frame through the preamble and its handler.
func (r *Router) Handle(ctx context.Context, s *session.Session, raw []byte) {
	now := r.now()
	s.Touch(now)

	if r.server.MaxFrameBytes > 0 && int64(len(raw)) > r.server.MaxFrameBytes {
		r.malformed(s, errMalformed)
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.malformed(s, errMalformed)
		return
	}
	h, ok := r.handlers[env.Type]
	if !ok {
		r.malformed(s, errUnknownType)
		return
	}

	if !publicTypes[env.Type] {
		if !s.Authenticated() {
			r.send(s, errorFrame(errUnauthenticated))
			return
		}
		status, err := r.svc.Auth.Status(ctx, s.PlayerID())
		if err != nil {
			r.fail(s, env.Type, err)
			return
		}
		if status.Banned {
			r.send(s, errorFrame(errBanned))
			s.Close(session.ReasonBanned)
			return
		}
		if !r.svc.Auth.Refresh(s.Token()) {
			r.logger.Debug("session token lapsed", observability.SessionFields(s.ID, s.PlayerID())...)
		}
		if env.Type == MsgChat && status.Muted {
			r.send(s, errorFrame(errMuted))
			return
		}
	}
	if err := s.Limits.Check(env.Type, now); err != nil {
		r.send(s, errorFrame(err))
		return
	}

	reply, err := h(ctx, s, raw)
	if err != nil {
		r.fail(s, env.Type, err)
		return
	}
	if reply != nil {
		r.send(s, reply)
	}
}

// fail reports err to the session. Internal faults are logged and counted.
func (r *Router) fail(s *session.Session, msgType string, err error) {
	switch apperr.KindOf(err) {
	case apperr.MalformedMessage:
		r.malformed(s, err)
		return
	case apperr.Internal:
		fields := append(observability.SessionFields(s.ID, s.PlayerID()), zap.String("type", msgType), zap.Error(err))
		r.logger.Error("handling message", fields...)
		r.send(s, errorFrame(err))
		if r.strike(s.ID, faultStrike) {
			r.logger.Warn("closing session after repeated faults", zap.String("session_id", s.ID))
			s.Close(session.ReasonFaults)
		}
		return
	}
	r.send(s, errorFrame(err))
}

func (r *Router) malformed(s *session.Session, err error) {
	r.send(s, errorFrame(err))
	if r.strike(s.ID, malformedStrike) {
		r.logger.Info("closing session after repeated malformed frames", zap.String("session_id", s.ID))
		s.Close(session.ReasonMalformed)
	}
}

func (r *Router) handleNoop(context.Context, *session.Session, []byte) (any, error) {
	return nil, nil
}

func (r *Router) handlePing(context.Context, *session.Session, []byte) (any, error) {
	return pongMsg{Type: MsgPong, ServerTime: r.now().UnixMilli()}, nil
}

// Disconnected releases everything a closed session held.
//
// Postcondition: The session is untracked. When it was the player's last
// session, the player's room is told and open trades are cancelled.
func (r *Router) Disconnected(s *session.Session) {
	r.mu.Lock()
	delete(r.strikes, s.ID)
	r.mu.Unlock()

	left, wasPresent := r.svc.Presence.Leave(s.ID)
	_, wasPrimary := r.svc.Sessions.Remove(s.ID)
	playerID := s.PlayerID()
	if playerID == "" || !wasPrimary {
		return
	}

	if next, ok := r.svc.Sessions.Primary(playerID); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if p, err := r.svc.Players.Get(ctx, playerID); err == nil {
			r.svc.Presence.Join(next.ID, playerID, p.Location)
		}
		return
	}

	if wasPresent {
		r.toRoom(left.Location, "", playerIDMsg{Type: MsgPlayerDisconnected, PlayerID: playerID})
	}
	if t, ok := r.svc.Trades.PlayerDisconnected(playerID); ok {
		r.toPlayer(t.Partner(playerID), tradeCancelledMsg{Type: MsgTradeCancelled, TradeID: t.ID, Reason: t.Reason})
	}
	r.svc.Chat.Forget(playerID)
	r.logger.Info("player disconnected", zap.String("player_id", playerID), zap.String("session_id", s.ID))
}

// CloseAll ends every session with reason.
func (r *Router) CloseAll(reason session.CloseReason) {
	for _, s := range r.svc.Sessions.All() {
		s.Close(reason)
	}
}

// onPresence tells the rest of a room about arrivals and departures.
func (r *Router) onPresence(ev presence.Event) {
	switch ev.Kind {
	case presence.Joined:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := r.svc.Players.Get(ctx, ev.Member.PlayerID)
		if err != nil {
			r.logger.Warn("loading joined player", zap.String("player_id", ev.Member.PlayerID), zap.Error(err))
			return
		}
		r.toRoom(ev.Location, ev.Member.SessionID, playerJoinedMsg{Type: MsgPlayerJoined, PlayerID: p.ID, PlayerData: viewOf(p)})
	case presence.Left:
		r.toRoom(ev.Location, ev.Member.SessionID, playerIDMsg{Type: MsgPlayerLeft, PlayerID: ev.Member.PlayerID})
	}
}

// locationChanged describes location to a session that just entered it.
func (r *Router) locationChanged(location string) locationChangedMsg {
	members := r.svc.Presence.Members(location)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.PlayerID)
	}
	return locationChangedMsg{Type: MsgLocationChanged, LocationID: location, PlayersInLocation: ids}
}

// send encodes msg and queues it on s. A full queue drops the session.
func (r *Router) send(s *session.Session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encoding message", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	r.deliver(s, data)
}

func (r *Router) deliver(s *session.Session, data []byte) {
	err := s.Send(data)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.Overflow):
		r.logger.Warn("send queue overflow", zap.String("session_id", s.ID))
		s.Close(session.ReasonOverflow)
	default:
		r.logger.Debug("dropping frame for closed session", zap.String("session_id", s.ID))
	}
}

// broadcast encodes msg once and queues it on every session in targets.
func (r *Router) broadcast(targets []*session.Session, msg any) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encoding broadcast", zap.Error(err))
		return
	}
	for _, s := range targets {
		r.deliver(s, data)
	}
}

// toPlayer sends msg to every session of playerID.
func (r *Router) toPlayer(playerID string, msg any) {
	r.broadcast(r.svc.Sessions.SessionsFor(playerID), msg)
}

// toRoom sends msg to every session present in location except excludeSession.
func (r *Router) toRoom(location, excludeSession string, msg any) {
	var targets []*session.Session
	for _, id := range r.svc.Presence.SessionIDs(location) {
		if id == excludeSession {
			continue
		}
		if s, ok := r.svc.Sessions.Get(id); ok {
			targets = append(targets, s)
		}
	}
	r.broadcast(targets, msg)
}

// toAuthenticated sends msg to every authenticated session whose player
// satisfies keep. A nil keep matches everyone.
func (r *Router) toAuthenticated(msg any, keep func(playerID string) bool) {
	var targets []*session.Session
	for _, s := range r.svc.Sessions.Authenticated() {
		if keep == nil || keep(s.PlayerID()) {
			targets = append(targets, s)
		}
	}
	r.broadcast(targets, msg)
}

// pushPlayer sends the player's current snapshot to all of their sessions.
func (r *Router) pushPlayer(ctx context.Context, playerID string) {
	p, err := r.svc.Players.Get(ctx, playerID)
	if err != nil {
		r.logger.Warn("loading player for update", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	r.toPlayer(playerID, playerUpdatedMsg{Type: MsgPlayerUpdated, Player: viewOf(p)})
}

type strikeKind int

const (
	malformedStrike strikeKind = iota
	faultStrike
)

// strikes counts recent offences of one session.
type strikes struct {
	malformed []time.Time
	faults    []time.Time
}

// strike records an offence and reports whether the session crossed its limit.
func (r *Router) strike(sessionID string, kind strikeKind) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.strikes[sessionID]
	if !ok {
		st = &strikes{}
		r.strikes[sessionID] = st
	}
	var hits *[]time.Time
	limit, window := r.gateway.MalformedLimit, r.gateway.MalformedWindow
	if kind == faultStrike {
		limit, window = r.gateway.FaultLimit, r.gateway.FaultWindow
		hits = &st.faults
	} else {
		hits = &st.malformed
	}
	kept := (*hits)[:0]
	for _, t := range *hits {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	*hits = append(kept, now)
	return limit > 0 && len(*hits) >= limit
}
