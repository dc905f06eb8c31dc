package gameserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/highwizardry/internal/auction"
	"github.com/cory-johannsen/highwizardry/internal/auth"
	"github.com/cory-johannsen/highwizardry/internal/chat"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/game/presence"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/game/world"
	"github.com/cory-johannsen/highwizardry/internal/ratelimit"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/sqlite"
	"github.com/cory-johannsen/highwizardry/internal/trade"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	cfg    config.Config
	r      *Router
	svc    Services
	store  *sqlite.Store
	mailer *auth.CaptureMailer
	clock  *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Chat.SlowMode = 0
	cfg.RateLimit.ChatMinInterval = 0
	for _, fn := range mutate {
		fn(&cfg)
	}

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	catalog := world.Default()
	players := player.NewStore(store, logger, player.Config{
		Rules:           player.DefaultRules(),
		JailLocation:    catalog.Jail(),
		ReleaseLocation: catalog.Start(),
		FlushDelay:      cfg.Storage.FlushDelay(),
	})
	mailer := &auth.CaptureMailer{}
	am, err := auth.NewManager(store, cfg.Auth, mailer, logger, catalog.Start(), auth.WithClock(clock.Now))
	require.NoError(t, err)
	sessions := session.NewManager()

	h := &harness{t: t, cfg: cfg, store: store, mailer: mailer, clock: clock}
	auctions := auction.NewController(players, store, cfg.Auction, logger,
		auction.WithClock(clock.Now),
		auction.WithNotifier(func(events []auction.Event) { h.r.PublishAuctionEvents(events) }),
	)
	require.NoError(t, auctions.Start(ctx))
	t.Cleanup(func() { _ = auctions.Stop(context.Background()) })

	h.svc = Services{
		Auth:     am,
		Players:  players,
		Presence: presence.NewRegistry(),
		Sessions: sessions,
		Chat:     chat.NewBroker(cfg.Chat, logger, nil),
		Trades:   trade.NewController(players, sessions.Online, logger),
		Auctions: auctions,
		World:    catalog,
	}
	h.r = NewRouter(h.svc, cfg.Server, cfg.Gateway, logger, WithClock(clock.Now))
	return h
}

// account registers username without an email and optionally seeds its purse and inventory.
func (h *harness) account(username string, pennies int64, items map[string]int) string {
	h.t.Helper()
	ctx := context.Background()
	res, err := h.svc.Auth.Register(ctx, username, "password1", "")
	require.NoError(h.t, err)
	if pennies > 0 || len(items) > 0 {
		cur := storage.CurrencyFromPennies(pennies)
		inv := storage.Inventory{Items: items}
		_, err = h.store.UpdatePlayer(ctx, res.PlayerID, storage.PlayerPatch{Currency: &cur, Inventory: &inv})
		require.NoError(h.t, err)
	}
	return res.PlayerID
}

type client struct {
	h *harness
	s *session.Session
}

func (h *harness) connect() *client {
	h.t.Helper()
	s := session.New(uuid.NewString(), "test", session.NewOutbox(64), ratelimit.New(h.cfg.RateLimit), h.clock.Now())
	require.NoError(h.t, h.r.Connected(s))
	c := &client{h: h, s: s}
	c.expect(MsgConnected)
	return c
}

// login connects and authenticates, consuming the auth_success and location_changed frames.
func (h *harness) login(username string) *client {
	h.t.Helper()
	c := h.connect()
	c.send(map[string]any{"type": MsgLogin, "username": username, "password": "password1"})
	c.expect(MsgAuthSuccess)
	c.until(MsgLocationChanged)
	return c
}

func (c *client) send(msg map[string]any) {
	c.h.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(c.h.t, err)
	c.h.r.Handle(context.Background(), c.s, raw)
}

func (c *client) sendRaw(raw string) {
	c.h.r.Handle(context.Background(), c.s, []byte(raw))
}

// next returns the next queued frame, failing when none is queued.
func (c *client) next() map[string]any {
	c.h.t.Helper()
	select {
	case data, ok := <-c.s.Outbox.Frames():
		require.True(c.h.t, ok, "outbox closed")
		var frame map[string]any
		require.NoError(c.h.t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		require.FailNow(c.h.t, "no frame queued")
		return nil
	}
}

// expect asserts the next frame has msgType.
func (c *client) expect(msgType string) map[string]any {
	c.h.t.Helper()
	frame := c.next()
	require.Equal(c.h.t, msgType, frame["type"], "frame: %v", frame)
	return frame
}

// until skips frames until one of msgType arrives.
func (c *client) until(msgType string) map[string]any {
	c.h.t.Helper()
	for {
		if frame := c.next(); frame["type"] == msgType {
			return frame
		}
	}
}

// drain discards everything queued.
func (c *client) drain() {
	for {
		select {
		case _, ok := <-c.s.Outbox.Frames():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// pending returns the types of all queued frames.
func (c *client) pending() []string {
	var types []string
	for {
		select {
		case data, ok := <-c.s.Outbox.Frames():
			if !ok {
				return types
			}
			var frame map[string]any
			require.NoError(c.h.t, json.Unmarshal(data, &frame))
			types = append(types, frame["type"].(string))
		default:
			return types
		}
	}
}

func (c *client) closed() (session.CloseReason, bool) {
	return c.s.Outbox.Reason()
}

func TestMalformedFramesCloseSession(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.sendRaw("not json")
	frame := c.expect(MsgError)
	assert.Equal(t, "MalformedMessage", frame["kind"])

	c.sendRaw(`{"username":"x"}`)
	assert.Equal(t, "MalformedMessage", c.expect(MsgError)["kind"])

	c.sendRaw(`{"type":"teleport"}`)
	assert.Equal(t, "MalformedMessage", c.expect(MsgError)["kind"])

	_, closed := c.closed()
	assert.False(t, closed)

	c.sendRaw("{")
	c.sendRaw("{")
	reason, closed := c.closed()
	require.True(t, closed)
	assert.Equal(t, session.ReasonMalformed, reason)
}

func TestOversizeFrameRejected(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Server.MaxFrameBytes = 64 })
	c := h.connect()
	c.sendRaw(`{"type":"ping","pad":"` + strings.Repeat("x", 100) + `"}`)
	assert.Equal(t, "MalformedMessage", c.expect(MsgError)["kind"])
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	c.send(map[string]any{"type": MsgPing})
	frame := c.expect(MsgPong)
	assert.EqualValues(t, h.clock.Now().UnixMilli(), frame["serverTime"])
}

func TestCommandsRequireAuthentication(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	for _, msgType := range []string{MsgMove, MsgChat, MsgTradePropose, MsgAuctionGet, MsgAddEmail} {
		c.send(map[string]any{"type": msgType})
		frame := c.expect(MsgError)
		assert.Equal(t, "Unauthenticated", frame["kind"], msgType)
	}
}

func TestRegisterVerifyLogin(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.send(map[string]any{"type": MsgRegister, "username": "alice", "password": "password1", "email": "alice@example.com"})
	reg := c.expect(MsgRegisterResult)
	assert.Equal(t, true, reg["success"])
	assert.Equal(t, true, reg["needsEmailVerification"])

	c.send(map[string]any{"type": MsgRegister, "username": "ALICE", "password": "password1"})
	dup := c.expect(MsgRegisterResult)
	assert.Equal(t, false, dup["success"])
	assert.Equal(t, "UsernameTaken", dup["kind"])

	c.send(map[string]any{"type": MsgLogin, "username": "alice", "password": "password1"})
	failed := c.expect(MsgAuthFailed)
	assert.Equal(t, true, failed["needsEmailVerification"])

	mail, ok := h.mailer.Last(auth.MailVerification, "alice")
	require.True(t, ok)
	c.send(map[string]any{"type": MsgVerifyEmail, "username": "alice", "code": "nope00"})
	assert.Equal(t, false, c.expect(MsgEmailVerificationResult)["success"])
	c.send(map[string]any{"type": MsgVerifyEmail, "username": "alice", "code": mail.Secret})
	assert.Equal(t, true, c.expect(MsgEmailVerificationResult)["success"])

	c.send(map[string]any{"type": MsgLogin, "username": "alice", "password": "wrongpass"})
	assert.Equal(t, "BadCredentials", c.expect(MsgAuthFailed)["kind"])

	c.send(map[string]any{"type": MsgLogin, "username": "alice", "password": "password1"})
	ok2 := c.expect(MsgAuthSuccess)
	assert.Equal(t, true, ok2["emailVerified"])
	assert.Equal(t, false, ok2["needsEmailSetup"])
	assert.NotEmpty(t, ok2["token"])
	data := ok2["playerData"].(map[string]any)
	assert.Equal(t, "town_square", data["location"])

	loc := c.expect(MsgLocationChanged)
	assert.Equal(t, "town_square", loc["locationId"])
	assert.Equal(t, []any{ok2["playerId"]}, loc["playersInLocation"])
}

func TestAuthenticateWithToken(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 0, nil)
	first := h.login("alice")
	token := first.s.Token()
	require.NotEmpty(t, token)

	c := h.connect()
	c.send(map[string]any{"type": MsgAuthenticate, "token": "bogus"})
	assert.Equal(t, "InvalidToken", c.expect(MsgAuthFailed)["kind"])

	c.send(map[string]any{"type": MsgAuthenticate, "token": token})
	success := c.expect(MsgAuthSuccess)
	assert.Equal(t, true, success["needsEmailSetup"])
}

func TestCommandsSlideSessionToken(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.SessionTTLMs = 1000 })
	h.account("alice", 0, nil)
	first := h.login("alice")
	token := first.s.Token()

	for range 6 {
		h.clock.Advance(300 * time.Millisecond)
		first.send(map[string]any{"type": MsgAuctionGet})
		first.expect(MsgAuctionList)
	}

	h.clock.Advance(300 * time.Millisecond)
	c := h.connect()
	c.send(map[string]any{"type": MsgAuthenticate, "token": token})
	c.expect(MsgAuthSuccess)
}

func TestIdleSessionTokenLapses(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.SessionTTLMs = 1000 })
	h.account("alice", 0, nil)
	token := h.login("alice").s.Token()

	h.clock.Advance(1500 * time.Millisecond)
	c := h.connect()
	c.send(map[string]any{"type": MsgAuthenticate, "token": token})
	assert.Equal(t, "Expired", c.expect(MsgAuthFailed)["kind"])
}

func TestBannedPlayer(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 0, nil)
	online := h.login("alice")
	token := online.s.Token()

	_, err := h.svc.Auth.SetBanStatus(context.Background(), "alice", true)
	require.NoError(t, err)

	c := h.connect()
	c.send(map[string]any{"type": MsgLogin, "username": "alice", "password": "password1"})
	failed := c.expect(MsgAuthFailed)
	assert.Equal(t, true, failed["banned"])
	assert.Equal(t, "Banned", failed["kind"])

	c.send(map[string]any{"type": MsgAuthenticate, "token": token})
	assert.Equal(t, true, c.expect(MsgAuthFailed)["banned"])

	online.send(map[string]any{"type": MsgMove, "locationId": "market"})
	assert.Equal(t, "Banned", online.expect(MsgError)["kind"])
	reason, closed := online.closed()
	require.True(t, closed)
	assert.Equal(t, session.ReasonBanned, reason)
}

func TestMutedPlayerCannotChat(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 0, nil)
	c := h.login("alice")

	_, err := h.svc.Auth.SetMuteStatus(context.Background(), "alice", true)
	require.NoError(t, err)
	c.send(map[string]any{"type": MsgChat, "channel": "global", "message": "hello"})
	assert.Equal(t, "Muted", c.expect(MsgError)["kind"])

	c.send(map[string]any{"type": MsgMove, "locationId": "market"})
	assert.Equal(t, "market", c.until(MsgLocationChanged)["locationId"], "muted players can still act")
}

func TestRateLimitedCommand(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	for i := 0; i < h.cfg.RateLimit.Default.Burst; i++ {
		c.send(map[string]any{"type": MsgPing})
		c.expect(MsgPong)
	}
	c.send(map[string]any{"type": MsgPing})
	frame := c.expect(MsgError)
	assert.Equal(t, "RateLimited", frame["kind"])
	assert.Greater(t, frame["retryAfterMs"].(float64), 0.0)

	h.clock.Advance(h.cfg.RateLimit.Default.Window)
	c.send(map[string]any{"type": MsgPing})
	c.expect(MsgPong)
}

func TestReconnectReplacesSession(t *testing.T) {
	h := newHarness(t)
	pid := h.account("alice", 0, nil)
	h.account("bob", 0, nil)
	bob := h.login("bob")
	first := h.login("alice")
	bob.drain()

	second := h.login("alice")
	reason, closed := first.closed()
	require.True(t, closed)
	assert.Equal(t, session.ReasonReplaced, reason)

	members := h.svc.Presence.Members("town_square")
	var alice []presence.Member
	for _, m := range members {
		if m.PlayerID == pid {
			alice = append(alice, m)
		}
	}
	require.Len(t, alice, 1)
	assert.Equal(t, second.s.ID, alice[0].SessionID)
	assert.NotContains(t, bob.pending(), MsgPlayerConnected, "a reconnect is not a new arrival")

	h.r.Disconnected(first.s)
	assert.Len(t, h.svc.Presence.Members("town_square"), 2, "dropping the replaced socket leaves presence alone")
	assert.True(t, h.svc.Sessions.Online(pid))
}

func TestMoveBroadcastsPresence(t *testing.T) {
	h := newHarness(t)
	alicePID := h.account("alice", 0, nil)
	bobPID := h.account("bob", 0, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	joined := alice.until(MsgPlayerJoined)
	assert.Equal(t, bobPID, joined["playerId"])
	alice.drain()

	alice.send(map[string]any{"type": MsgMove, "locationId": "market"})
	loc := alice.expect(MsgLocationChanged)
	assert.Equal(t, "market", loc["locationId"])
	assert.Equal(t, []any{alicePID}, loc["playersInLocation"])

	left := bob.until(MsgPlayerLeft)
	assert.Equal(t, alicePID, left["playerId"])

	p, err := h.svc.Players.Get(context.Background(), alicePID)
	require.NoError(t, err)
	assert.Equal(t, "market", p.Location)

	alice.send(map[string]any{"type": MsgMove, "locationId": "atlantis"})
	assert.Equal(t, "NotFound", alice.expect(MsgError)["kind"])
}

func TestJailedPlayerCannotLeave(t *testing.T) {
	h := newHarness(t)
	pid := h.account("alice", 0, nil)
	c := h.login("alice")

	_, err := h.svc.Players.Jail(context.Background(), pid, time.Now().Add(time.Hour))
	require.NoError(t, err)
	c.send(map[string]any{"type": MsgMove, "locationId": "market"})
	assert.Equal(t, "Precondition", c.expect(MsgError)["kind"])
}

func TestChatChannels(t *testing.T) {
	h := newHarness(t)
	alicePID := h.account("alice", 0, nil)
	h.account("bob", 0, nil)
	h.account("carol", 0, nil)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")
	carol.send(map[string]any{"type": MsgMove, "locationId": "tavern"})
	for _, c := range []*client{alice, bob, carol} {
		c.drain()
	}

	alice.send(map[string]any{"type": MsgChat, "channel": "local", "message": "hello square"})
	got := bob.expect(MsgChatMessage)
	assert.Equal(t, "local", got["channel"])
	assert.Equal(t, alicePID, got["fromId"])
	assert.Equal(t, "alice", got["from"])
	assert.Equal(t, "hello square", got["message"])
	alice.expect(MsgChatMessage)
	assert.Empty(t, carol.pending())

	alice.send(map[string]any{"type": MsgChat, "channel": "global", "message": "hello world"})
	for _, c := range []*client{alice, bob, carol} {
		assert.Equal(t, "global", c.expect(MsgChatMessage)["channel"])
	}

	alice.send(map[string]any{"type": MsgChat, "channel": "guild", "message": "anyone?"})
	assert.Equal(t, "Precondition", alice.expect(MsgError)["kind"])

	alice.send(map[string]any{"type": MsgChat, "channel": "shout", "message": "x"})
	assert.Equal(t, "InvalidInput", alice.expect(MsgError)["kind"])
}

func TestPlayerUpdateClampsPlayTime(t *testing.T) {
	h := newHarness(t)
	pid := h.account("alice", 0, nil)
	c := h.login("alice")

	h.clock.Advance(10 * time.Second)
	c.send(map[string]any{"type": MsgPlayerUpdate, "playTimeDelta": time.Hour.Milliseconds()})
	frame := c.expect(MsgPlayerUpdated)
	data := frame["player"].(map[string]any)
	assert.Equal(t, pid, data["id"])
	assert.EqualValues(t, 10000, data["playTime"])

	c.send(map[string]any{"type": MsgPlayerUpdate, "playTimeDelta": -5000})
	data = c.expect(MsgPlayerUpdated)["player"].(map[string]any)
	assert.EqualValues(t, 10000, data["playTime"])
}

func TestTradeThroughRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alicePID := h.account("alice", 100, map[string]int{"sword": 1})
	bobPID := h.account("bob", 50, nil)
	alice := h.login("alice")
	bob := h.login("bob")
	alice.drain()
	bob.drain()

	alice.send(map[string]any{"type": MsgTradePropose, "toPlayerId": bobPID, "offer": map[string]any{"items": []string{"sword"}}})
	proposed := alice.expect(MsgTradeProposeResult)
	require.Equal(t, true, proposed["success"])
	tradeID := proposed["trade"].(map[string]any)["id"].(string)
	invite := bob.expect(MsgTradeInvitation)
	assert.Equal(t, tradeID, invite["trade"].(map[string]any)["id"])

	bob.send(map[string]any{"type": MsgTradeUpdateOffer, "tradeId": tradeID, "offer": map[string]any{"currency": 30}})
	alice.expect(MsgTradeUpdated)
	bob.expect(MsgTradeUpdated)

	alice.send(map[string]any{"type": MsgTradeConfirm, "tradeId": tradeID})
	alice.expect(MsgTradeUpdated)
	bob.expect(MsgTradeUpdated)
	bob.send(map[string]any{"type": MsgTradeConfirm, "tradeId": tradeID})
	done := alice.expect(MsgTradeConfirmed)
	assert.Equal(t, string(trade.Completed), done["trade"].(map[string]any)["status"])
	bob.expect(MsgTradeConfirmed)
	alice.until(MsgPlayerUpdated)
	bob.until(MsgPlayerUpdated)

	a, err := h.svc.Players.Get(ctx, alicePID)
	require.NoError(t, err)
	b, err := h.svc.Players.Get(ctx, bobPID)
	require.NoError(t, err)
	assert.EqualValues(t, 130, a.TotalPennies())
	assert.Equal(t, 0, a.Inventory.Count("sword"))
	assert.EqualValues(t, 20, b.TotalPennies())
	assert.Equal(t, 1, b.Inventory.Count("sword"))
}

func TestTradeWithOfflinePlayer(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 100, nil)
	bobPID := h.account("bob", 0, nil)
	alice := h.login("alice")

	alice.send(map[string]any{"type": MsgTradePropose, "toPlayerId": bobPID, "offer": map[string]any{"currency": 10}})
	res := alice.expect(MsgTradeProposeResult)
	assert.Equal(t, false, res["success"])
	assert.NotNil(t, res["trade"])
}

func TestDisconnectCancelsTradeAndNotifiesRoom(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 100, nil)
	bobPID := h.account("bob", 0, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(map[string]any{"type": MsgTradePropose, "toPlayerId": bobPID, "offer": map[string]any{"currency": 10}})
	alice.until(MsgTradeProposeResult)
	alice.drain()

	bob.s.Close(session.ReasonClient)
	h.r.Disconnected(bob.s)

	types := alice.pending()
	assert.Contains(t, types, MsgPlayerLeft)
	assert.Contains(t, types, MsgPlayerDisconnected)
	assert.Contains(t, types, MsgTradeCancelled)
	assert.False(t, h.svc.Sessions.Online(bobPID))
	assert.Zero(t, h.svc.Trades.Open())
}

func TestAuctionThroughRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sellerPID := h.account("seller", 0, map[string]int{"relic": 1})
	b1PID := h.account("bidder1", 500, nil)
	b2PID := h.account("bidder2", 500, nil)
	seller := h.login("seller")
	b1 := h.login("bidder1")
	b2 := h.login("bidder2")
	for _, c := range []*client{seller, b1, b2} {
		c.drain()
	}

	seller.send(map[string]any{
		"type":        MsgAuctionCreate,
		"item":        map[string]any{"type": storage.ItemKindItem, "id": "relic", "amount": 1},
		"startingBid": 100,
		"duration":    (5 * time.Minute).Milliseconds(),
		"options":     map[string]any{"scope": storage.ScopeGlobal},
	})
	assert.Equal(t, auction.EventNew, auction.EventKind(b1.until(string(auction.EventNew))["type"].(string)))
	created := seller.until(MsgAuctionCreateResult)
	auctionID := created["auction"].(map[string]any)["id"].(string)
	b2.drain()

	b1.send(map[string]any{"type": MsgAuctionBid, "auctionId": auctionID, "bidAmount": 50})
	low := b1.until(MsgAuctionBidResult)
	assert.Equal(t, false, low["success"])

	b1.send(map[string]any{"type": MsgAuctionBid, "auctionId": auctionID, "bidAmount": 150})
	assert.Equal(t, true, b1.until(MsgAuctionBidResult)["success"])
	b1.drain()
	b2.send(map[string]any{"type": MsgAuctionBid, "auctionId": auctionID, "bidAmount": 200})
	assert.Equal(t, true, b2.until(MsgAuctionBidResult)["success"])
	outbid := b1.until(string(auction.EventOutbid))
	assert.Equal(t, auctionID, outbid["auction"].(map[string]any)["id"])

	b1.drain()
	b1.send(map[string]any{"type": MsgAuctionGet})
	list := b1.expect(MsgAuctionList)
	require.Len(t, list["auctions"], 1)

	seller.send(map[string]any{"type": MsgAuctionCancel, "auctionId": auctionID})
	assert.Equal(t, "Precondition", seller.until(MsgError)["kind"], "auctions with bids cannot be cancelled")

	for _, c := range []*client{seller, b1, b2} {
		c.drain()
	}
	h.clock.Advance(5 * time.Minute)
	events, err := h.svc.Auctions.Close(ctx, auctionID)
	require.NoError(t, err)
	h.r.PublishAuctionEvents(events)

	sellerClosed := seller.until(string(auction.EventClosed))
	assert.Equal(t, auction.RoleSeller, sellerClosed["role"])
	winnerClosed := b2.until(string(auction.EventClosed))
	assert.Equal(t, auction.RoleWinner, winnerClosed["role"])

	s, err := h.svc.Players.Get(ctx, sellerPID)
	require.NoError(t, err)
	w, err := h.svc.Players.Get(ctx, b2PID)
	require.NoError(t, err)
	l, err := h.svc.Players.Get(ctx, b1PID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, s.TotalPennies())
	assert.EqualValues(t, 300, w.TotalPennies())
	assert.Equal(t, 1, w.Inventory.Count("relic"))
	assert.EqualValues(t, 500, l.TotalPennies())
}

func TestShutdownClosesEverySession(t *testing.T) {
	h := newHarness(t)
	h.account("alice", 0, nil)
	a := h.login("alice")
	anon := h.connect()

	h.r.CloseAll(session.ReasonShutdown)
	for _, c := range []*client{a, anon} {
		reason, closed := c.closed()
		require.True(t, closed)
		assert.Equal(t, session.ReasonShutdown, reason)
	}
}
