package trade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/jsonfile"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type onlineSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (o *onlineSet) Online(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ids[id]
}

func (o *onlineSet) Set(id string, v bool) {
	o.mu.Lock()
	o.ids[id] = v
	o.mu.Unlock()
}

// failingBackend wraps a store and fails multi-player writes on demand.
type failingBackend struct {
	player.Backend
	fail bool
}

func (f *failingBackend) UpdatePlayers(ctx context.Context, patches map[string]storage.PlayerPatch) (map[string]storage.Player, error) {
	if f.fail && len(patches) > 1 {
		return nil, fmt.Errorf("disk full")
	}
	return f.Backend.UpdatePlayers(ctx, patches)
}

type fixture struct {
	c       *Controller
	players *player.Store
	backend *failingBackend
	online  *onlineSet
}

func seed(id string, pennies int64, items ...string) storage.Player {
	p := player.New(id, "user-"+id, "town_square", epoch)
	p.Currency = storage.CurrencyFromPennies(pennies)
	for _, it := range items {
		player.AddItem(&p, it, 1)
	}
	return p
}

func newFixture(t testing.TB, players ...storage.Player) fixture {
	t.Helper()
	db, err := jsonfile.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	online := &onlineSet{ids: map[string]bool{}}
	for _, p := range players {
		require.NoError(t, db.CreatePlayer(ctx, p))
		online.Set(p.ID, true)
	}
	backend := &failingBackend{Backend: db}
	store := player.NewStore(backend, zap.NewNop(), player.Config{
		Rules: player.DefaultRules(), JailLocation: "jail", ReleaseLocation: "town_square", FlushDelay: time.Hour,
	})
	return fixture{
		c:       NewController(store, online.Online, zap.NewNop(), WithClock(func() time.Time { return epoch })),
		players: store,
		backend: backend,
		online:  online,
	}
}

func (f fixture) pennies(t require.TestingT, id string) int64 {
	p, err := f.players.Get(context.Background(), id)
	require.NoError(t, err)
	return p.TotalPennies()
}

func (f fixture) items(t require.TestingT, id, item string) int {
	p, err := f.players.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Inventory.Count(item)
}

func TestTradeSwap(t *testing.T) {
	f := newFixture(t, seed("A", 100, "X"), seed("B", 50))
	ctx := context.Background()

	tr, err := f.c.Propose(ctx, "A", "B", Offer{Items: []string{"X"}})
	require.NoError(t, err)
	assert.Equal(t, Proposed, tr.Status)

	tr, err = f.c.UpdateOffer(ctx, tr.ID, "B", Offer{Currency: 30})
	require.NoError(t, err)
	assert.Equal(t, Negotiating, tr.Status)

	tr, err = f.c.Confirm(ctx, tr.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, Confirmed, tr.Status)
	assert.True(t, tr.FromConfirmed)

	tr, err = f.c.UpdateOffer(ctx, tr.ID, "B", Offer{Currency: 30})
	require.NoError(t, err)
	assert.False(t, tr.FromConfirmed, "offer change clears confirmations")
	assert.False(t, tr.ToConfirmed)

	_, err = f.c.Confirm(ctx, tr.ID, "A")
	require.NoError(t, err)
	tr, err = f.c.Confirm(ctx, tr.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, Completed, tr.Status)

	assert.Equal(t, int64(130), f.pennies(t, "A"))
	assert.Zero(t, f.items(t, "A", "X"))
	assert.Equal(t, int64(20), f.pennies(t, "B"))
	assert.Equal(t, 1, f.items(t, "B", "X"))
	assert.Zero(t, f.c.Open())
	_, busy := f.c.ActiveFor("A")
	assert.False(t, busy)
}

func TestPropose_Preconditions(t *testing.T) {
	jailed := seed("J", 0)
	jailed.Jail = storage.Jail{InJail: true, JailReleaseTime: epoch.Add(time.Hour).UnixMilli()}
	f := newFixture(t, seed("A", 10), seed("B", 10), seed("C", 10), jailed)
	ctx := context.Background()

	_, err := f.c.Propose(ctx, "A", "A", Offer{})
	assert.ErrorIs(t, err, ErrSelfTrade)
	_, err = f.c.Propose(ctx, "A", "ghost", Offer{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.c.Propose(ctx, "A", "J", Offer{})
	assert.ErrorIs(t, err, ErrJailed)
	_, err = f.c.Propose(ctx, "A", "B", Offer{Currency: 11})
	assert.Equal(t, apperr.Insufficient, apperr.KindOf(err))
	_, err = f.c.Propose(ctx, "A", "B", Offer{Currency: -1})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	_, err = f.c.Propose(ctx, "A", "B", Offer{})
	require.NoError(t, err)
	_, err = f.c.Propose(ctx, "C", "B", Offer{})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.c.Propose(ctx, "A", "C", Offer{})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPropose_OfflinePartnerFails(t *testing.T) {
	f := newFixture(t, seed("A", 10), seed("B", 10))
	f.online.Set("B", false)
	tr, err := f.c.Propose(context.Background(), "A", "B", Offer{})
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, Failed, tr.Status)
	assert.Zero(t, f.c.Open())
}

func TestConfirm_RequiresHoldings(t *testing.T) {
	f := newFixture(t, seed("A", 100), seed("B", 50))
	ctx := context.Background()
	tr, err := f.c.Propose(ctx, "A", "B", Offer{Currency: 80})
	require.NoError(t, err)

	_, err = f.players.RemoveCurrency(ctx, "A", 50)
	require.NoError(t, err)
	_, err = f.c.Confirm(ctx, tr.ID, "A")
	assert.Equal(t, apperr.Insufficient, apperr.KindOf(err))
	got, ok := f.c.Get(tr.ID)
	require.True(t, ok)
	assert.False(t, got.FromConfirmed)
}

func TestSettlement_FailsWhenHoldingsVanish(t *testing.T) {
	f := newFixture(t, seed("A", 100, "X"), seed("B", 50))
	ctx := context.Background()
	tr, err := f.c.Propose(ctx, "A", "B", Offer{Items: []string{"X"}})
	require.NoError(t, err)
	_, err = f.c.Confirm(ctx, tr.ID, "A")
	require.NoError(t, err)

	_, err = f.players.Update(ctx, "A", func(p *storage.Player) error { return player.RemoveItem(p, "X", 1) })
	require.NoError(t, err)

	tr, err = f.c.Confirm(ctx, tr.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, Failed, tr.Status)
	assert.Equal(t, int64(100), f.pennies(t, "A"))
	assert.Equal(t, int64(50), f.pennies(t, "B"))
	assert.Zero(t, f.items(t, "B", "X"))
}

func TestSettlement_PersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t, seed("A", 100, "X"), seed("B", 50))
	ctx := context.Background()
	tr, err := f.c.Propose(ctx, "A", "B", Offer{Items: []string{"X"}})
	require.NoError(t, err)
	_, err = f.c.UpdateOffer(ctx, tr.ID, "B", Offer{Currency: 30})
	require.NoError(t, err)
	_, err = f.c.Confirm(ctx, tr.ID, "A")
	require.NoError(t, err)

	f.backend.fail = true
	tr, err = f.c.Confirm(ctx, tr.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, Failed, tr.Status)
	assert.Equal(t, "transient failure", tr.Reason)

	assert.Equal(t, int64(100), f.pennies(t, "A"))
	assert.Equal(t, 1, f.items(t, "A", "X"))
	assert.Equal(t, int64(50), f.pennies(t, "B"))
}

func TestCancelAndDisconnect(t *testing.T) {
	f := newFixture(t, seed("A", 10), seed("B", 10), seed("C", 10))
	ctx := context.Background()

	tr, err := f.c.Propose(ctx, "A", "B", Offer{Currency: 5})
	require.NoError(t, err)
	_, err = f.c.Cancel(tr.ID, "C")
	assert.ErrorIs(t, err, ErrNotParticipant)

	tr, err = f.c.Cancel(tr.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, tr.Status)
	_, err = f.c.Confirm(ctx, tr.ID, "A")
	assert.ErrorIs(t, err, ErrNotFound, "terminal trades are closed")

	tr, err = f.c.Propose(ctx, "A", "C", Offer{})
	require.NoError(t, err)
	cancelled, ok := f.c.PlayerDisconnected("C")
	require.True(t, ok)
	assert.Equal(t, ReasonPartnerDisconnected, cancelled.Reason)
	assert.Equal(t, tr.ID, cancelled.ID)
	_, ok = f.c.PlayerDisconnected("C")
	assert.False(t, ok)
	assert.Equal(t, int64(10), f.pennies(t, "A"))
}

func TestTrades_ConserveCurrencyAndItems(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := []string{"A", "B", "C", "D"}
		var seeds []storage.Player
		var pennies int64
		items := 0
		for _, id := range ids {
			n := rapid.Int64Range(0, 200).Draw(rt, "pennies"+id)
			k := rapid.IntRange(0, 3).Draw(rt, "items"+id)
			p := seed(id, n)
			player.AddItem(&p, "gem", k)
			seeds = append(seeds, p)
			pennies += n
			items += k
		}
		f := newFixture(t, seeds...)
		ctx := context.Background()

		pairs := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) [2]int {
			return [2]int{rapid.IntRange(0, 3).Draw(t, "a"), rapid.IntRange(0, 3).Draw(t, "b")}
		}), 1, 8).Draw(rt, "pairs")
		offers := rapid.SliceOfN(rapid.Int64Range(0, 150), len(pairs)*2, len(pairs)*2).Draw(rt, "offers")

		var wg sync.WaitGroup
		for i, pair := range pairs {
			a, b := ids[pair[0]], ids[pair[1]]
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := f.c.Propose(ctx, a, b, Offer{Currency: offers[2*i], Items: []string{"gem"}})
				if err != nil {
					return
				}
				_, _ = f.c.UpdateOffer(ctx, tr.ID, b, Offer{Currency: offers[2*i+1]})
				_, _ = f.c.Confirm(ctx, tr.ID, a)
				_, _ = f.c.Confirm(ctx, tr.ID, b)
				_, _ = f.c.Cancel(tr.ID, a)
			}()
		}
		wg.Wait()

		var afterPennies int64
		afterItems := 0
		for _, id := range ids {
			afterPennies += f.pennies(rt, id)
			afterItems += f.items(rt, id, "gem")
		}
		if afterPennies != pennies || afterItems != items {
			rt.Fatalf("conservation broken: pennies %d→%d items %d→%d", pennies, afterPennies, items, afterItems)
		}
		if f.c.Open() != 0 {
			rt.Fatalf("%d trades left open", f.c.Open())
		}
	})
}
