package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/scripting"
)

var alice = Sender{PlayerID: "p1", Username: "alice", Location: "market", Guilds: []string{"mages"}}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newBroker(t *testing.T, mutate func(*config.ChatConfig), opts ...Option) (*Broker, *clock) {
	t.Helper()
	cfg := config.Default().Chat
	cfg.BlockedWords = []string{"darn"}
	if mutate != nil {
		mutate(&cfg)
	}
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewBroker(cfg, zap.NewNop(), nil, append([]Option{WithClock(c.Now)}, opts...)...), c
}

func TestAccept_Scopes(t *testing.T) {
	b, c := newBroker(t, nil)
	cases := []struct {
		channel string
		want    Audience
	}{
		{"global", Audience{Kind: ScopeAll}},
		{"local", Audience{Kind: ScopeRoom, Location: "market"}},
		{"guild", Audience{Kind: ScopeGuilds, Guilds: []string{"mages"}}},
		{"trade", Audience{Kind: ScopeAll}},
		{"help", Audience{Kind: ScopeAll}},
	}
	for _, tc := range cases {
		msg, err := b.Accept(alice, tc.channel, "hello there")
		require.NoError(t, err, tc.channel)
		assert.Equal(t, tc.want, msg.Audience, tc.channel)
		assert.Equal(t, "alice", msg.From)
		assert.Equal(t, c.now.UnixMilli(), msg.Timestamp)
	}
}

func TestAccept_Validation(t *testing.T) {
	b, _ := newBroker(t, func(c *config.ChatConfig) { c.MaxLength = 10 })
	_, err := b.Accept(alice, "shouting", "hi")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	_, err = b.Accept(alice, "global", " \t\x00 ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = b.Accept(alice, "global", strings.Repeat("é", 11))
	assert.ErrorIs(t, err, ErrTooLong)
	_, err = b.Accept(Sender{PlayerID: "p2", Username: "bob"}, "guild", "hi")
	assert.ErrorIs(t, err, ErrNoGuild)
}

func TestAccept_SlowModePerChannel(t *testing.T) {
	b, c := newBroker(t, nil)
	_, err := b.Accept(alice, "global", "one")
	require.NoError(t, err)

	c.now = c.now.Add(2 * time.Second)
	_, err = b.Accept(alice, "global", "two")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.RateLimited, ae.Kind)
	assert.Equal(t, 3*time.Second, ae.RetryAfter)

	_, err = b.Accept(alice, "help", "other channel")
	require.NoError(t, err)

	c.now = c.now.Add(3 * time.Second)
	_, err = b.Accept(alice, "global", "three")
	require.NoError(t, err)

	b.Forget("p1")
	_, err = b.Accept(alice, "global", "four")
	require.NoError(t, err)
}

func TestAccept_RejectedMessageDoesNotStartSlowMode(t *testing.T) {
	b, _ := newBroker(t, func(c *config.ChatConfig) { c.MaxLength = 5 })
	_, err := b.Accept(alice, "global", "far too long")
	require.Error(t, err)
	_, err = b.Accept(alice, "global", "ok")
	require.NoError(t, err)
}

func TestFilters(t *testing.T) {
	b, _ := newBroker(t, func(c *config.ChatConfig) { c.SlowMode = 0 })
	cases := map[string]string{
		"well DARN it":               "well **** it",
		"visit https://spam.example": "visit [link removed]",
		"go to freegold.com now":     "go to [link removed] now",
		"WHY IS EVERYONE SO LOUD":    "why is everyone so loud",
		"soooooo good!!!!!!":         "sooo good!!!",
		"Ｆｕｌｌｗｉｄｔｈ text":             "Fullwidth text",
		"OK fine":                    "OK fine",
	}
	for in, want := range cases {
		msg, err := b.Accept(alice, "global", in)
		require.NoError(t, err, in)
		assert.Equal(t, want, msg.Text, in)
	}
}

func TestScriptFilter(t *testing.T) {
	hooks := scripting.NewHooks(zap.NewNop(), 0)
	defer hooks.Close()
	require.NoError(t, hooks.LoadString("mod", `
		function on_chat(channel, sender, text)
			if string.find(text, "forbidden") then return false end
			if channel == "help" then return "[help] " .. text end
			return nil
		end
	`))
	cfg := config.Default().Chat
	cfg.SlowMode = 0
	b := NewBroker(cfg, zap.NewNop(), hooks)

	_, err := b.Accept(alice, "global", "this is forbidden")
	assert.ErrorIs(t, err, ErrBlocked)

	msg, err := b.Accept(alice, "help", "how do I trade")
	require.NoError(t, err)
	assert.Equal(t, "[help] how do I trade", msg.Text)

	msg, err = b.Accept(alice, "global", "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", msg.Text)
}

func TestScriptFilter_FailureKeepsMessage(t *testing.T) {
	hooks := scripting.NewHooks(zap.NewNop(), 50)
	defer hooks.Close()
	require.NoError(t, hooks.LoadString("bad", `function on_chat() while true do end end`))
	out, keep := ScriptFilter{Hooks: hooks}.Apply(Global, alice, "hello")
	assert.True(t, keep)
	assert.Equal(t, "hello", out)
}

func TestFiltersNeverPanic(t *testing.T) {
	filters := buildFilters([]string{FilterProfanity, FilterLinks, FilterCaps, FilterRepeats}, []string{"bad", "Ünïcödé"})
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		for _, f := range filters {
			text, _ = f.Apply(Global, alice, text)
		}
	})
}
