package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTokens_SlidingExpiry(t *testing.T) {
	tokens := NewTokens(time.Hour)
	tok, err := tokens.Issue(Identity{PlayerID: "p1", Username: "alice"}, t0)
	require.NoError(t, err)

	id, err := tokens.Lookup(tok, t0.Add(50*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)

	_, err = tokens.Lookup(tok, t0.Add(100*time.Minute))
	require.NoError(t, err, "use refreshed expiry")

	_, err = tokens.Lookup(tok, t0.Add(161*time.Minute))
	assert.ErrorIs(t, err, ErrExpired)
	_, err = tokens.Lookup(tok, t0.Add(161*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_TouchSlidesLiveTokensOnly(t *testing.T) {
	tokens := NewTokens(time.Minute)
	tok, err := tokens.Issue(Identity{PlayerID: "p1"}, t0)
	require.NoError(t, err)

	assert.True(t, tokens.Touch(tok, t0.Add(50*time.Second)))
	assert.True(t, tokens.Touch(tok, t0.Add(100*time.Second)), "expiry moved past the original minute")
	assert.False(t, tokens.Touch(tok, t0.Add(161*time.Second)))
	assert.False(t, tokens.Touch("unknown", t0))

	_, err = tokens.Lookup(tok, t0.Add(161*time.Second))
	assert.ErrorIs(t, err, ErrExpired, "touch leaves a lapsed token for lookup")
}

func TestTokens_RevokeAndSweep(t *testing.T) {
	tokens := NewTokens(time.Minute)
	a, _ := tokens.Issue(Identity{PlayerID: "p1"}, t0)
	b, _ := tokens.Issue(Identity{PlayerID: "p1"}, t0)
	c, _ := tokens.Issue(Identity{PlayerID: "p2"}, t0.Add(time.Minute))
	assert.NotEqual(t, a, b)

	tokens.Revoke(a)
	_, err := tokens.Lookup(a, t0)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, 1, tokens.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, 1, tokens.Len())
	assert.Equal(t, 1, tokens.RevokePlayer("p2"))
	_, err = tokens.Lookup(c, t0)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_ = b
}

func TestTokens_SweepNeverRemovesLive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := NewTokens(time.Minute)
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		issued := make(map[string]time.Time, n)
		for range n {
			at := t0.Add(time.Duration(rapid.Int64Range(0, int64(5*time.Minute)).Draw(rt, "at")))
			tok, err := tokens.Issue(Identity{PlayerID: "p"}, at)
			if err != nil {
				rt.Fatal(err)
			}
			issued[tok] = at
		}
		now := t0.Add(time.Duration(rapid.Int64Range(0, int64(10*time.Minute)).Draw(rt, "now")))
		tokens.Sweep(now)
		for tok, at := range issued {
			_, err := tokens.Lookup(tok, now)
			live := now.Before(at.Add(time.Minute))
			if live && err != nil {
				rt.Fatalf("live token rejected: %v", err)
			}
			if !live && err == nil {
				rt.Fatalf("expired token accepted")
			}
		}
	})
}
