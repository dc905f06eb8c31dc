package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Chat:            config.BucketConfig{Burst: 10, Window: 10 * time.Second},
		ChatMinInterval: time.Second,
		Market:          config.BucketConfig{Burst: 5, Window: 10 * time.Second},
		Default:         config.BucketConfig{Burst: 30, Window: 10 * time.Second},
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, Chat, ClassOf("chat"))
	assert.Equal(t, Market, ClassOf("auction_bid"))
	assert.Equal(t, Market, ClassOf("trade_propose"))
	assert.Equal(t, Default, ClassOf("move"))
}

func TestMarketBurst(t *testing.T) {
	l := New(testConfig())
	for i := range 5 {
		require.Zero(t, l.Reserve(Market, epoch), "bid %d", i)
	}
	wait := l.Reserve(Market, epoch)
	assert.Equal(t, 2*time.Second, wait)
	assert.Zero(t, l.Reserve(Market, epoch.Add(wait)))
}

func TestChatMinInterval(t *testing.T) {
	l := New(testConfig())
	require.Zero(t, l.Reserve(Chat, epoch))
	wait := l.Reserve(Chat, epoch.Add(200*time.Millisecond))
	assert.InDelta(t, float64(800*time.Millisecond), float64(wait), float64(time.Millisecond))
	assert.Zero(t, l.Reserve(Chat, epoch.Add(time.Second)))
}

func TestClassesAreIndependent(t *testing.T) {
	l := New(testConfig())
	for range 5 {
		require.Zero(t, l.Reserve(Market, epoch))
	}
	assert.Zero(t, l.Reserve(Default, epoch))
	assert.Zero(t, l.Reserve(Chat, epoch))
}

func TestCheckReturnsRetryAfter(t *testing.T) {
	l := New(testConfig())
	for range 5 {
		require.NoError(t, l.Check("trade_propose", epoch))
	}
	err := l.Check("auction_bid", epoch)
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.RateLimited, ae.Kind)
	assert.Equal(t, 2*time.Second, ae.RetryAfter)
}

func TestRejectedCallsDoNotDelayRecovery(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New(testConfig())
		for range 5 {
			if l.Reserve(Market, epoch) != 0 {
				t.Fatal("burst rejected")
			}
		}
		first := l.Reserve(Market, epoch)
		if first <= 0 {
			t.Fatal("expected rejection after burst")
		}

		rejected := rapid.IntRange(1, 50).Draw(t, "rejected")
		now := epoch
		for range rejected {
			now = now.Add(time.Duration(rapid.Int64Range(0, int64(first)/int64(rejected+1)).Draw(t, "step")))
			if now.Sub(epoch) >= first {
				break
			}
			if l.Reserve(Market, now) == 0 {
				t.Fatalf("accepted at %v before recovery %v", now.Sub(epoch), first)
			}
		}
		if wait := l.Reserve(Market, epoch.Add(first)); wait != 0 {
			t.Fatalf("rejected at documented recovery time, wait %v", wait)
		}
	})
}
