// Package ratelimit holds the per-session token buckets for each command class.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
)

// Class groups message types that share a bucket.
type Class string

const (
	Chat    Class = "chat"
	Market  Class = "market"
	Default Class = "default"
)

// ClassOf returns the bucket class for a wire message type.
func ClassOf(msgType string) Class {
	switch msgType {
	case "chat":
		return Chat
	case "auction_bid", "trade_propose":
		return Market
	default:
		return Default
	}
}

// Limiter is one session's set of buckets. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Class][]*rate.Limiter
}

// New builds the buckets described by cfg.
//
// Precondition: cfg must have passed config validation.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{buckets: map[Class][]*rate.Limiter{
		Chat:    {bucket(cfg.Chat)},
		Market:  {bucket(cfg.Market)},
		Default: {bucket(cfg.Default)},
	}}
	if cfg.ChatMinInterval > 0 {
		l.buckets[Chat] = append(l.buckets[Chat], rate.NewLimiter(rate.Every(cfg.ChatMinInterval), 1))
	}
	return l
}

func bucket(b config.BucketConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Every(b.Window/time.Duration(b.Burst)), b.Burst)
}

// Reserve takes one token from every bucket of class at now.
//
// Postcondition: Returns zero on success. Otherwise no token is consumed and
// the result is the delay after which the same call would succeed.
func (l *Limiter) Reserve(class Class, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	buckets := l.buckets[class]
	if buckets == nil {
		buckets = l.buckets[Default]
	}
	reservations := make([]*rate.Reservation, 0, len(buckets))
	var wait time.Duration
	for _, b := range buckets {
		r := b.ReserveN(now, 1)
		reservations = append(reservations, r)
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}
	return wait
}

// Check is Reserve expressed as an error.
//
// Postcondition: Returns nil or an apperr RateLimited error carrying RetryAfter.
func (l *Limiter) Check(msgType string, now time.Time) error {
	if wait := l.Reserve(ClassOf(msgType), now); wait > 0 {
		return apperr.RateLimit(wait)
	}
	return nil
}
