package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/game/session"
)

// Heartbeat pings every live session on one interval and closes sessions
// with no inbound traffic for longer than the idle timeout.
//
// Invariant: at most one sweep runs at a time.
type Heartbeat struct {
	interval time.Duration
	idle     time.Duration
	sessions func() []*session.Session
	logger   *zap.Logger
	now      func() time.Time
	ping     []byte

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewHeartbeat returns a sweeper that pings every interval and evicts
// sessions idle for longer than idle.
//
// Precondition: interval and idle must be > 0.
func NewHeartbeat(interval, idle time.Duration, sessions func() []*session.Session, logger *zap.Logger) *Heartbeat {
	if interval <= 0 || idle <= 0 {
		panic("ws.NewHeartbeat: interval and idle must be > 0")
	}
	ping, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "ping"})
	return &Heartbeat{
		interval: interval,
		idle:     idle,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		ping:     ping,
	}
}

// Run sweeps until ctx is cancelled or Stop is called. Idle checks run four
// times per idle timeout so eviction lands within a quarter of it.
func (h *Heartbeat) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.stop = cancel
	h.mu.Unlock()
	defer cancel()

	pings := time.NewTicker(h.interval)
	defer pings.Stop()
	checks := time.NewTicker(max(h.idle/4, time.Millisecond))
	defer checks.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			h.Ping()
		case <-checks.C:
			h.Evict()
		}
	}
}

// Stop ends Run.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		h.stop()
	}
}

// Ping queues a ping frame on every session. A session whose queue is full
// is closed with ReasonOverflow.
func (h *Heartbeat) Ping() {
	for _, s := range h.sessions() {
		err := s.Send(h.ping)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrOverflow):
			h.logger.Warn("send queue overflow on ping", zap.String("session_id", s.ID))
			s.Close(session.ReasonOverflow)
		default:
			h.logger.Debug("ping not queued", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// Evict closes every session idle for longer than the idle timeout.
//
// Postcondition: Returns the number of sessions closed.
func (h *Heartbeat) Evict() int {
	now := h.now()
	closed := 0
	for _, s := range h.sessions() {
		if now.Sub(s.LastSeen()) > h.idle && s.Close(session.ReasonIdle) {
			h.logger.Info("closing idle session", zap.String("session_id", s.ID), zap.Duration("idle", now.Sub(s.LastSeen())))
			closed++
		}
	}
	return closed
}
