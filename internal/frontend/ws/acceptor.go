// Package ws is the websocket session gateway: it upgrades connections, pumps
// frames between sockets and the router, and serves the read-only HTTP API.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// Router consumes the traffic of every session.
type Router interface {
	Connected(s *session.Session) error
	Handle(ctx context.Context, s *session.Session, raw []byte)
	Disconnected(s *session.Session)
	CloseAll(reason session.CloseReason)
}

// Auctions answers the per-player auction query.
type Auctions interface {
	ForPlayer(ctx context.Context, playerID string) (selling, bidding []storage.Auction, err error)
}

// HealthChecker probes the backing store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Acceptor serves websocket sessions and the HTTP side channel.
type Acceptor struct {
	server  config.ServerConfig
	gateway config.GatewayConfig
	limits  config.RateLimitConfig
	router  Router
	logger  *zap.Logger

	upgrader  websocket.Upgrader
	heartbeat *Heartbeat
	httpSrv   *http.Server
	conns     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	running  bool
	quit     chan struct{}
}

// NewAcceptor creates an Acceptor. sessions lists live sessions for the
// heartbeat sweep.
//
// Precondition: router, auctions, health, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.Config, router Router, auctions Auctions, health HealthChecker, sessions func() []*session.Session, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		server:  cfg.Server,
		gateway: cfg.Gateway,
		limits:  cfg.RateLimit,
		router:  router,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeat: NewHeartbeat(cfg.Gateway.Heartbeat(), cfg.Gateway.IdleTimeout(), sessions, logger),
		quit:      make(chan struct{}),
	}
	a.httpSrv = &http.Server{Handler: a.Handler(auctions, health), ReadHeaderTimeout: 10 * time.Second}
	return a
}

// Handler returns the HTTP routes: the websocket endpoint, the player auction
// query, and the health probe.
func (a *Acceptor) Handler(auctions Auctions, health HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.gateway.Path, a.serveWS)
	mux.Handle("GET /api/auctions/player", playerAuctionsHandler(auctions, a.logger))
	mux.Handle("GET /healthz", healthHandler(health))
	return mux
}

// ListenAndServe listens on the configured address and serves until Stop.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	start := time.Now()
	listener, err := net.Listen("tcp", a.server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.server.Addr(), err)
	}
	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	go a.heartbeat.Run(ctx)
	a.logger.Info("gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	if err := a.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.quit:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	a.conns.Add(1)
	go func() {
		defer a.conns.Done()
		a.serveConn(ws, r.RemoteAddr)
	}()
}

// Stop stops accepting connections, closes every session with
// server_shutdown, and waits for their connections to finish.
//
// Postcondition: All connections are closed and goroutines have exited, or
// ctx expired first.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.quit)
	a.mu.Unlock()

	a.heartbeat.Stop()
	a.router.CloseAll(session.ReasonShutdown)
	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("gateway stop timed out waiting for connections")
	}
	err := a.httpSrv.Shutdown(ctx)
	a.logger.Info("gateway stopped")
	return err
}

// Addr returns the listening address, or "" before ListenAndServe.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}
