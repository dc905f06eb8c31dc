package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/observability"
	"github.com/cory-johannsen/highwizardry/internal/ratelimit"
)

// closeGrace bounds how long the close handshake may take.
const closeGrace = time.Second

// serveConn runs one connection until either side closes it. Inbound frames
// are handled in arrival order on this goroutine; a second goroutine drains
// the session outbox to the socket.
func (a *Acceptor) serveConn(ws *websocket.Conn, remoteAddr string) {
	start := time.Now()
	s := session.New(uuid.NewString(), remoteAddr, session.NewOutbox(a.gateway.SendQueueDepth), ratelimit.New(a.limits), start)
	logger := a.logger.With(observability.SessionFields(s.ID, "")...)

	if limit := a.server.MaxFrameBytes; limit > 0 {
		// Oversized frames within 4x the limit get a MalformedMessage reply; beyond it the socket is dropped.
		ws.SetReadLimit(limit * 4)
	}
	if err := a.router.Connected(s); err != nil {
		logger.Error("registering session", zap.Error(err))
		ws.Close()
		return
	}
	logger.Info("client connected", zap.String("remote_addr", remoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeLoop(ws, s, logger)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.Outbox.Done():
			// Unblock the reader once the writer has sent the close frame.
			<-writerDone
			_ = ws.SetReadDeadline(time.Now())
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.Close(session.ReasonClient)
			} else {
				s.Close(session.CloseReason{Code: websocket.CloseAbnormalClosure, Text: "read_error"})
			}
			break
		}
		a.router.Handle(ctx, s, data)
	}

	<-writerDone
	ws.Close()
	a.router.Disconnected(s)
	reason, _ := s.Outbox.Reason()
	logger.Info("session ended",
		zap.String("player_id", s.PlayerID()),
		zap.String("reason", reason.Text),
		zap.Duration("duration", time.Since(start)),
	)
}

// writeLoop drains the outbox until it is closed, then sends the close frame.
func (a *Acceptor) writeLoop(ws *websocket.Conn, s *session.Session, logger *zap.Logger) {
	for frame := range s.Outbox.Frames() {
		if a.gateway.WriteTimeout > 0 {
			_ = ws.SetWriteDeadline(time.Now().Add(a.gateway.WriteTimeout))
		}
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Debug("write failed", zap.Error(err))
			s.Close(session.CloseReason{Code: websocket.CloseAbnormalClosure, Text: "write_error"})
			// Drain so the queue is released.
			for range s.Outbox.Frames() {
			}
			return
		}
	}
	reason, _ := s.Outbox.Reason()
	if reason.Code == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(reason.Code, reason.Text)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		logger.Debug("sending close frame", zap.Error(err))
	}
}
