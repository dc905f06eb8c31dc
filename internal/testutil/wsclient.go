package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one decoded server message.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v or fails the test.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Raw, v); err != nil {
		t.Fatalf("decoding %s frame %s: %v", f.Type, f.Raw, err)
	}
}

// WSClient is a websocket test client for gateway integration tests.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialWS connects to a websocket endpoint. An http:// URL is rewritten to ws://.
//
// Precondition: url must point at a listening gateway.
// Postcondition: Returns a connected WSClient or fails the test.
func DialWS(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()
	url = "ws" + strings.TrimPrefix(url, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &WSClient{conn: conn, t: t}
}

// Send writes msg as one JSON text frame.
func (c *WSClient) Send(msg any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("sending %v: %v", msg, err)
	}
}

// SendRaw writes payload verbatim as a text frame.
func (c *WSClient) SendRaw(payload string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		c.t.Fatalf("sending raw frame: %v", err)
	}
}

// Next reads the next frame or fails on timeout.
func (c *WSClient) Next(timeout time.Duration) Frame {
	c.t.Helper()
	f, err := c.next(timeout)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

func (c *WSClient) next(timeout time.Duration) (Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, err
	}
	return Frame{Type: head.Type, Raw: data}, nil
}

// ReadUntil discards frames until one of msgType arrives or timeout elapses.
//
// Postcondition: Returns the matching frame, or fails the test.
func (c *WSClient) ReadUntil(msgType string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("waiting for %q: timed out, saw %v", msgType, seen)
		}
		f, err := c.next(remaining)
		if err != nil {
			c.t.Fatalf("waiting for %q: saw %v, error: %v", msgType, seen, err)
		}
		if f.Type == msgType {
			return f
		}
		seen = append(seen, f.Type)
	}
}

// ReadClose reads until the server closes the connection and returns the close
// code, or -1 if the connection ended without a close frame.
func (c *WSClient) ReadClose(timeout time.Duration) int {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := c.next(time.Until(deadline))
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return -1
	}
	c.t.Fatalf("connection still open after %s", timeout)
	return -1
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}
