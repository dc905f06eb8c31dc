package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/cory-johannsen/highwizardry/internal/config"
)

var errServerRunning = errors.New("game server is running; stop it before moderating")

// healthURL returns the /healthz address of the server described by cfg.
// Wildcard listen hosts are probed on loopback.
func healthURL(cfg config.ServerConfig) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/healthz"
}

// ensureServerStopped probes url and fails with errServerRunning when anything
// answers. The running server caches players and users, so writes made here
// while it is up would be overwritten by its next flush.
//
// Postcondition: Returns nil only when the probe could not connect.
func ensureServerStopped(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	return fmt.Errorf("%w: %s answered %d", errServerRunning, url, resp.StatusCode)
}
