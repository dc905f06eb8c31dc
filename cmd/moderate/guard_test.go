package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/highwizardry/internal/config"
)

func TestHealthURL(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{host: "", want: "http://127.0.0.1:8080/healthz"},
		{host: "0.0.0.0", want: "http://127.0.0.1:8080/healthz"},
		{host: "::", want: "http://127.0.0.1:8080/healthz"},
		{host: "game.internal", want: "http://game.internal:8080/healthz"},
		{host: "::1", want: "http://[::1]:8080/healthz"},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.want, healthURL(config.ServerConfig{Host: tc.host, Port: 8080}))
		})
	}
}

func TestEnsureServerStopped_RefusesWhileServing(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		err := ensureServerStopped(context.Background(), srv.Client(), srv.URL+"/healthz")
		srv.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, errServerRunning)
	}
}

func TestEnsureServerStopped_AllowsWhenNothingListens(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/healthz"
	srv.Close()

	client := &http.Client{Timeout: time.Second}
	assert.NoError(t, ensureServerStopped(context.Background(), client, url))
}
