package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

type playerAuctionsResponse struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message,omitempty"`
	Auctions []storage.Auction `json:"auctions"`
	Bids     []storage.Auction `json:"bids"`
}

// playerAuctionsHandler serves GET /api/auctions/player?playerId=: the
// auctions the player sells and the auctions they have bid on.
func playerAuctionsHandler(auctions Auctions, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("playerId")
		if playerID == "" {
			writeJSON(w, http.StatusBadRequest, playerAuctionsResponse{Message: "playerId is required"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		selling, bidding, err := auctions.ForPlayer(ctx, playerID)
		if err != nil {
			logger.Error("listing player auctions", zap.String("player_id", playerID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, playerAuctionsResponse{Message: "transient failure"})
			return
		}
		if selling == nil {
			selling = []storage.Auction{}
		}
		if bidding == nil {
			bidding = []storage.Auction{}
		}
		writeJSON(w, http.StatusOK, playerAuctionsResponse{Success: true, Auctions: selling, Bids: bidding})
	})
}

// healthHandler serves GET /healthz from the store health probe.
func healthHandler(health HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := health.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
