package gameserver

import (
	"context"
	"slices"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

var (
	errUnknownLocation = apperr.New(apperr.NotFound, "unknown location")
	errJailedMove      = apperr.New(apperr.Precondition, "you cannot leave jail yet")
)

// handleMove relocates the player and moves the session between rooms.
//
// Postcondition: The old room sees player_left, the new room sees
// player_joined, and the mover receives location_changed.
func (r *Router) handleMove(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req moveRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.LocationID); err != nil {
		return nil, err
	}
	loc, ok := r.svc.World.Get(req.LocationID)
	if !ok {
		return nil, errUnknownLocation
	}
	if _, err := r.svc.Players.Update(ctx, s.PlayerID(), func(p *storage.Player) error {
		if p.InJail && loc.ID != r.svc.World.Jail() {
			return errJailedMove
		}
		p.Location = loc.ID
		return nil
	}); err != nil {
		return nil, err
	}

	if r.svc.Sessions.IsPrimary(s) {
		if _, _, err := r.svc.Presence.Move(s.ID, loc.ID); err != nil {
			r.svc.Presence.Join(s.ID, s.PlayerID(), loc.ID)
		}
	}
	return r.locationChanged(loc.ID), nil
}

// handlePlayerUpdate returns the authoritative player record. Reported play
// time is credited up to the wall-clock time since the previous update.
func (r *Router) handlePlayerUpdate(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req playerUpdateRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	elapsed := s.ClaimPlayTime(r.now()).Milliseconds()
	credit := min(max(req.PlayTimeDelta, 0), elapsed)

	var (
		p   storage.Player
		err error
	)
	if credit > 0 {
		p, err = r.svc.Players.Update(ctx, s.PlayerID(), func(p *storage.Player) error {
			p.PlayTime += credit
			return nil
		})
	} else {
		p, err = r.svc.Players.Get(ctx, s.PlayerID())
	}
	if err != nil {
		return nil, err
	}
	return playerUpdatedMsg{Type: MsgPlayerUpdated, Player: viewOf(p)}, nil
}

// sharesGuild reports whether playerID belongs to any of guilds.
func (r *Router) sharesGuild(ctx context.Context, playerID string, guilds []string) bool {
	p, err := r.svc.Players.Get(ctx, playerID)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(p.GuildIDs(), func(g string) bool { return slices.Contains(guilds, g) })
}
