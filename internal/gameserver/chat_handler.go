package gameserver

import (
	"context"

	"github.com/cory-johannsen/highwizardry/internal/chat"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
)

// handleChat validates a message through the broker and delivers it to the
// sessions its channel reaches at the moment of sending.
func (r *Router) handleChat(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req chatRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Channel); err != nil {
		return nil, err
	}
	p, err := r.svc.Players.Get(ctx, s.PlayerID())
	if err != nil {
		return nil, err
	}
	msg, err := r.svc.Chat.Accept(chat.Sender{
		PlayerID: p.ID,
		Username: s.Username(),
		Location: p.Location,
		Guilds:   p.GuildIDs(),
	}, req.Channel, req.Message)
	if err != nil {
		return nil, err
	}

	out := chatMessageMsg{
		Type:      MsgChatMessage,
		Channel:   string(msg.Channel),
		FromID:    msg.FromID,
		From:      msg.From,
		Message:   msg.Text,
		Timestamp: msg.Timestamp,
	}
	switch msg.Audience.Kind {
	case chat.ScopeRoom:
		r.toRoom(msg.Audience.Location, "", out)
	case chat.ScopeGuilds:
		r.toAuthenticated(out, func(id string) bool { return r.sharesGuild(ctx, id, msg.Audience.Guilds) })
	default:
		r.toAuthenticated(out, nil)
	}
	return nil, nil
}
