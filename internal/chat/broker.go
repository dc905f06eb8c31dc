// Package chat validates, moderates, and scopes chat messages.
package chat

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/scripting"
)

// Channel is a chat channel name as it appears on the wire.
type Channel string

const (
	Global Channel = "global"
	Local  Channel = "local"
	Guild  Channel = "guild"
	Trade  Channel = "trade"
	Help   Channel = "help"
)

// ParseChannel validates a wire channel name.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(s); c {
	case Global, Local, Guild, Trade, Help:
		return c, true
	}
	return "", false
}

var (
	ErrUnknownChannel = apperr.New(apperr.InvalidInput, "unknown chat channel")
	ErrEmptyMessage   = apperr.New(apperr.InvalidInput, "message is empty")
	ErrTooLong        = apperr.New(apperr.InvalidInput, "message is too long")
	ErrBlocked        = apperr.New(apperr.InvalidInput, "message rejected by moderation")
	ErrNoGuild        = apperr.New(apperr.Precondition, "not a member of any guild")
)

// Sender is the author of a message as seen by the broker.
type Sender struct {
	PlayerID string
	Username string
	Location string
	Guilds   []string
}

// ScopeKind says which sessions receive a message.
type ScopeKind int

const (
	// ScopeAll reaches every authenticated session.
	ScopeAll ScopeKind = iota
	// ScopeRoom reaches sessions present in Location.
	ScopeRoom
	// ScopeGuilds reaches online members of any of Guilds.
	ScopeGuilds
)

// Audience is the fan-out set of a message.
type Audience struct {
	Kind     ScopeKind
	Location string
	Guilds   []string
}

// Message is an accepted chat message.
type Message struct {
	Channel   Channel
	FromID    string
	From      string
	Text      string
	Timestamp int64
	Audience  Audience
}

type slowKey struct {
	playerID string
	channel  Channel
}

// Broker applies length limits, filters, and slow-mode.
// All methods are safe for concurrent use.
type Broker struct {
	cfg     config.ChatConfig
	filters []Filter
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[slowKey]time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithFilters appends extra filters after the configured ones.
func WithFilters(filters ...Filter) Option {
	return func(b *Broker) { b.filters = append(b.filters, filters...) }
}

// NewBroker builds a Broker from cfg. hooks may be nil; when it defines
// on_chat a ScriptFilter runs after the built-in filters.
func NewBroker(cfg config.ChatConfig, logger *zap.Logger, hooks *scripting.Hooks, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		filters:  buildFilters(cfg.Filters, cfg.BlockedWords),
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[slowKey]time.Time),
	}
	if hooks != nil && hooks.Defines("on_chat") {
		b.filters = append(b.filters, ScriptFilter{Hooks: hooks})
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Accept validates and moderates one message from sender.
//
// Postcondition: On success the sender's slow-mode window for the channel restarts.
// Errors are InvalidInput, Precondition, or RateLimited with RetryAfter.
func (b *Broker) Accept(sender Sender, channel, text string) (Message, error) {
	ch, ok := ParseChannel(channel)
	if !ok {
		return Message{}, ErrUnknownChannel
	}
	text = clean(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > b.cfg.MaxLength {
		return Message{}, ErrTooLong
	}
	if ch == Guild && len(sender.Guilds) == 0 {
		return Message{}, ErrNoGuild
	}

	now := b.now()
	key := slowKey{playerID: sender.PlayerID, channel: ch}
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastSent[key]; ok && b.cfg.SlowMode > 0 {
		if wait := b.cfg.SlowMode - now.Sub(last); wait > 0 {
			return Message{}, apperr.RateLimit(wait)
		}
	}

	for _, f := range b.filters {
		var keep bool
		if text, keep = f.Apply(ch, sender, text); !keep {
			b.logger.Info("chat message dropped by filter",
				zap.String("filter", f.Name()),
				zap.String("player_id", sender.PlayerID),
				zap.String("channel", string(ch)),
			)
			return Message{}, ErrBlocked
		}
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrBlocked
	}
	b.lastSent[key] = now

	return Message{
		Channel:   ch,
		FromID:    sender.PlayerID,
		From:      sender.Username,
		Text:      text,
		Timestamp: now.UnixMilli(),
		Audience:  audienceFor(ch, sender),
	}, nil
}

// Forget drops slow-mode state for a player.
func (b *Broker) Forget(playerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.lastSent {
		if k.playerID == playerID {
			delete(b.lastSent, k)
		}
	}
}

func audienceFor(ch Channel, s Sender) Audience {
	switch ch {
	case Local:
		return Audience{Kind: ScopeRoom, Location: s.Location}
	case Guild:
		return Audience{Kind: ScopeGuilds, Guilds: s.Guilds}
	default:
		return Audience{Kind: ScopeAll}
	}
}

// clean applies NFKC normalization, drops control characters, and trims.
func clean(text string) string {
	text = norm.NFKC.String(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
