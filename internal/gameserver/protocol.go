package gameserver

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/trade"
)

// Client to server message types.
const (
	MsgConnected            = "connected"
	MsgPing                 = "ping"
	MsgPong                 = "pong"
	MsgAuthenticate         = "authenticate"
	MsgLogin                = "login"
	MsgRegister             = "register"
	MsgVerifyEmail          = "verify_email"
	MsgResendVerification   = "resend_verification"
	MsgAddEmail             = "add_email"
	MsgRequestPasswordReset = "request_password_reset"
	MsgResetPassword        = "reset_password"
	MsgMove                 = "move"
	MsgChat                 = "chat"
	MsgPlayerUpdate         = "player_update"
	MsgTradePropose         = "trade_propose"
	MsgTradeUpdateOffer     = "trade_update_offer"
	MsgTradeConfirm         = "trade_confirm"
	MsgTradeCancel          = "trade_cancel"
	MsgAuctionCreate        = "auction_create"
	MsgAuctionBid           = "auction_bid"
	MsgAuctionCancel        = "auction_cancel"
	MsgAuctionGet           = "auction_get"
)

// Server to client message types not shared with the client set.
const (
	MsgAuthSuccess                = "auth_success"
	MsgAuthFailed                 = "auth_failed"
	MsgRegisterResult             = "register_result"
	MsgEmailVerificationResult    = "email_verification_result"
	MsgPasswordResetRequestResult = "password_reset_request_result"
	MsgPasswordResetResult        = "password_reset_result"
	MsgPlayerUpdated              = "player_updated"
	MsgPlayerConnected            = "player_connected"
	MsgPlayerDisconnected         = "player_disconnected"
	MsgLocationChanged            = "location_changed"
	MsgPlayerJoined               = "player_joined"
	MsgPlayerLeft                 = "player_left"
	MsgChatMessage                = "chat_message"
	MsgActionResult               = "action_result"
	MsgTradeInvitation            = "trade_invitation"
	MsgTradeProposeResult         = "trade_propose_result"
	MsgTradeUpdated               = "trade_updated"
	MsgTradeConfirmed             = "trade_confirmed"
	MsgTradeCancelled             = "trade_cancelled"
	MsgAuctionList                = "auction_list"
	MsgAuctionCreateResult        = "auction_create_result"
	MsgAuctionBidResult           = "auction_bid_result"
	MsgError                      = "error"
)

// publicTypes may be sent by a session that has not authenticated.
var publicTypes = map[string]bool{
	MsgConnected:            true,
	MsgPing:                 true,
	MsgPong:                 true,
	MsgAuthenticate:         true,
	MsgLogin:                true,
	MsgRegister:             true,
	MsgVerifyEmail:          true,
	MsgResendVerification:   true,
	MsgRequestPasswordReset: true,
	MsgResetPassword:        true,
}

// maxFieldLen bounds identifier, credential, and email fields.
const maxFieldLen = 256

var errFieldTooLong = apperr.New(apperr.MalformedMessage, "field too long")

// bounded rejects any field longer than maxFieldLen bytes.
func bounded(fields ...string) error {
	for _, f := range fields {
		if len(f) > maxFieldLen {
			return errFieldTooLong
		}
	}
	return nil
}

// decode unmarshals a frame into v. Unknown fields are ignored.
func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.MalformedMessage, err, "malformed message")
	}
	return nil
}

type envelope struct {
	Type string `json:"type"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type verifyEmailRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type addEmailRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type passwordResetRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type moveRequest struct {
	LocationID string `json:"locationId"`
}

type chatRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type playerUpdateRequest struct {
	// PlayTimeDelta is client-reported play time in milliseconds.
	PlayTimeDelta int64 `json:"playTimeDelta"`
}

type tradeProposeRequest struct {
	ToPlayerID string      `json:"toPlayerId"`
	Offer      trade.Offer `json:"offer"`
}

type tradeOfferRequest struct {
	TradeID string      `json:"tradeId"`
	Offer   trade.Offer `json:"offer"`
}

type tradeIDRequest struct {
	TradeID string `json:"tradeId"`
}

type auctionOptions struct {
	Scope      string `json:"scope"`
	LocationID string `json:"locationId"`
	GuildID    string `json:"guildId"`
}

type auctionCreateRequest struct {
	Item        storage.AuctionItem `json:"item"`
	StartingBid int64               `json:"startingBid"`
	// Duration is in milliseconds.
	Duration int64          `json:"duration"`
	Options  auctionOptions `json:"options"`
}

func (r auctionCreateRequest) duration() time.Duration {
	return time.Duration(r.Duration) * time.Millisecond
}

type auctionBidRequest struct {
	AuctionID string `json:"auctionId"`
	BidAmount int64  `json:"bidAmount"`
}

type auctionIDRequest struct {
	AuctionID string `json:"auctionId"`
}

// PlayerView is the wire form of a player record.
type PlayerView struct {
	storage.Player
	TotalPennies int64 `json:"totalPennies"`
}

func viewOf(p storage.Player) PlayerView {
	p.Currency = p.Normalized()
	return PlayerView{Player: p, TotalPennies: p.TotalPennies()}
}

type connectedMsg struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

type pingMsg struct {
	Type string `json:"type"`
}

type pongMsg struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

type authSuccessMsg struct {
	Type                   string     `json:"type"`
	PlayerID               string     `json:"playerId"`
	Username               string     `json:"username"`
	Token                  string     `json:"token"`
	PlayerData             PlayerView `json:"playerData"`
	EmailVerified          bool       `json:"emailVerified"`
	NeedsEmailSetup        bool       `json:"needsEmailSetup"`
	Muted                  bool       `json:"muted"`
	NeedsEmailVerification bool       `json:"needsEmailVerification,omitempty"`
}

type authFailedMsg struct {
	Type                   string `json:"type"`
	Message                string `json:"message"`
	Kind                   string `json:"kind"`
	Banned                 bool   `json:"banned,omitempty"`
	NeedsEmailVerification bool   `json:"needsEmailVerification,omitempty"`
}

type registerResultMsg struct {
	Type                   string `json:"type"`
	Success                bool   `json:"success"`
	Message                string `json:"message,omitempty"`
	Kind                   string `json:"kind,omitempty"`
	PlayerID               string `json:"playerId,omitempty"`
	NeedsEmailVerification bool   `json:"needsEmailVerification"`
}

type resultMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type playerUpdatedMsg struct {
	Type   string     `json:"type"`
	Player PlayerView `json:"player"`
}

type playerConnectedMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

type playerIDMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

type locationChangedMsg struct {
	Type              string   `json:"type"`
	LocationID        string   `json:"locationId"`
	PlayersInLocation []string `json:"playersInLocation"`
}

type playerJoinedMsg struct {
	Type       string     `json:"type"`
	PlayerID   string     `json:"playerId"`
	PlayerData PlayerView `json:"playerData"`
}

type chatMessageMsg struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	FromID    string `json:"fromId"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type tradeMsg struct {
	Type  string      `json:"type"`
	Trade trade.Trade `json:"trade"`
}

type tradeProposeResultMsg struct {
	Type    string       `json:"type"`
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Kind    string       `json:"kind,omitempty"`
	Trade   *trade.Trade `json:"trade,omitempty"`
}

type tradeCancelledMsg struct {
	Type    string `json:"type"`
	TradeID string `json:"tradeId"`
	Reason  string `json:"reason,omitempty"`
}

type auctionMsg struct {
	Type    string          `json:"type"`
	Auction storage.Auction `json:"auction"`
	Role    string          `json:"role,omitempty"`
}

type auctionCancelledMsg struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
}

type auctionListMsg struct {
	Type     string            `json:"type"`
	Auctions []storage.Auction `json:"auctions"`
}

type errorMsg struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Kind         string `json:"kind"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// failure builds a resultMsg describing err.
func failure(msgType string, err error) resultMsg {
	return resultMsg{Type: msgType, Success: false, Message: apperr.PublicMessage(err), Kind: string(apperr.KindOf(err))}
}

// errorFrame builds the error message for err.
func errorFrame(err error) errorMsg {
	msg := errorMsg{Type: MsgError, Message: apperr.PublicMessage(err), Kind: string(apperr.KindOf(err))}
	var e *apperr.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		msg.RetryAfterMs = max(1, e.RetryAfter.Milliseconds())
	}
	return msg
}
