// Package auth owns credentials, email verification, password reset, and
// session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

var (
	ErrBadCredentials         = apperr.New(apperr.BadCredentials, "invalid username or password")
	ErrBanned                 = apperr.New(apperr.Banned, "account is banned")
	ErrNeedsEmailVerification = apperr.New(apperr.NeedsEmailVerification, "email address not verified")
	ErrUsernameTaken          = apperr.New(apperr.UsernameTaken, "username already taken")
	ErrEmailTaken             = apperr.New(apperr.EmailTaken, "email already registered")
	ErrInvalidCode            = apperr.New(apperr.InvalidCode, "invalid verification code")
	ErrCodeExpired            = apperr.New(apperr.Expired, "verification code expired")
	ErrUserNotFound           = apperr.New(apperr.NotFound, "user not found")
	ErrAlreadyVerified        = apperr.New(apperr.Precondition, "email already verified")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

const (
	minPasswordLen = 6
	// bcrypt ignores input past 72 bytes.
	maxPasswordLen = 72
)

// Backend is the persistence the Manager needs.
type Backend interface {
	GetUser(ctx context.Context, username string) (storage.User, error)
	GetUserByEmail(ctx context.Context, email string) (storage.User, error)
	GetUserByPlayerID(ctx context.Context, playerID string) (storage.User, error)
	UpdateUser(ctx context.Context, username string, patch storage.UserPatch) (storage.User, error)
	CreateAccount(ctx context.Context, u storage.User, p storage.Player) error
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	PlayerID               string
	NeedsEmailVerification bool
}

// LoginResult is returned by Login.
type LoginResult struct {
	PlayerID      string
	Username      string
	Token         string
	EmailVerified bool
	// NeedsEmailSetup is true when the account has no email at all.
	NeedsEmailSetup bool
	// NeedsEmailVerification is true when an email is set but unverified.
	NeedsEmailVerification bool
	Muted                  bool
}

// Status is the moderation state of a player.
type Status struct {
	Banned bool
	Muted  bool
}

// Manager implements the account operations.
type Manager struct {
	backend       Backend
	cfg           config.AuthConfig
	mailer        Mailer
	logger        *zap.Logger
	tokens        *Tokens
	startLocation string
	now           func() time.Time

	// dummyHash is compared against when the user does not exist so that
	// both login failures cost one bcrypt comparison.
	dummyHash []byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager. New players start at startLocation.
//
// Precondition: backend, mailer, and logger must be non-nil; cfg must be valid.
func NewManager(backend Backend, cfg config.AuthConfig, mailer Mailer, logger *zap.Logger, startLocation string, opts ...Option) (*Manager, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}
	m := &Manager{
		backend:       backend,
		cfg:           cfg,
		mailer:        mailer,
		logger:        logger,
		tokens:        NewTokens(cfg.SessionTTL()),
		startLocation: startLocation,
		now:           time.Now,
		dummyHash:     dummy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Tokens exposes the session token registry.
func (m *Manager) Tokens() *Tokens { return m.tokens }

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen || len(pw) > maxPasswordLen {
		return apperr.New(apperr.InvalidInput, fmt.Sprintf("password must be %d to %d bytes", minPasswordLen, maxPasswordLen))
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.New(apperr.InvalidInput, "invalid email address")
	}
	return storage.EmailKey(email), nil
}

// Register creates a user and its player atomically.
//
// Postcondition: When an email is given a verification code is mailed.
func (m *Manager) Register(ctx context.Context, username, password, email string) (RegisterResult, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return RegisterResult{}, apperr.New(apperr.InvalidInput, "username must be 3 to 20 letters, digits, '_' or '-'")
	}
	if err := validatePassword(password); err != nil {
		return RegisterResult{}, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return RegisterResult{}, err
	}

	if _, err := m.backend.GetUser(ctx, username); err == nil {
		return RegisterResult{}, ErrUsernameTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return RegisterResult{}, fmt.Errorf("checking username: %w", err)
	}
	if email != "" {
		if _, err := m.backend.GetUserByEmail(ctx, email); err == nil {
			return RegisterResult{}, ErrEmailTaken
		} else if !errors.Is(err, storage.ErrNotFound) {
			return RegisterResult{}, fmt.Errorf("checking email: %w", err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cfg.BcryptCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hashing password: %w", err)
	}

	now := m.now()
	u := storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Email:        email,
		CreatedAt:    now.UnixMilli(),
		UpdatedAt:    now.UnixMilli(),
	}
	var code string
	if email != "" {
		if code, err = newCode(); err != nil {
			return RegisterResult{}, fmt.Errorf("generating code: %w", err)
		}
		u.VerificationCode = &storage.Secret{Value: code, ExpiresAt: now.Add(m.cfg.VerificationTTL).UnixMilli()}
		u.VerificationSentAt = now.UnixMilli()
	}

	if err := m.backend.CreateAccount(ctx, u, player.New(u.ID, username, m.startLocation, now)); err != nil {
		switch {
		case errors.Is(err, storage.ErrUsernameConflict):
			return RegisterResult{}, ErrUsernameTaken
		case errors.Is(err, storage.ErrEmailConflict):
			return RegisterResult{}, ErrEmailTaken
		}
		return RegisterResult{}, fmt.Errorf("creating account: %w", err)
	}
	m.logger.Info("account registered", zap.String("username", username), zap.String("player_id", u.ID))

	if code != "" {
		m.send(ctx, Mail{Kind: MailVerification, To: email, Username: username, Secret: code})
	}
	return RegisterResult{
		PlayerID:               u.ID,
		NeedsEmailVerification: email != "" && m.cfg.RequireEmailVerification,
	}, nil
}

func (m *Manager) send(ctx context.Context, mail Mail) {
	if err := m.mailer.Send(ctx, mail); err != nil {
		m.logger.Error("sending mail", zap.String("kind", string(mail.Kind)), zap.String("username", mail.Username), zap.Error(err))
	}
}

// Login checks credentials and issues a session token. Checks run in a fixed
// order: existence, ban, password, email verification.
func (m *Manager) Login(ctx context.Context, username, password string) (LoginResult, error) {
	u, err := m.backend.GetUser(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))
			return LoginResult{}, ErrBadCredentials
		}
		return LoginResult{}, fmt.Errorf("loading user: %w", err)
	}
	if u.Banned {
		return LoginResult{}, ErrBanned
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return LoginResult{}, ErrBadCredentials
	}
	unverified := u.Email != "" && !u.EmailVerified
	if unverified && m.cfg.RequireEmailVerification {
		return LoginResult{}, ErrNeedsEmailVerification
	}

	token, err := m.tokens.Issue(Identity{PlayerID: u.ID, Username: u.Username}, m.now())
	if err != nil {
		return LoginResult{}, fmt.Errorf("issuing token: %w", err)
	}
	return LoginResult{
		PlayerID:               u.ID,
		Username:               u.Username,
		Token:                  token,
		EmailVerified:          u.EmailVerified,
		NeedsEmailSetup:        u.Email == "",
		NeedsEmailVerification: unverified,
		Muted:                  u.Muted,
	}, nil
}

// ValidateToken resolves a session token and refreshes its expiry.
//
// Postcondition: Tokens of banned players are revoked and return ErrBanned.
func (m *Manager) ValidateToken(ctx context.Context, token string) (Identity, error) {
	id, err := m.tokens.Lookup(token, m.now())
	if err != nil {
		return Identity{}, err
	}
	u, err := m.backend.GetUserByPlayerID(ctx, id.PlayerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.tokens.RevokePlayer(id.PlayerID)
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("loading user: %w", err)
	}
	if u.Banned {
		m.tokens.RevokePlayer(id.PlayerID)
		return Identity{}, ErrBanned
	}
	return Identity{PlayerID: u.ID, Username: u.Username}, nil
}

// Profile returns the login-time view of the token's account without issuing
// a new token.
func (m *Manager) Profile(ctx context.Context, token string) (LoginResult, error) {
	id, err := m.ValidateToken(ctx, token)
	if err != nil {
		return LoginResult{}, err
	}
	u, err := m.backend.GetUserByPlayerID(ctx, id.PlayerID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("loading user: %w", err)
	}
	return LoginResult{
		PlayerID:               u.ID,
		Username:               u.Username,
		Token:                  token,
		EmailVerified:          u.EmailVerified,
		NeedsEmailSetup:        u.Email == "",
		NeedsEmailVerification: u.Email != "" && !u.EmailVerified,
		Muted:                  u.Muted,
	}, nil
}

// Refresh slides the expiry of a token held by a connected session.
//
// Postcondition: Returns false when the token is unknown or has lapsed; the
// token is then left for Lookup or the sweep to discard.
func (m *Manager) Refresh(token string) bool {
	return m.tokens.Touch(token, m.now())
}

// VerifyEmail consumes a verification code.
func (m *Manager) VerifyEmail(ctx context.Context, username, code string) error {
	u, err := m.getUser(ctx, username)
	if err != nil {
		return err
	}
	if u.VerificationCode == nil {
		return ErrInvalidCode
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if !equalSecret(code, u.VerificationCode.Value) {
		return ErrInvalidCode
	}
	if u.VerificationCode.Expired(m.now().UnixMilli()) {
		return ErrCodeExpired
	}
	verified := true
	if _, err := m.backend.UpdateUser(ctx, u.Username, storage.UserPatch{EmailVerified: &verified, ClearVerification: true}); err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	m.logger.Info("email verified", zap.String("username", u.Username))
	return nil
}

// ResendVerification rotates the verification code and mails it again.
//
// Postcondition: Returns a RateLimited error inside the resend cooldown.
func (m *Manager) ResendVerification(ctx context.Context, username string) error {
	u, err := m.getUser(ctx, username)
	if err != nil {
		return err
	}
	if u.Email == "" {
		return apperr.New(apperr.NotFound, "no email address on account")
	}
	if u.EmailVerified {
		return ErrAlreadyVerified
	}
	now := m.now()
	if since := now.Sub(time.UnixMilli(u.VerificationSentAt)); u.VerificationSentAt > 0 && since < m.cfg.ResendCooldown {
		return apperr.RateLimit(m.cfg.ResendCooldown - since)
	}
	return m.issueVerification(ctx, u, u.Email, now)
}

func (m *Manager) issueVerification(ctx context.Context, u storage.User, email string, now time.Time) error {
	code, err := newCode()
	if err != nil {
		return fmt.Errorf("generating code: %w", err)
	}
	sentAt := now.UnixMilli()
	verified := false
	patch := storage.UserPatch{
		EmailVerified:      &verified,
		VerificationCode:   &storage.Secret{Value: code, ExpiresAt: now.Add(m.cfg.VerificationTTL).UnixMilli()},
		VerificationSentAt: &sentAt,
	}
	if email != u.Email {
		patch.Email = &email
	}
	if _, err := m.backend.UpdateUser(ctx, u.Username, patch); err != nil {
		if errors.Is(err, storage.ErrEmailConflict) {
			return ErrEmailTaken
		}
		return fmt.Errorf("storing verification code: %w", err)
	}
	m.send(ctx, Mail{Kind: MailVerification, To: email, Username: u.Username, Secret: code})
	return nil
}

// AddEmail sets or replaces the account email and starts verification.
func (m *Manager) AddEmail(ctx context.Context, username, email string) error {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if normalized == "" {
		return apperr.New(apperr.InvalidInput, "email is required")
	}
	u, err := m.getUser(ctx, username)
	if err != nil {
		return err
	}
	if owner, err := m.backend.GetUserByEmail(ctx, normalized); err == nil && owner.ID != u.ID {
		return ErrEmailTaken
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking email: %w", err)
	}
	return m.issueVerification(ctx, u, normalized, m.now())
}

// RequestPasswordReset mails a reset token when the username or email
// belongs to an account with an email. The result never reveals whether it did.
func (m *Manager) RequestPasswordReset(ctx context.Context, usernameOrEmail string) {
	key := strings.TrimSpace(usernameOrEmail)
	u, err := m.backend.GetUser(ctx, key)
	if errors.Is(err, storage.ErrNotFound) && strings.Contains(key, "@") {
		u, err = m.backend.GetUserByEmail(ctx, key)
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("password reset lookup", zap.Error(err))
		}
		return
	}
	if u.Email == "" {
		m.logger.Info("password reset requested for account without email", zap.String("username", u.Username))
		return
	}

	secret, err := randomToken()
	if err != nil {
		m.logger.Error("generating reset token", zap.Error(err))
		return
	}
	now := m.now()
	patch := storage.UserPatch{ResetToken: &storage.Secret{Value: digest(secret), ExpiresAt: now.Add(m.cfg.ResetTTL).UnixMilli()}}
	if _, err := m.backend.UpdateUser(ctx, u.Username, patch); err != nil {
		m.logger.Error("storing reset token", zap.String("username", u.Username), zap.Error(err))
		return
	}
	m.send(ctx, Mail{Kind: MailPasswordReset, To: u.Email, Username: u.Username, Secret: resetToken(u.ID, secret)})
}

// ResetPassword consumes a reset token, sets the new password, and revokes
// every session token of the player.
func (m *Manager) ResetPassword(ctx context.Context, token, newPassword string) error {
	playerID, secret, ok := splitResetToken(token)
	if !ok {
		return ErrInvalidToken
	}
	u, err := m.backend.GetUserByPlayerID(ctx, playerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("loading user: %w", err)
	}
	if u.ResetToken == nil || !equalSecret(digest(secret), u.ResetToken.Value) {
		return ErrInvalidToken
	}
	if u.ResetToken.Expired(m.now().UnixMilli()) {
		return ErrExpired
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), m.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	h := string(hash)
	if _, err := m.backend.UpdateUser(ctx, u.Username, storage.UserPatch{PasswordHash: &h, ClearResetToken: true}); err != nil {
		return fmt.Errorf("storing password: %w", err)
	}
	revoked := m.tokens.RevokePlayer(u.ID)
	m.logger.Info("password reset", zap.String("username", u.Username), zap.Int("revoked_tokens", revoked))
	return nil
}

// SetBanStatus bans or unbans a user. Banning revokes every session token.
func (m *Manager) SetBanStatus(ctx context.Context, username string, banned bool) (storage.User, error) {
	u, err := m.updateFlags(ctx, username, storage.UserPatch{Banned: &banned})
	if err != nil {
		return storage.User{}, err
	}
	if banned {
		m.tokens.RevokePlayer(u.ID)
	}
	m.logger.Info("ban status changed", zap.String("username", u.Username), zap.Bool("banned", banned))
	return u, nil
}

// SetMuteStatus mutes or unmutes a user.
func (m *Manager) SetMuteStatus(ctx context.Context, username string, muted bool) (storage.User, error) {
	u, err := m.updateFlags(ctx, username, storage.UserPatch{Muted: &muted})
	if err != nil {
		return storage.User{}, err
	}
	m.logger.Info("mute status changed", zap.String("username", u.Username), zap.Bool("muted", muted))
	return u, nil
}

func (m *Manager) updateFlags(ctx context.Context, username string, patch storage.UserPatch) (storage.User, error) {
	u, err := m.backend.UpdateUser(ctx, username, patch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, ErrUserNotFound
		}
		return storage.User{}, fmt.Errorf("updating user: %w", err)
	}
	return u, nil
}

// Status returns the current moderation flags of a player.
func (m *Manager) Status(ctx context.Context, playerID string) (Status, error) {
	u, err := m.backend.GetUserByPlayerID(ctx, playerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Status{}, ErrUserNotFound
		}
		return Status{}, fmt.Errorf("loading user: %w", err)
	}
	return Status{Banned: u.Banned, Muted: u.Muted}, nil
}

func (m *Manager) getUser(ctx context.Context, username string) (storage.User, error) {
	u, err := m.backend.GetUser(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, ErrUserNotFound
		}
		return storage.User{}, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}

// Run sweeps expired session tokens every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.tokens.Sweep(m.now()); n > 0 {
				m.logger.Debug("swept expired tokens", zap.Int("count", n))
			}
		}
	}
}
