package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m      *Manager
	store  *sqlite.Store
	mailer *CaptureMailer
	clock  *fakeClock
}

func newFixture(t *testing.T, mutate ...func(*config.AuthConfig)) fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default().Auth
	cfg.BcryptCost = bcrypt.MinCost
	for _, fn := range mutate {
		fn(&cfg)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mailer := &CaptureMailer{}
	m, err := NewManager(store, cfg, mailer, zap.NewNop(), "town_square", WithClock(clock.Now))
	require.NoError(t, err)
	return fixture{m: m, store: store, mailer: mailer, clock: clock}
}

func TestRegisterVerifyLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)
	assert.True(t, res.NeedsEmailVerification)

	p, err := f.store.GetPlayer(ctx, res.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, "town_square", p.Location)

	_, err = f.m.Login(ctx, "alice", "password1")
	assert.ErrorIs(t, err, ErrNeedsEmailVerification)

	mail, ok := f.mailer.Last(MailVerification, "alice")
	require.True(t, ok)
	assert.Len(t, mail.Secret, 6)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, mail.Secret)

	require.NoError(t, f.m.VerifyEmail(ctx, "alice", mail.Secret))
	login, err := f.m.Login(ctx, "ALICE", "password1")
	require.NoError(t, err)
	assert.True(t, login.EmailVerified)
	assert.False(t, login.NeedsEmailSetup)
	assert.Equal(t, res.PlayerID, login.PlayerID)
	assert.NotEmpty(t, login.Token)

	err = f.m.VerifyEmail(ctx, "alice", mail.Secret)
	assert.ErrorIs(t, err, ErrInvalidCode, "codes are single-use")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct{ name, user, pw, email string }{
		{"short username", "al", "password1", ""},
		{"bad username chars", "al ice", "password1", ""},
		{"short password", "alice", "pw", ""},
		{"bad email", "alice", "password1", "not-an-email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.m.Register(ctx, tc.user, tc.pw, tc.email)
			assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
		})
	}
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)

	_, err = f.m.Register(ctx, "Alice", "password1", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = f.m.Register(ctx, "bob", "password1", "A@X.io")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterWithoutEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.m.Register(ctx, "bob", "password1", "")
	require.NoError(t, err)
	assert.False(t, res.NeedsEmailVerification)
	assert.Zero(t, f.mailer.Count())

	login, err := f.m.Login(ctx, "bob", "password1")
	require.NoError(t, err)
	assert.True(t, login.NeedsEmailSetup)
}

func TestVerificationNotRequired(t *testing.T) {
	f := newFixture(t, func(c *config.AuthConfig) { c.RequireEmailVerification = false })
	ctx := context.Background()
	res, err := f.m.Register(ctx, "carol", "password1", "c@x.io")
	require.NoError(t, err)
	assert.False(t, res.NeedsEmailVerification)
	_, ok := f.mailer.Last(MailVerification, "carol")
	assert.True(t, ok, "codes are still issued")

	login, err := f.m.Login(ctx, "carol", "password1")
	require.NoError(t, err)
	assert.True(t, login.NeedsEmailVerification)
	assert.False(t, login.EmailVerified)
}

func TestLoginOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "")
	require.NoError(t, err)

	_, err = f.m.Login(ctx, "nobody", "password1")
	unknown := err
	_, err = f.m.Login(ctx, "alice", "wrong-password")
	wrong := err
	assert.ErrorIs(t, unknown, ErrBadCredentials)
	assert.Equal(t, apperr.KindOf(unknown), apperr.KindOf(wrong))
	assert.Equal(t, unknown.Error(), wrong.Error())

	_, err = f.m.SetBanStatus(ctx, "alice", true)
	require.NoError(t, err)
	_, err = f.m.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrBanned, "ban is reported before the password check")
}

func TestBanRevokesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "")
	require.NoError(t, err)
	login, err := f.m.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	id, err := f.m.ValidateToken(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)

	_, err = f.m.SetBanStatus(ctx, "alice", true)
	require.NoError(t, err)
	_, err = f.m.ValidateToken(ctx, login.Token)
	assert.Error(t, err)
	assert.Zero(t, f.m.Tokens().Len())

	_, err = f.m.SetBanStatus(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMuteStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.m.Register(ctx, "alice", "password1", "")
	require.NoError(t, err)
	_, err = f.m.SetMuteStatus(ctx, "alice", true)
	require.NoError(t, err)

	st, err := f.m.Status(ctx, res.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, Status{Muted: true}, st)

	login, err := f.m.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.True(t, login.Muted)
}

func TestVerifyEmailExpiredAndResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)
	first, _ := f.mailer.Last(MailVerification, "alice")

	err = f.m.ResendVerification(ctx, "alice")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.RateLimited, ae.Kind)
	assert.Equal(t, time.Minute, ae.RetryAfter)

	f.clock.Advance(31 * time.Minute)
	assert.ErrorIs(t, f.m.VerifyEmail(ctx, "alice", first.Secret), ErrCodeExpired)

	require.NoError(t, f.m.ResendVerification(ctx, "alice"))
	second, _ := f.mailer.Last(MailVerification, "alice")
	require.NoError(t, f.m.VerifyEmail(ctx, "alice", second.Secret))
	assert.ErrorIs(t, f.m.ResendVerification(ctx, "alice"), ErrAlreadyVerified)
	assert.ErrorIs(t, f.m.ResendVerification(ctx, "ghost"), ErrUserNotFound)
	assert.ErrorIs(t, f.m.VerifyEmail(ctx, "ghost", "AAAAAA"), ErrUserNotFound)
}

func TestAddEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)
	_, err = f.m.Register(ctx, "bob", "password1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.AddEmail(ctx, "bob", "a@x.io"), ErrEmailTaken)
	require.NoError(t, f.m.AddEmail(ctx, "bob", "b@x.io"))

	u, err := f.store.GetUserByEmail(ctx, "b@x.io")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.False(t, u.EmailVerified)

	_, err = f.m.Login(ctx, "bob", "password1")
	assert.ErrorIs(t, err, ErrNeedsEmailVerification)
	assert.ErrorIs(t, f.m.AddEmail(ctx, "ghost", "g@x.io"), ErrUserNotFound)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t, func(c *config.AuthConfig) { c.RequireEmailVerification = false })
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)
	login, err := f.m.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	f.m.RequestPasswordReset(ctx, "A@X.IO")
	mail, ok := f.mailer.Last(MailPasswordReset, "alice")
	require.True(t, ok)

	assert.ErrorIs(t, f.m.ResetPassword(ctx, "garbage", "newpassword"), ErrInvalidToken)
	require.NoError(t, f.m.ResetPassword(ctx, mail.Secret, "newpassword"))
	assert.ErrorIs(t, f.m.ResetPassword(ctx, mail.Secret, "another1"), ErrInvalidToken, "tokens are single-use")

	_, err = f.m.ValidateToken(ctx, login.Token)
	assert.ErrorIs(t, err, ErrInvalidToken, "reset revokes sessions")
	_, err = f.m.Login(ctx, "alice", "password1")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.m.Login(ctx, "alice", "newpassword")
	require.NoError(t, err)

	u, err := f.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, u.ResetToken)
}

func TestPasswordResetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "alice", "password1", "a@x.io")
	require.NoError(t, err)
	f.m.RequestPasswordReset(ctx, "alice")
	mail, ok := f.mailer.Last(MailPasswordReset, "alice")
	require.True(t, ok)

	f.clock.Advance(time.Hour)
	assert.ErrorIs(t, f.m.ResetPassword(ctx, mail.Secret, "newpassword"), ErrExpired)
}

func TestPasswordResetAntiEnumeration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Register(ctx, "nomail", "password1", "")
	require.NoError(t, err)

	f.m.RequestPasswordReset(ctx, "ghost")
	f.m.RequestPasswordReset(ctx, "ghost@x.io")
	f.m.RequestPasswordReset(ctx, "nomail")
	assert.Zero(t, f.mailer.Count(), "only real users with an email get mail")
}

func TestLogMailerHidesSecretAtInfo(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, LogMailer{Logger: zap.New(core)}.Send(context.Background(), Mail{
		Kind: MailVerification, To: "a@x.io", Username: "alice", Secret: "ABC123",
	}))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "mail queued", entry.Message)
	assert.NotContains(t, entry.ContextMap(), "secret")
}

func TestSecrets(t *testing.T) {
	code, err := newCode()
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, code)

	tok, err := randomToken()
	require.NoError(t, err)
	assert.Len(t, tok, 43)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, tok)

	pid, secret, ok := splitResetToken(resetToken("p-1", tok))
	require.True(t, ok)
	assert.Equal(t, "p-1", pid)
	assert.Equal(t, tok, secret)
	_, _, ok = splitResetToken(".x")
	assert.False(t, ok)
}

var _ Backend = (storage.Store)(nil)
