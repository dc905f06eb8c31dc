package auth

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MailKind distinguishes outbound mail templates.
type MailKind string

const (
	MailVerification  MailKind = "verification"
	MailPasswordReset MailKind = "password_reset"
)

// Mail is one outbound message. Secret is the code or token it carries.
type Mail struct {
	Kind     MailKind
	To       string
	Username string
	Secret   string
}

// Mailer delivers account mail.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer writes mail to the log instead of delivering it.
type LogMailer struct {
	Logger *zap.Logger
}

// Send logs m. Secrets are only visible at debug level.
func (l LogMailer) Send(_ context.Context, m Mail) error {
	l.Logger.Info("mail queued",
		zap.String("kind", string(m.Kind)),
		zap.String("to", m.To),
		zap.String("username", m.Username),
	)
	l.Logger.Debug("mail secret", zap.String("username", m.Username), zap.String("secret", m.Secret))
	return nil
}

// CaptureMailer keeps every message in memory.
type CaptureMailer struct {
	mu   sync.Mutex
	sent []Mail
}

// Send records m.
func (c *CaptureMailer) Send(_ context.Context, m Mail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

// Last returns the newest message of kind sent to username.
func (c *CaptureMailer) Last(kind MailKind, username string) (Mail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if m := c.sent[i]; m.Kind == kind && m.Username == username {
			return m, true
		}
	}
	return Mail{}, false
}

// Count returns the number of messages sent.
func (c *CaptureMailer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
