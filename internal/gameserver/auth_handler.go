package gameserver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/auth"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
)

// authFailed turns a classified auth error into an auth_failed reply.
// Internal faults are returned for the router to log.
func authFailed(err error) (any, error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		return nil, err
	}
	return authFailedMsg{
		Type:                   MsgAuthFailed,
		Message:                apperr.PublicMessage(err),
		Kind:                   string(kind),
		Banned:                 kind == apperr.Banned,
		NeedsEmailVerification: kind == apperr.NeedsEmailVerification,
	}, nil
}

func (r *Router) handleAuthenticate(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req authenticateRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Token); err != nil {
		return nil, err
	}
	res, err := r.svc.Auth.Profile(ctx, req.Token)
	if err != nil {
		return authFailed(err)
	}
	return r.bind(ctx, s, res)
}

func (r *Router) handleLogin(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req loginRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Username, req.Password); err != nil {
		return nil, err
	}
	res, err := r.svc.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return authFailed(err)
	}
	return r.bind(ctx, s, res)
}

// bind attaches s to the authenticated player, replaces any older primary
// session, and places the player in their location.
//
// Postcondition: auth_success is queued on s; the returned reply is the
// location_changed view of the player's room.
func (r *Router) bind(ctx context.Context, s *session.Session, res auth.LoginResult) (any, error) {
	if prev := s.PlayerID(); prev != "" && prev != res.PlayerID {
		r.svc.Presence.Leave(s.ID)
	}
	wasOnline := r.svc.Sessions.Online(res.PlayerID)
	replaced, err := r.svc.Sessions.Bind(s.ID, res.PlayerID, res.Username, res.Token, r.now())
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		r.svc.Presence.Leave(replaced.ID)
		replaced.Close(session.ReasonReplaced)
		r.logger.Info("session replaced",
			zap.String("player_id", res.PlayerID),
			zap.String("old_session_id", replaced.ID),
			zap.String("session_id", s.ID),
		)
	}

	p, err := r.svc.Players.RecordLogin(ctx, res.PlayerID)
	if err != nil {
		return nil, err
	}
	r.send(s, authSuccessMsg{
		Type:                   MsgAuthSuccess,
		PlayerID:               res.PlayerID,
		Username:               res.Username,
		Token:                  res.Token,
		PlayerData:             viewOf(p),
		EmailVerified:          res.EmailVerified,
		NeedsEmailSetup:        res.NeedsEmailSetup,
		Muted:                  res.Muted,
		NeedsEmailVerification: res.NeedsEmailVerification,
	})

	r.svc.Presence.Join(s.ID, res.PlayerID, p.Location)
	if !wasOnline {
		r.toAuthenticated(playerConnectedMsg{Type: MsgPlayerConnected, PlayerID: res.PlayerID, Username: res.Username}, func(id string) bool {
			return id != res.PlayerID
		})
	}
	r.logger.Info("player authenticated", zap.String("player_id", res.PlayerID), zap.String("session_id", s.ID))
	return r.locationChanged(p.Location), nil
}

func (r *Router) handleRegister(ctx context.Context, _ *session.Session, raw []byte) (any, error) {
	var req registerRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Username, req.Password, req.Email); err != nil {
		return nil, err
	}
	res, err := r.svc.Auth.Register(ctx, req.Username, req.Password, req.Email)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			return nil, err
		}
		return registerResultMsg{Type: MsgRegisterResult, Message: apperr.PublicMessage(err), Kind: string(apperr.KindOf(err))}, nil
	}
	msg := "registration complete"
	if res.NeedsEmailVerification {
		msg = "check your email for a verification code"
	}
	return registerResultMsg{
		Type:                   MsgRegisterResult,
		Success:                true,
		Message:                msg,
		PlayerID:               res.PlayerID,
		NeedsEmailVerification: res.NeedsEmailVerification,
	}, nil
}

// resultOf reports a command outcome as a resultMsg of msgType.
func resultOf(msgType string, err error, okMessage string) (any, error) {
	if err == nil {
		return resultMsg{Type: msgType, Success: true, Message: okMessage}, nil
	}
	if apperr.KindOf(err) == apperr.Internal {
		return nil, err
	}
	return failure(msgType, err), nil
}

func (r *Router) handleVerifyEmail(ctx context.Context, _ *session.Session, raw []byte) (any, error) {
	var req verifyEmailRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Username, req.Code); err != nil {
		return nil, err
	}
	err := r.svc.Auth.VerifyEmail(ctx, req.Username, strings.TrimSpace(req.Code))
	return resultOf(MsgEmailVerificationResult, err, "email verified")
}

func (r *Router) handleResendVerification(ctx context.Context, _ *session.Session, raw []byte) (any, error) {
	var req usernameRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Username); err != nil {
		return nil, err
	}
	err := r.svc.Auth.ResendVerification(ctx, req.Username)
	if apperr.Is(err, apperr.RateLimited) {
		return nil, err
	}
	return resultOf(MsgEmailVerificationResult, err, "verification code sent")
}

func (r *Router) handleAddEmail(ctx context.Context, s *session.Session, raw []byte) (any, error) {
	var req addEmailRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Username, req.Email); err != nil {
		return nil, err
	}
	if req.Username != "" && !strings.EqualFold(req.Username, s.Username()) {
		return failure(MsgEmailVerificationResult, apperr.New(apperr.Precondition, "can only change your own email")), nil
	}
	err := r.svc.Auth.AddEmail(ctx, s.Username(), req.Email)
	return resultOf(MsgEmailVerificationResult, err, "verification code sent")
}

func (r *Router) handleRequestPasswordReset(ctx context.Context, _ *session.Session, raw []byte) (any, error) {
	var req passwordResetRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.UsernameOrEmail); err != nil {
		return nil, err
	}
	r.svc.Auth.RequestPasswordReset(ctx, req.UsernameOrEmail)
	return resultMsg{
		Type:    MsgPasswordResetRequestResult,
		Success: true,
		Message: "if the account exists, a reset link has been sent",
	}, nil
}

func (r *Router) handleResetPassword(ctx context.Context, _ *session.Session, raw []byte) (any, error) {
	var req resetPasswordRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := bounded(req.Token, req.NewPassword); err != nil {
		return nil, err
	}
	err := r.svc.Auth.ResetPassword(ctx, req.Token, req.NewPassword)
	return resultOf(MsgPasswordResetResult, err, "password updated")
}
