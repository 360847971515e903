package services

import (
	"context"
	"log/slog"

	"github.com/vibekit/identity/core"
)

// Login methods recorded on sessions and audit events.
const (
	MethodEmailCode = "email_code"
	MethodMagicLink = "magic_link"
	MethodPassword  = "password"
	MethodPhone     = "phone"
	MethodPasskey   = "passkey"
)

// loginFinisher is the one place a verified identity turns into a session.
// Every sign-in path ends here so the ban check, login accounting, session
// creation and audit trail cannot drift apart.
type loginFinisher struct {
	users    *Users
	sessions *SessionManager
	audit    *AuditLogger
	log      *slog.Logger
}

func (f *loginFinisher) finish(ctx context.Context, user *core.User, method string, meta core.SessionMeta) (*core.AuthResult, error) {
	if user.Banned {
		f.log.Info("login refused for banned user", "user_id", user.ID, "method", method)
		return nil, core.ErrUserBanned
	}

	if err := f.users.RecordLogin(ctx, user); err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(meta.Metadata)+1)
	for k, v := range meta.Metadata {
		metadata[k] = v
	}
	metadata["method"] = method
	meta.Metadata = metadata

	result, err := f.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}

	f.audit.Log(ctx, ActionUserLogin, AuditEntry{
		UserID:    user.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]any{"method": method, "sessionId": result.Session.ID},
	})
	f.log.Debug("user signed in", "user_id", user.ID, "method", method)

	return &core.AuthResult{User: user, Session: result.Session, Token: result.Token}, nil
}
