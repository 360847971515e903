package core

import "context"

// ============================================
// AUTH HANDLER (for HTTP adapters)
// ============================================

// AuthHandler is the surface HTTP adapters drive. It is implemented by the
// identity provider.
type AuthHandler interface {
	SendCode(ctx context.Context, email string) error
	VerifyCode(ctx context.Context, email, code string, meta SessionMeta) (*AuthResult, error)

	SignUp(ctx context.Context, input SignUpInput, meta SessionMeta) (*AuthResult, error)
	SignIn(ctx context.Context, email, password string, meta SessionMeta) (*AuthResult, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error

	SendMagicLink(ctx context.Context, email, redirectURI string) error
	VerifyMagicLink(ctx context.Context, email, token string, meta SessionMeta) (*AuthResult, string, error)

	GetSession(ctx context.Context, token string) (*SessionData, error)
	Logout(ctx context.Context, token string) error
	ListSessions(ctx context.Context, userID, currentSessionID string) ([]*SessionInfo, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
}

// ============================================
// HTTP PORT
// ============================================

type HTTPAdapter interface {
	RegisterRoutes(handler AuthHandler, endpoints []*Endpoint, basePath string) error
}
