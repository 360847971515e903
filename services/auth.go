package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibekit/identity/core"
)

const defaultAppName = "VibeKit"

// Config wires a Provider.
type Config struct {
	DB      core.Database
	Mailer  core.Mailer    // nil discards email
	SMS     core.SMSSender // nil discards SMS
	Cache   core.Cache     // optional session cache
	Session core.SessionConfig

	DisableSignup bool
	DevMode       bool // log plaintext codes and tokens for local development

	AppName          string // TOTP issuer
	MagicLinkURL     string
	PasswordResetURL string

	WebAuthn *WebAuthnConfig // nil disables passkeys

	AsyncAudit  bool
	AuditBuffer int

	Logger *slog.Logger
	Now    func() time.Time
}

// Provider is the identity orchestrator. It owns one of each credential
// store, routes every successful authentication through the same login
// path, and implements core.AuthHandler for HTTP adapters.
type Provider struct {
	Users      *Users
	Sessions   *SessionManager
	EmailCodes *CodeStore
	MagicLinks *MagicLinks
	Passwords  *Passwords
	Phone      *PhoneAuth
	MFA        *MFA
	Passkeys   *Passkeys // nil unless WebAuthn is configured
	RBAC       *RBAC
	Audit      *AuditLogger

	finisher *loginFinisher
	mailer   core.Mailer
	devMode  bool
	log      *slog.Logger
}

var _ core.AuthHandler = (*Provider)(nil)

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.DB == nil {
		return nil, core.ErrDBAdapterRequired
	}

	log := orNoop(cfg.Logger)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = discard{}
	}
	var sms core.SMSSender = discard{}
	if cfg.SMS != nil {
		sms = cfg.SMS
	}
	appName := cfg.AppName
	if appName == "" {
		appName = defaultAppName
	}

	var audit *AuditLogger
	if cfg.AsyncAudit {
		audit = NewAsyncAuditLogger(cfg.DB, log, cfg.AuditBuffer)
	} else {
		audit = NewAuditLogger(cfg.DB, log)
	}
	audit.now = now

	users := NewUsers(cfg.DB, audit, cfg.DisableSignup, log)
	users.now = now

	sessions := NewSessionManager(cfg.DB, cfg.Session, cfg.Cache, log)
	sessions.now = now

	finisher := &loginFinisher{users: users, sessions: sessions, audit: audit, log: log}

	emailCodes := NewEmailCodeStore(cfg.DB, log)
	emailCodes.now = now
	phoneCodes := NewPhoneCodeStore(cfg.DB, log)
	phoneCodes.now = now

	rbac := NewRBAC(cfg.DB, audit, log)
	rbac.now = now

	p := &Provider{
		Users:      users,
		Sessions:   sessions,
		EmailCodes: emailCodes,
		MagicLinks: &MagicLinks{
			db: cfg.DB, mailer: mailer, users: users, finisher: finisher,
			baseURL: cfg.MagicLinkURL, devMode: cfg.DevMode, log: log, now: now,
		},
		Passwords: &Passwords{
			db: cfg.DB, users: users, sessions: sessions, finisher: finisher, mailer: mailer, audit: audit,
			resetURL: cfg.PasswordResetURL, devMode: cfg.DevMode, log: log, now: now,
		},
		Phone: &PhoneAuth{
			db: cfg.DB, codes: phoneCodes, sms: sms, users: users, finisher: finisher, audit: audit,
			devMode: cfg.DevMode, log: log,
		},
		MFA:   &MFA{db: cfg.DB, users: users, audit: audit, issuer: appName, log: log, now: now},
		RBAC:  rbac,
		Audit: audit,

		finisher: finisher,
		mailer:   mailer,
		devMode:  cfg.DevMode,
		log:      log,
	}

	if cfg.WebAuthn != nil {
		wa, err := newWebAuthn(*cfg.WebAuthn)
		if err != nil {
			audit.Close()
			return nil, fmt.Errorf("failed to configure webauthn: %w", err)
		}
		p.Passkeys = &Passkeys{db: cfg.DB, wa: wa, users: users, finisher: finisher, audit: audit, log: log, now: now}
	}

	return p, nil
}

// Close flushes the audit queue.
func (p *Provider) Close() {
	p.Audit.Close()
}

// ============================================
// EMAIL CODE FLOW
// ============================================

// SendCode emails a one-time sign-in code.
func (p *Provider) SendCode(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	issued, err := p.EmailCodes.Issue(ctx, email)
	if err != nil {
		return err
	}

	if p.devMode {
		p.log.Info("verification code issued", "email", email, "code", issued.Code)
	}

	msg := core.Message{
		To:       email,
		Template: core.TemplateVerificationCode,
		Data:     map[string]any{"code": issued.Code, "expiresInMinutes": int(CodeTTL.Minutes())},
	}
	if err := p.mailer.Send(ctx, msg); err != nil {
		p.log.Warn("failed to deliver verification code", "email", email, "error", err)
	}
	return nil
}

// VerifyCode checks an emailed code and signs the user in. Unknown addresses
// get an account unless signup is disabled.
func (p *Provider) VerifyCode(ctx context.Context, email, code string, meta core.SessionMeta) (*core.AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	if err := p.EmailCodes.Verify(ctx, email, code); err != nil {
		return nil, err
	}

	user, _, err := p.Users.Resolve(ctx, email, MethodEmailCode)
	if err != nil {
		return nil, err
	}
	return p.finisher.finish(ctx, user, MethodEmailCode, meta)
}

// ============================================
// PASSWORDS AND MAGIC LINKS
// ============================================

func (p *Provider) SignUp(ctx context.Context, input core.SignUpInput, meta core.SessionMeta) (*core.AuthResult, error) {
	return p.Passwords.SignUp(ctx, input, meta)
}

func (p *Provider) SignIn(ctx context.Context, email, password string, meta core.SessionMeta) (*core.AuthResult, error) {
	return p.Passwords.SignIn(ctx, email, password, meta)
}

func (p *Provider) RequestPasswordReset(ctx context.Context, email string) error {
	return p.Passwords.RequestReset(ctx, email)
}

func (p *Provider) ResetPassword(ctx context.Context, token, newPassword string) error {
	return p.Passwords.ResetPassword(ctx, token, newPassword)
}

func (p *Provider) SendMagicLink(ctx context.Context, email, redirectURI string) error {
	return p.MagicLinks.Send(ctx, email, MagicLinkOptions{RedirectURI: redirectURI})
}

func (p *Provider) VerifyMagicLink(ctx context.Context, email, token string, meta core.SessionMeta) (*core.AuthResult, string, error) {
	return p.MagicLinks.Verify(ctx, email, token, meta)
}

// ============================================
// SESSIONS
// ============================================

// GetSession resolves a bearer token to its session and user. Any failure to
// authenticate is core.ErrUnauthorized.
func (p *Provider) GetSession(ctx context.Context, token string) (*core.SessionData, error) {
	session, err := p.Sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := p.Users.ByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			return nil, core.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}
	if user.Banned {
		return nil, core.ErrUnauthorized
	}

	return &core.SessionData{User: user, Session: session}, nil
}

// GetUser returns the authenticated caller, or nil when the request carries
// no valid session.
func (p *Provider) GetUser(ctx context.Context, src core.TokenSource) (*core.SessionData, error) {
	token := core.ExtractToken(src)
	if token == "" {
		return nil, nil
	}

	data, err := p.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// RequireUser is GetUser that fails with core.ErrUnauthorized instead of
// returning nil.
func (p *Provider) RequireUser(ctx context.Context, src core.TokenSource) (*core.SessionData, error) {
	data, err := p.GetUser(ctx, src)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, core.ErrUnauthorized
	}
	return data, nil
}

// Logout revokes the session behind token.
func (p *Provider) Logout(ctx context.Context, token string) error {
	session, err := p.Sessions.Validate(ctx, token)
	if err != nil {
		return err
	}

	if err := p.Sessions.Revoke(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	p.Audit.Log(ctx, ActionUserLogout, AuditEntry{UserID: session.UserID, Metadata: map[string]any{"sessionId": session.ID}})
	return nil
}

// LogoutEverywhere revokes every session of userID.
func (p *Provider) LogoutEverywhere(ctx context.Context, userID string) (int64, error) {
	n, err := p.Sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	p.Audit.Log(ctx, ActionSessionRevokeAll, AuditEntry{UserID: userID, Metadata: map[string]any{"count": n}})
	return n, nil
}

func (p *Provider) ListSessions(ctx context.Context, userID, currentSessionID string) ([]*core.SessionInfo, error) {
	return p.Sessions.ListActive(ctx, userID, currentSessionID)
}

func (p *Provider) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if err := p.Sessions.RevokeForUser(ctx, userID, sessionID); err != nil {
		return err
	}

	p.Audit.Log(ctx, ActionSessionRevoke, AuditEntry{UserID: userID, Metadata: map[string]any{"sessionId": sessionID}})
	return nil
}

// ============================================
// USER ADMINISTRATION
// ============================================

// UpdateUser applies an administrative update. Banning a user revokes all of
// their sessions.
func (p *Provider) UpdateUser(ctx context.Context, userID string, upd core.UserUpdate) (*core.User, error) {
	user, err := p.Users.Update(ctx, userID, upd)
	if err != nil {
		return nil, err
	}

	if upd.Banned != nil && *upd.Banned {
		if _, err := p.Sessions.RevokeAll(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to revoke sessions of banned user: %w", err)
		}
		p.Audit.Log(ctx, ActionUserBan, AuditEntry{UserID: userID})
	}

	p.Audit.Log(ctx, ActionUserUpdate, AuditEntry{UserID: userID})
	return user, nil
}

func (p *Provider) ListUsers(ctx context.Context, opts core.ListUsersOptions) (*core.UserList, error) {
	return p.Users.List(ctx, opts)
}

// DeleteUser revokes the user's sessions and removes the account with all of
// its credentials.
func (p *Provider) DeleteUser(ctx context.Context, userID string) error {
	if _, err := p.Sessions.RevokeAll(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	if err := p.Users.Delete(ctx, userID); err != nil {
		return err
	}

	p.Audit.Log(ctx, ActionUserDelete, AuditEntry{UserID: userID})
	return nil
}

// CleanupResult counts the rows removed by CleanupExpired.
type CleanupResult struct {
	Sessions          int64 `json:"sessions"`
	EmailCodes        int64 `json:"emailCodes"`
	PhoneCodes        int64 `json:"phoneCodes"`
	MagicLinks        int64 `json:"magicLinks"`
	ResetTokens       int64 `json:"resetTokens"`
	PasskeyChallenges int64 `json:"passkeyChallenges"`
}

// CleanupExpired deletes expired sessions, codes, links, reset tokens and
// passkey challenges. It is meant to run periodically.
func (p *Provider) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	type step struct {
		name string
		dst  *int64
		fn   func(context.Context) (int64, error)
	}

	var (
		res CleanupResult
		err error
	)
	steps := []step{
		{"sessions", &res.Sessions, p.Sessions.DeleteExpired},
		{"email codes", &res.EmailCodes, p.EmailCodes.DeleteExpired},
		{"phone codes", &res.PhoneCodes, p.Phone.codes.DeleteExpired},
		{"magic links", &res.MagicLinks, p.MagicLinks.DeleteExpired},
		{"reset tokens", &res.ResetTokens, p.Passwords.DeleteExpiredResetTokens},
	}
	if p.Passkeys != nil {
		steps = append(steps, step{"passkey challenges", &res.PasskeyChallenges, p.Passkeys.DeleteExpiredChallenges})
	}

	for _, step := range steps {
		if *step.dst, err = step.fn(ctx); err != nil {
			return nil, fmt.Errorf("failed to delete expired %s: %w", step.name, err)
		}
	}

	p.log.Debug("expired records removed",
		"sessions", res.Sessions, "email_codes", res.EmailCodes, "phone_codes", res.PhoneCodes,
		"magic_links", res.MagicLinks, "reset_tokens", res.ResetTokens, "passkey_challenges", res.PasskeyChallenges)
	return &res, nil
}

// discard is the sender used when no delivery collaborator is configured.
type discard struct{}

func (discard) Send(context.Context, core.Message) error { return nil }
