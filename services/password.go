package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/pkg/crypto"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128

	PasswordResetTTL = time.Hour
)

// Passwords implements email and password accounts: sign-up, sign-in,
// password change and the reset-by-email flow.
type Passwords struct {
	db       core.Database
	users    *Users
	sessions *SessionManager
	finisher *loginFinisher
	mailer   core.Mailer
	audit    *AuditLogger
	resetURL string
	devMode  bool
	log      *slog.Logger
	now      func() time.Time
}

func validatePassword(password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return core.ErrPasswordTooShort
	case len(password) > MaxPasswordLength:
		return core.ErrPasswordTooLong
	}
	return nil
}

func (p *Passwords) SignUp(ctx context.Context, input core.SignUpInput, meta core.SessionMeta) (*core.AuthResult, error) {
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}
	if p.users.disableSignup {
		return nil, core.ErrSignupDisabled
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := p.users.newUser(email, strings.TrimSpace(input.Name), input.Image, false)

	// User and credential are created together or not at all
	err = p.db.Transaction(ctx, func(tx core.Database) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return core.ErrUserExists
		}

		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO password_credentials (user_id, password_hash, salt, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			user.ID, hashed.Hash, hashed.Salt, millis(user.CreatedAt), millis(user.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}

	p.audit.Log(ctx, ActionUserSignup, AuditEntry{
		UserID:    user.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]any{"method": MethodPassword},
	})

	return p.finisher.finish(ctx, user, MethodPassword, meta)
}

// SignIn fails with the same core.ErrInvalidCredentials whether the email is
// unknown, has no password, or the password is wrong.
func (p *Passwords) SignIn(ctx context.Context, email, password string, meta core.SessionMeta) (*core.AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, core.ErrInvalidCredentials
	}

	user, err := findUser(ctx, p.db, "email = ?", email)
	if err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			burnPasswordCheck(password)
			return nil, core.ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := p.check(ctx, user.ID, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrInvalidCredentials
	}

	return p.finisher.finish(ctx, user, MethodPassword, meta)
}

// check verifies password against userID's credential. A missing
// credential is a mismatch.
func (p *Passwords) check(ctx context.Context, userID, password string) (bool, error) {
	var hash, salt string
	err := p.db.QueryRow(ctx, `SELECT password_hash, salt FROM password_credentials WHERE user_id = ?`, userID).Scan(&hash, &salt)
	if err != nil {
		if isNoRows(err) {
			burnPasswordCheck(password)
			return false, nil
		}
		return false, err
	}
	return crypto.VerifyPassword(password, hash, salt)
}

func (p *Passwords) HasPassword(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM password_credentials WHERE user_id = ?)`, userID).Scan(&exists)
	return exists, err
}

// ChangePassword replaces the password after checking the current one and
// signs the user out everywhere.
func (p *Passwords) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}

	ok, err := p.check(ctx, userID, current)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrInvalidCredentials.WithMessage("current password is incorrect")
	}

	if err := p.setPassword(ctx, userID, next); err != nil {
		return err
	}

	if _, err := p.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	p.audit.Log(ctx, ActionPasswordChange, AuditEntry{UserID: userID})
	return nil
}

// RequestReset emails a reset token when email belongs to a user. Unknown
// addresses succeed silently so the endpoint cannot be used to probe for
// accounts.
func (p *Passwords) RequestReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	if _, err := findUser(ctx, p.db, "email = ?", email); err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			p.log.Debug("password reset requested for unknown email")
			return nil
		}
		return err
	}

	pair, err := crypto.GenerateHashedToken(crypto.DefaultTokenLength)
	if err != nil {
		return err
	}

	now := p.now()
	_, err = p.db.Exec(ctx,
		`INSERT INTO password_reset_tokens (id, email, token_hash, expires_at, used, created_at) VALUES (?, ?, ?, ?, FALSE, ?)`,
		newID(), email, pair.Hash, millis(now.Add(PasswordResetTTL)), millis(now))
	if err != nil {
		return err
	}

	data := map[string]any{
		"token":            pair.Token,
		"expiresInMinutes": int(PasswordResetTTL.Minutes()),
	}
	if p.resetURL != "" {
		data["url"] = p.resetURL + "?token=" + pair.Token
	}

	if p.devMode {
		p.log.Info("password reset token issued", "email", email, "token", pair.Token)
	}
	if err := p.mailer.Send(ctx, core.Message{To: email, Template: core.TemplatePasswordReset, Data: data}); err != nil {
		p.log.Warn("failed to deliver password reset", "email", email, "error", err)
	}
	return nil
}

// ResetPassword consumes a reset token and sets a new password, creating the
// credential when the user had none. All sessions are revoked.
func (p *Passwords) ResetPassword(ctx context.Context, token, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	if token == "" {
		return core.ErrTokenInvalid
	}

	var (
		id, email string
		expiresAt int64
		used      bool
	)
	err := p.db.QueryRow(ctx,
		`SELECT id, email, expires_at, used FROM password_reset_tokens WHERE token_hash = ?`,
		crypto.HashToken(token)).Scan(&id, &email, &expiresAt, &used)
	if err != nil {
		if isNoRows(err) {
			return core.ErrTokenInvalid
		}
		return err
	}

	if used {
		return core.ErrTokenAlreadyUsed
	}
	if millis(p.now()) > expiresAt {
		return core.ErrTokenExpired
	}

	consumed, err := consume(ctx, p.db, "password_reset_tokens", id)
	if err != nil {
		return err
	}
	if !consumed {
		return core.ErrTokenAlreadyUsed
	}

	user, err := findUser(ctx, p.db, "email = ?", email)
	if err != nil {
		return err
	}

	if err := p.setPassword(ctx, user.ID, password); err != nil {
		return err
	}
	if _, err := p.sessions.RevokeAll(ctx, user.ID); err != nil {
		return err
	}

	p.audit.Log(ctx, ActionPasswordReset, AuditEntry{UserID: user.ID})
	return nil
}

func (p *Passwords) setPassword(ctx context.Context, userID, password string) error {
	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}

	now := millis(p.now())
	_, err = p.db.Exec(ctx,
		`INSERT INTO password_credentials (user_id, password_hash, salt, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET password_hash = excluded.password_hash, salt = excluded.salt, updated_at = excluded.updated_at`,
		userID, hashed.Hash, hashed.Salt, now, now)
	return err
}

// DeleteExpiredResetTokens removes reset tokens past their expiry.
func (p *Passwords) DeleteExpiredResetTokens(ctx context.Context) (int64, error) {
	return p.db.Exec(ctx, `DELETE FROM password_reset_tokens WHERE expires_at < ?`, millis(p.now()))
}

var (
	dummyOnce sync.Once
	dummyHash *crypto.PasswordHash
)

// burnPasswordCheck runs one key derivation so that unknown accounts take
// about as long to reject as wrong passwords.
func burnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = crypto.HashPassword("timing-equalizer")
	})
	if dummyHash != nil {
		_, _ = crypto.VerifyPassword(password, dummyHash.Hash, dummyHash.Salt)
	}
}
