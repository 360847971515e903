package services

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
	"github.com/vibekit/identity/pkg/crypto"
)

const DefaultMagicLinkTTL = 15 * time.Minute

type MagicLinkOptions struct {
	RedirectURI string
	TTL         time.Duration // zero means DefaultMagicLinkTTL
}

// MagicLinks signs users in through a single-use link delivered by email.
type MagicLinks struct {
	db       core.Database
	mailer   core.Mailer
	users    *Users
	finisher *loginFinisher
	baseURL  string // link target; the token and email are appended as query parameters
	devMode  bool
	log      *slog.Logger
	now      func() time.Time
}

// Send emails a fresh link to email. Delivery failures are logged, not
// returned.
func (m *MagicLinks) Send(ctx context.Context, email string, opts MagicLinkOptions) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if opts.RedirectURI != "" {
		if _, err := url.Parse(opts.RedirectURI); err != nil {
			return core.ErrInvalidRequest.WithMessage("invalid redirect URI")
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultMagicLinkTTL
	}

	pair, err := crypto.GenerateHashedToken(crypto.DefaultTokenLength)
	if err != nil {
		return err
	}

	now := m.now()
	_, err = m.db.Exec(ctx,
		`INSERT INTO magic_links (id, email, token_hash, redirect_uri, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?)`,
		newID(), email, pair.Hash, database.NullString(opts.RedirectURI), millis(now.Add(ttl)), millis(now))
	if err != nil {
		return err
	}

	data := map[string]any{
		"token":            pair.Token,
		"email":            email,
		"expiresInMinutes": int(ttl.Minutes()),
	}
	if opts.RedirectURI != "" {
		data["redirectUri"] = opts.RedirectURI
	}
	if m.baseURL != "" {
		data["url"] = m.link(email, pair.Token, opts.RedirectURI)
	}

	if m.devMode {
		m.log.Info("magic link issued", "email", email, "token", pair.Token)
	}
	if err := m.mailer.Send(ctx, core.Message{To: email, Template: core.TemplateMagicLink, Data: data}); err != nil {
		m.log.Warn("failed to deliver magic link", "email", email, "error", err)
	}
	return nil
}

func (m *MagicLinks) link(email, token, redirectURI string) string {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return m.baseURL
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("email", email)
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Verify consumes the link and signs the user in, creating the account on
// first use. It returns the redirect URI stored with the link, if any.
func (m *MagicLinks) Verify(ctx context.Context, email, token string, meta core.SessionMeta) (*core.AuthResult, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	if token == "" {
		return nil, "", core.ErrTokenInvalid
	}

	var (
		id          string
		redirectURI *string
		expiresAt   int64
		used        bool
	)
	err = m.db.QueryRow(ctx,
		`SELECT id, redirect_uri, expires_at, used FROM magic_links WHERE email = ? AND token_hash = ?`,
		email, crypto.HashToken(token)).Scan(&id, &redirectURI, &expiresAt, &used)
	if err != nil {
		if isNoRows(err) {
			return nil, "", core.ErrTokenInvalid
		}
		return nil, "", err
	}

	if used {
		return nil, "", core.ErrTokenAlreadyUsed
	}
	if millis(m.now()) > expiresAt {
		return nil, "", core.ErrTokenExpired
	}

	consumed, err := consume(ctx, m.db, "magic_links", id)
	if err != nil {
		return nil, "", err
	}
	if !consumed {
		return nil, "", core.ErrTokenAlreadyUsed
	}

	user, _, err := m.users.Resolve(ctx, email, MethodMagicLink)
	if err != nil {
		return nil, "", err
	}

	result, err := m.finisher.finish(ctx, user, MethodMagicLink, meta)
	if err != nil {
		return nil, "", err
	}
	return result, database.StringValue(redirectURI), nil
}

// DeleteExpired removes links past their expiry.
func (m *MagicLinks) DeleteExpired(ctx context.Context) (int64, error) {
	return m.db.Exec(ctx, `DELETE FROM magic_links WHERE expires_at < ?`, millis(m.now()))
}
