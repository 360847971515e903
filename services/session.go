package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
	"github.com/vibekit/identity/pkg/crypto"
)

// tokenSeparator joins the session ID and secret in a bearer token.
const tokenSeparator = ":"

const sessionColumns = "id, user_id, token_hash, ip_address, user_agent, metadata, expires_at, created_at, updated_at"

type CreateSessionResult struct {
	Session *core.Session
	Token   string // "<session id>:<secret>", shown to the client once
}

type SessionManager struct {
	db     core.Database
	config core.SessionConfig
	cache  core.Cache // optional, can be nil if caching is disabled
	nanoid *crypto.NanoIDGenerator
	log    *slog.Logger
	now    func() time.Time
}

func NewSessionManager(db core.Database, config core.SessionConfig, cache core.Cache, log *slog.Logger) *SessionManager {
	if config.TTL <= 0 {
		config.TTL = core.DefaultSessionTTL
	}
	return &SessionManager{
		db:     db,
		config: config,
		cache:  cache,
		nanoid: crypto.MustNanoID(""),
		log:    orNoop(log),
		now:    time.Now,
	}
}

func (sm *SessionManager) Create(ctx context.Context, userID string, meta core.SessionMeta) (*CreateSessionResult, error) {
	// Generate cryptographic material
	sessionID, err := sm.nanoid.Generate(0)
	if err != nil {
		return nil, err
	}

	pair, err := crypto.GenerateHashedToken(crypto.SessionSecretLength)
	if err != nil {
		return nil, err
	}

	metadata, err := database.EncodeJSON(meta.Metadata)
	if err != nil {
		return nil, err
	}

	now := sm.now()
	session := &core.Session{
		ID:        sessionID,
		UserID:    userID,
		TokenHash: pair.Hash,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  meta.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(sm.config.TTL),
	}

	// Persist session
	_, err = sm.db.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.TokenHash,
		database.NullString(session.IPAddress), database.NullString(session.UserAgent), metadata,
		millis(session.ExpiresAt), millis(session.CreatedAt), millis(session.UpdatedAt))
	if err != nil {
		return nil, err
	}

	if sm.cache != nil {
		// We don't fail the request if caching fails
		_ = sm.cache.Set(session.ID, session)
	}

	return &CreateSessionResult{Session: session, Token: session.ID + tokenSeparator + pair.Token}, nil
}

// Validate resolves a bearer token to its live session. Malformed tokens,
// unknown sessions, hash mismatches and expired sessions are all reported as
// core.ErrUnauthorized. Expired sessions are deleted on sight.
func (sm *SessionManager) Validate(ctx context.Context, token string) (*core.Session, error) {
	sessionID, secret, ok := strings.Cut(token, tokenSeparator)
	if !ok || sessionID == "" || secret == "" {
		return nil, core.ErrUnauthorized
	}

	// Try cache first if caching is enabled
	if sm.cache != nil {
		if session, err := sm.cache.Get(sessionID); err == nil {
			return sm.check(ctx, session, secret)
		}
	}

	session, err := sm.get(ctx, sessionID)
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrUnauthorized
		}
		return nil, err
	}

	session, err = sm.check(ctx, session, secret)
	if err != nil {
		return nil, err
	}

	if sm.cache != nil {
		_ = sm.cache.Set(session.ID, session)
	}
	return session, nil
}

func (sm *SessionManager) check(ctx context.Context, session *core.Session, secret string) (*core.Session, error) {
	if !crypto.VerifyToken(secret, session.TokenHash) {
		return nil, core.ErrUnauthorized
	}

	if !sm.now().Before(session.ExpiresAt) {
		if err := sm.Revoke(ctx, session.ID); err != nil {
			sm.log.Warn("failed to delete expired session", "session_id", session.ID, "error", err)
		}
		return nil, core.ErrUnauthorized
	}
	return session, nil
}

func (sm *SessionManager) get(ctx context.Context, sessionID string) (*core.Session, error) {
	return scanSession(sm.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
}

// Revoke deletes a session by ID. Deleting an unknown session is not an
// error.
func (sm *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if _, err := sm.db.Exec(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}

	if sm.cache != nil {
		_ = sm.cache.Delete(sessionID)
	}
	return nil
}

// RevokeForUser deletes one of userID's sessions. A session owned by someone
// else is treated as missing.
func (sm *SessionManager) RevokeForUser(ctx context.Context, userID, sessionID string) error {
	n, err := sm.db.Exec(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrUnauthorized.WithMessage("session not found")
	}

	if sm.cache != nil {
		_ = sm.cache.Delete(sessionID)
	}
	return nil
}

// RevokeAll deletes every session of userID and returns how many there were.
func (sm *SessionManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := sm.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}

	// The cache is keyed by session ID, so the simplest correct invalidation
	// is to drop everything.
	if n > 0 && sm.cache != nil {
		_ = sm.cache.Clear()
	}
	return n, nil
}

// ListActive returns userID's unexpired sessions, newest first.
func (sm *SessionManager) ListActive(ctx context.Context, userID, currentSessionID string) ([]*core.SessionInfo, error) {
	rows, err := sm.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND expires_at > ? ORDER BY created_at DESC, id DESC`,
		userID, millis(sm.now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.SessionInfo
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &core.SessionInfo{Session: *session, IsCurrent: session.ID == currentSessionID})
	}
	return out, rows.Err()
}

// DeleteExpired removes sessions past their expiry.
func (sm *SessionManager) DeleteExpired(ctx context.Context) (int64, error) {
	return sm.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, millis(sm.now()))
}

func scanSession(row core.Row) (*core.Session, error) {
	var (
		s                               core.Session
		ip, ua                          *string
		metadata                        string
		expiresAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &ip, &ua, &metadata, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	s.IPAddress = database.StringValue(ip)
	s.UserAgent = database.StringValue(ua)
	s.Metadata = database.DecodeJSON(metadata)
	s.ExpiresAt = database.FromMillis(expiresAt)
	s.CreatedAt = database.FromMillis(createdAt)
	s.UpdatedAt = database.FromMillis(updatedAt)
	return &s, nil
}
