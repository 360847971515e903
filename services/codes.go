package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/pkg/crypto"
)

const (
	CodeTTL         = 10 * time.Minute
	CodeRateWindow  = 15 * time.Minute
	CodeRateLimit   = 3
	CodeMaxAttempts = 5
)

// IssuedCode is a freshly generated one-time code. Code is the only copy of
// the plaintext.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}

// CodeStore issues and verifies 6-digit one-time codes addressed to an
// identifier (an email address or a phone number). Codes are stored as
// bcrypt hashes, rate limited per identifier and allow a bounded number of
// guesses.
type CodeStore struct {
	db     core.Database
	table  string
	column string
	log    *slog.Logger
	now    func() time.Time
}

func NewEmailCodeStore(db core.Database, log *slog.Logger) *CodeStore {
	return &CodeStore{db: db, table: "auth_codes", column: "email", log: orNoop(log), now: time.Now}
}

func NewPhoneCodeStore(db core.Database, log *slog.Logger) *CodeStore {
	return &CodeStore{db: db, table: "phone_codes", column: "phone_number", log: orNoop(log), now: time.Now}
}

// Issue creates a new code for identifier. At most CodeRateLimit codes may be
// issued per identifier in any CodeRateWindow; beyond that core.ErrRateLimited
// is returned. The count and insert run in one transaction.
func (s *CodeStore) Issue(ctx context.Context, identifier string) (*IssuedCode, error) {
	code, err := crypto.GenerateNumericCode()
	if err != nil {
		return nil, err
	}
	hash, err := crypto.HashCode(code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	issued := &IssuedCode{Code: code, ExpiresAt: now.Add(CodeTTL)}

	err = s.db.Transaction(ctx, func(tx core.Database) error {
		var recent int64
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+s.table+` WHERE `+s.column+` = ? AND created_at > ?`,
			identifier, millis(now.Add(-CodeRateWindow))).Scan(&recent)
		if err != nil {
			return err
		}
		if recent >= CodeRateLimit {
			return core.ErrRateLimited
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO `+s.table+` (id, `+s.column+`, code_hash, expires_at, attempts, used, created_at)
			VALUES (?, ?, ?, ?, 0, FALSE, ?)`,
			newID(), identifier, hash, millis(issued.ExpiresAt), millis(now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Verify checks code against the most recent unused code for identifier and
// consumes it on success. The attempt counter is bumped before comparing so
// that a failed guess is always charged.
func (s *CodeStore) Verify(ctx context.Context, identifier, code string) error {
	var (
		id, hash  string
		expiresAt int64
		attempts  int
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, code_hash, expires_at, attempts FROM `+s.table+`
		WHERE `+s.column+` = ? AND used = FALSE
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		identifier).Scan(&id, &hash, &expiresAt, &attempts)
	if err != nil {
		if isNoRows(err) {
			return core.ErrCodeInvalid
		}
		return err
	}

	if millis(s.now()) > expiresAt {
		return core.ErrCodeExpired
	}
	if attempts >= CodeMaxAttempts {
		return core.ErrCodeMaxAttempts
	}

	if _, err := s.db.Exec(ctx, `UPDATE `+s.table+` SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return err
	}

	ok, err := crypto.CompareCode(hash, code)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrCodeInvalid
	}

	consumed, err := consume(ctx, s.db, s.table, id)
	if err != nil {
		return err
	}
	if !consumed {
		return core.ErrCodeInvalid
	}
	return nil
}

// DeleteExpired removes expired codes that no longer count toward the rate
// limit.
func (s *CodeStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	return s.db.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE expires_at < ? AND created_at <= ?`,
		millis(now), millis(now.Add(-CodeRateWindow)))
}
