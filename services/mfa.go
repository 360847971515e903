package services

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/pkg/crypto"
)

const (
	totpSecretLength = 20
	totpPeriod       = 30
	totpSkew         = 1
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// MFA manages TOTP factors and their backup codes.
type MFA struct {
	db     core.Database
	users  *Users
	audit  *AuditLogger
	issuer string
	log    *slog.Logger
	now    func() time.Time
}

// Enroll creates an unverified TOTP factor for userID. The secret and backup
// codes are returned here and never again.
func (m *MFA) Enroll(ctx context.Context, userID, friendlyName string) (*core.MFAEnrollment, error) {
	user, err := m.users.ByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.RandomBytes(totpSecretLength)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: user.Email,
		Secret:      raw,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	codes, err := crypto.GenerateBackupCodes(crypto.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	factor := &core.MFAFactor{
		ID:           newID(),
		UserID:       userID,
		Secret:       hex.EncodeToString(raw),
		FriendlyName: strings.TrimSpace(friendlyName),
		CreatedAt:    m.now(),
	}
	factor.UpdatedAt = factor.CreatedAt

	err = m.db.Transaction(ctx, func(tx core.Database) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO mfa_factors (id, user_id, secret, friendly_name, verified, created_at, updated_at)
			VALUES (?, ?, ?, ?, FALSE, ?, ?)`,
			factor.ID, factor.UserID, factor.Secret, factor.FriendlyName, millis(factor.CreatedAt), millis(factor.UpdatedAt))
		if err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, factor.ID, codes, factor.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	m.audit.Log(ctx, ActionMFAEnroll, AuditEntry{UserID: userID, Metadata: map[string]any{"factorId": factor.ID}})

	return &core.MFAEnrollment{
		FactorID:       factor.ID,
		Secret:         factor.Secret,
		ManualEntryKey: key.Secret(),
		URI:            key.URL(),
		BackupCodes:    codes,
	}, nil
}

// Verify accepts either a current TOTP code (one step of skew either side)
// or an unused backup code. The first success marks the factor verified.
func (m *MFA) Verify(ctx context.Context, userID, factorID, code string) (core.MFAVerifyMethod, error) {
	factor, err := m.factor(ctx, userID, factorID)
	if err != nil {
		return "", err
	}

	code = strings.TrimSpace(code)
	method, err := m.check(ctx, factor, code)
	if err != nil {
		return "", err
	}

	if !factor.Verified {
		_, err := m.db.Exec(ctx, `UPDATE mfa_factors SET verified = TRUE, updated_at = ? WHERE id = ?`, millis(m.now()), factor.ID)
		if err != nil {
			return "", err
		}
	}

	m.audit.Log(ctx, ActionMFAVerify, AuditEntry{UserID: userID, Metadata: map[string]any{"factorId": factor.ID, "method": string(method)}})
	return method, nil
}

func (m *MFA) check(ctx context.Context, factor *core.MFAFactor, code string) (core.MFAVerifyMethod, error) {
	if len(code) == int(otp.DigitsSix) {
		raw, err := hex.DecodeString(factor.Secret)
		if err != nil {
			return "", err
		}
		ok, err := totp.ValidateCustom(code, base32NoPad.EncodeToString(raw), m.now(), totpValidateOpts)
		if err == nil && ok {
			return core.MFAVerifyTOTP, nil
		}
	}

	n, err := m.db.Exec(ctx,
		`UPDATE mfa_backup_codes SET used = TRUE, used_at = ? WHERE factor_id = ? AND code_hash = ? AND used = FALSE`,
		millis(m.now()), factor.ID, crypto.HashToken(crypto.NormalizeBackupCode(code)))
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", core.ErrMFAInvalidCode
	}
	return core.MFAVerifyBackupCode, nil
}

// IsEnabled reports whether userID has at least one verified factor.
func (m *MFA) IsEnabled(ctx context.Context, userID string) (bool, error) {
	var enabled bool
	err := m.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mfa_factors WHERE user_id = ? AND verified = TRUE)`, userID).Scan(&enabled)
	return enabled, err
}

func (m *MFA) ListFactors(ctx context.Context, userID string) ([]*core.MFAFactor, error) {
	rows, err := m.db.Query(ctx,
		`SELECT `+factorListColumns+` FROM mfa_factors WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var factors []*core.MFAFactor
	for rows.Next() {
		f, err := scanFactor(rows, false)
		if err != nil {
			return nil, err
		}
		factors = append(factors, f)
	}
	return factors, rows.Err()
}

// RemoveFactor deletes a factor and its backup codes.
func (m *MFA) RemoveFactor(ctx context.Context, userID, factorID string) error {
	err := m.db.Transaction(ctx, func(tx core.Database) error {
		n, err := tx.Exec(ctx, `DELETE FROM mfa_factors WHERE id = ? AND user_id = ?`, factorID, userID)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrMFAFactorNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE factor_id = ?`, factorID)
		return err
	})
	if err != nil {
		return err
	}

	m.audit.Log(ctx, ActionMFARemove, AuditEntry{UserID: userID, Metadata: map[string]any{"factorId": factorID}})
	return nil
}

// RegenerateBackupCodes replaces every backup code of a factor.
func (m *MFA) RegenerateBackupCodes(ctx context.Context, userID, factorID string) ([]string, error) {
	if _, err := m.factor(ctx, userID, factorID); err != nil {
		return nil, err
	}

	codes, err := crypto.GenerateBackupCodes(crypto.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	err = m.db.Transaction(ctx, func(tx core.Database) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE factor_id = ?`, factorID); err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, factorID, codes, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.audit.Log(ctx, ActionMFABackupRegen, AuditEntry{UserID: userID, Metadata: map[string]any{"factorId": factorID}})
	return codes, nil
}

// RemainingBackupCodes counts the unused backup codes of a factor.
func (m *MFA) RemainingBackupCodes(ctx context.Context, userID, factorID string) (int, error) {
	if _, err := m.factor(ctx, userID, factorID); err != nil {
		return 0, err
	}

	var n int
	err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM mfa_backup_codes WHERE factor_id = ? AND used = FALSE`, factorID).Scan(&n)
	return n, err
}

// The secret is only read for verification and never leaves the package
// after enrollment.
const (
	factorListColumns = "id, user_id, friendly_name, verified, created_at, updated_at"
	factorColumns     = factorListColumns + ", secret"
)

func (m *MFA) factor(ctx context.Context, userID, factorID string) (*core.MFAFactor, error) {
	f, err := scanFactor(m.db.QueryRow(ctx,
		`SELECT `+factorColumns+` FROM mfa_factors WHERE id = ? AND user_id = ?`, factorID, userID), true)
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrMFAFactorNotFound
		}
		return nil, err
	}
	return f, nil
}

func scanFactor(row core.Row, withSecret bool) (*core.MFAFactor, error) {
	var (
		f                    core.MFAFactor
		createdAt, updatedAt int64
	)
	dest := []any{&f.ID, &f.UserID, &f.FriendlyName, &f.Verified, &createdAt, &updatedAt}
	if withSecret {
		dest = append(dest, &f.Secret)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

// Backup codes are stored as SHA-256 digests so that a code can be matched and
// consumed in one conditional UPDATE.
func insertBackupCodes(ctx context.Context, tx core.Database, factorID string, codes []string, now time.Time) error {
	for _, code := range codes {
		_, err := tx.Exec(ctx,
			`INSERT INTO mfa_backup_codes (id, factor_id, code_hash, used, created_at) VALUES (?, ?, ?, FALSE, ?)`,
			newID(), factorID, crypto.HashToken(code), millis(now))
		if err != nil {
			return err
		}
	}
	return nil
}
