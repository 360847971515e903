package services

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
	"github.com/vibekit/identity/pkg/logger"
)

// Audit actions
const (
	ActionUserSignup       = "user.signup"
	ActionUserLogin        = "user.login"
	ActionUserLogout       = "user.logout"
	ActionUserUpdate       = "user.update"
	ActionUserBan          = "user.ban"
	ActionUserDelete       = "user.delete"
	ActionSessionRevoke    = "session.revoke"
	ActionSessionRevokeAll = "session.revoke_all"
	ActionPasswordChange   = "password.change"
	ActionPasswordReset    = "password.reset"
	ActionPhoneVerify      = "phone.verify"
	ActionMFAEnroll        = "mfa.enroll"
	ActionMFAVerify        = "mfa.verify"
	ActionMFARemove        = "mfa.remove"
	ActionMFABackupRegen   = "mfa.backup_codes_regenerated"
	ActionPasskeyRegister  = "passkey.register"
	ActionPasskeyRemove    = "passkey.remove"
	ActionRoleCreate       = "rbac.role_create"
	ActionRoleDelete       = "rbac.role_delete"
	ActionPermissionCreate = "rbac.permission_create"
	ActionPermissionDelete = "rbac.permission_delete"
	ActionPermissionGrant  = "rbac.permission_grant"
	ActionPermissionRevoke = "rbac.permission_revoke"
	ActionRoleAssign       = "rbac.role_assign"
	ActionRoleRemove       = "rbac.role_remove"
)

const (
	maxEmailLength   = 254
	phoneMinDigits   = 7
	phoneMaxDigits   = 15
	defaultListLimit = 20
	maxListLimit     = 100
)

// newID returns a time-ordered UUID so that rows created within the same
// millisecond still sort in creation order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func orNoop(log *slog.Logger) *slog.Logger {
	if log == nil {
		return logger.Noop()
	}
	return log
}

// normalizeEmail lower-cases and trims email, rejecting anything that is not
// a bare address.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > maxEmailLength {
		return "", core.ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", core.ErrInvalidEmail
	}
	return email, nil
}

// normalizePhone strips common separators and keeps a leading '+'.
func normalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)

	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", core.ErrInvalidPhone
		}
	}

	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	if digits < phoneMinDigits || digits > phoneMaxDigits {
		return "", core.ErrInvalidPhone
	}
	return out, nil
}

// consume flips a used flag from false to true. It reports false when another
// caller got there first.
func consume(ctx context.Context, db core.Database, table, id string) (bool, error) {
	n, err := db.Exec(ctx, "UPDATE "+table+" SET used = TRUE WHERE id = ? AND used = FALSE", id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, core.ErrNoRows)
}

func millis(t time.Time) int64 {
	return database.Millis(t)
}

func fromMillis(ms int64) time.Time {
	return database.FromMillis(ms)
}
