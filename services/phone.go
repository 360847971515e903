package services

import (
	"context"
	"log/slog"

	"github.com/vibekit/identity/core"
)

// PhoneAuth verifies phone numbers with SMS codes and lets users with a
// verified number sign in by code. It never creates users: a phone number
// is attached to an existing account first.
type PhoneAuth struct {
	db       core.Database
	codes    *CodeStore
	sms      core.SMSSender
	users    *Users
	finisher *loginFinisher
	audit    *AuditLogger
	devMode  bool
	log      *slog.Logger
}

// SendCode texts a one-time code to phone.
func (p *PhoneAuth) SendCode(ctx context.Context, phone string) error {
	phone, err := normalizePhone(phone)
	if err != nil {
		return err
	}

	issued, err := p.codes.Issue(ctx, phone)
	if err != nil {
		return err
	}

	if p.devMode {
		p.log.Info("phone code issued", "phone", phone, "code", issued.Code)
	}

	msg := core.Message{
		To:       phone,
		Template: core.TemplatePhoneCode,
		Data:     map[string]any{"code": issued.Code, "expiresInMinutes": int(CodeTTL.Minutes())},
	}
	if err := p.sms.Send(ctx, msg); err != nil {
		p.log.Warn("failed to deliver phone code", "phone", phone, "error", err)
	}
	return nil
}

// VerifyPhone attaches phone to userID once the code checks out. A number
// already verified by another account is rejected.
func (p *PhoneAuth) VerifyPhone(ctx context.Context, userID, phone, code string) error {
	phone, err := normalizePhone(phone)
	if err != nil {
		return err
	}

	if err := p.codes.Verify(ctx, phone, code); err != nil {
		return err
	}

	now := millis(p.codes.now())
	err = p.db.Transaction(ctx, func(tx core.Database) error {
		var taken bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE phone = ? AND phone_verified = TRUE AND id <> ?)`,
			phone, userID).Scan(&taken)
		if err != nil {
			return err
		}
		if taken {
			return core.ErrUserExists.WithMessage("phone number already in use")
		}

		n, err := tx.Exec(ctx, `UPDATE users SET phone = ?, phone_verified = TRUE, updated_at = ? WHERE id = ?`, phone, now, userID)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.audit.Log(ctx, ActionPhoneVerify, AuditEntry{UserID: userID})
	return nil
}

// SignIn signs in the user whose verified number is phone.
func (p *PhoneAuth) SignIn(ctx context.Context, phone, code string, meta core.SessionMeta) (*core.AuthResult, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return nil, err
	}

	if err := p.codes.Verify(ctx, phone, code); err != nil {
		return nil, err
	}

	user, err := p.users.ByVerifiedPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	return p.finisher.finish(ctx, user, MethodPhone, meta)
}
