package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibekit/identity/core"
)

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func enroll(t *testing.T, f *fixture, email string) (string, *core.MFAEnrollment) {
	t.Helper()
	res := f.signUp(t, email)
	enrollment, err := f.p.MFA.Enroll(context.Background(), res.User.ID, " Phone ")
	require.NoError(t, err)
	return res.User.ID, enrollment
}

func TestMFA_Enroll(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AppName = "Acme" })
	userID, enrollment := enroll(t, f, "vera@example.com")

	assert.Len(t, enrollment.Secret, 2*totpSecretLength)
	assert.Len(t, enrollment.ManualEntryKey, 32)
	assert.True(t, strings.HasPrefix(enrollment.URI, "otpauth://totp/"))
	assert.Contains(t, enrollment.URI, "issuer=Acme")
	assert.Len(t, enrollment.BackupCodes, 10)

	factors, err := f.p.MFA.ListFactors(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "Phone", factors[0].FriendlyName)
	assert.False(t, factors[0].Verified)
	assert.Empty(t, factors[0].Secret, "secret is not returned after enrollment")

	enabled, err := f.p.MFA.IsEnabled(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, enabled, "unverified factors do not enable MFA")
}

func TestMFA_TOTPWindow(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		wantErr bool
	}{
		{name: "same step", offset: 0},
		{name: "late in step", offset: 29 * time.Second},
		{name: "one step behind", offset: -29 * time.Second},
		{name: "two steps ahead", offset: 61 * time.Second, wantErr: true},
		{name: "two steps behind", offset: -61 * time.Second, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			userID, enrollment := enroll(t, f, "walt@example.com")
			issuedAt := f.clock.Now()
			code := totpCode(t, enrollment.ManualEntryKey, issuedAt)

			// Act
			f.clock.Set(issuedAt.Add(test.offset))
			method, err := f.p.MFA.Verify(context.Background(), userID, enrollment.FactorID, code)

			// Assert
			if test.wantErr {
				assert.ErrorIs(t, err, core.ErrMFAInvalidCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, core.MFAVerifyTOTP, method)

			enabled, err := f.p.MFA.IsEnabled(context.Background(), userID)
			require.NoError(t, err)
			assert.True(t, enabled)
		})
	}
}

func TestMFA_BackupCodesAreSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, enrollment := enroll(t, f, "xena@example.com")

	method, err := f.p.MFA.Verify(ctx, userID, enrollment.FactorID, enrollment.BackupCodes[0])
	require.NoError(t, err)
	assert.Equal(t, core.MFAVerifyBackupCode, method)

	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, enrollment.BackupCodes[0])
	assert.ErrorIs(t, err, core.ErrMFAInvalidCode)

	// Input is normalized before matching
	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, " "+strings.ToLower(enrollment.BackupCodes[1])+" ")
	require.NoError(t, err)
	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, strings.ReplaceAll(enrollment.BackupCodes[2], "-", " "))
	require.NoError(t, err)
	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, strings.ReplaceAll(enrollment.BackupCodes[3], "-", ""))
	require.NoError(t, err)

	remaining, err := f.p.MFA.RemainingBackupCodes(ctx, userID, enrollment.FactorID)
	require.NoError(t, err)
	assert.Equal(t, 6, remaining)
}

func TestMFA_RegenerateBackupCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, enrollment := enroll(t, f, "yuri@example.com")

	codes, err := f.p.MFA.RegenerateBackupCodes(ctx, userID, enrollment.FactorID)
	require.NoError(t, err)
	assert.Len(t, codes, 10)

	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, enrollment.BackupCodes[0])
	assert.ErrorIs(t, err, core.ErrMFAInvalidCode)

	_, err = f.p.MFA.Verify(ctx, userID, enrollment.FactorID, codes[0])
	assert.NoError(t, err)
}

func TestMFA_FactorOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, enrollment := enroll(t, f, "zane@example.com")
	other := f.signUp(t, "other@example.com")

	_, err := f.p.MFA.Verify(ctx, other.User.ID, enrollment.FactorID, enrollment.BackupCodes[0])
	assert.ErrorIs(t, err, core.ErrMFAFactorNotFound)

	assert.ErrorIs(t, f.p.MFA.RemoveFactor(ctx, other.User.ID, enrollment.FactorID), core.ErrMFAFactorNotFound)

	require.NoError(t, f.p.MFA.RemoveFactor(ctx, userID, enrollment.FactorID))
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM mfa_backup_codes WHERE factor_id = ?`, enrollment.FactorID))
	assert.ErrorIs(t, f.p.MFA.RemoveFactor(ctx, userID, enrollment.FactorID), core.ErrMFAFactorNotFound)

	_, err = f.p.MFA.Enroll(ctx, "missing-user", "")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}
