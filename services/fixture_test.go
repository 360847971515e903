package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/internal/testutil"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

type fixture struct {
	p     *Provider
	db    core.Database
	clock *testutil.Clock
	mail  *testutil.Outbox
	sms   *testutil.Outbox
}

// newFixture builds a Provider over a fresh in-memory database with a frozen
// clock and recording senders. opts may adjust the config before wiring.
func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		db:    testutil.NewDatabase(t),
		clock: testutil.NewClock(),
		mail:  &testutil.Outbox{},
		sms:   &testutil.Outbox{},
	}

	cfg := Config{
		DB:               f.db,
		Mailer:           f.mail,
		SMS:              f.sms,
		MagicLinkURL:     "https://app.example.com/auth/magic",
		PasswordResetURL: "https://app.example.com/auth/reset",
		WebAuthn:         &WebAuthnConfig{RPID: testRPID, RPOrigins: []string{testOrigin}},
		Logger:           testutil.MakeNoopLogger(),
		Now:              f.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	f.p = p
	return f
}

var meta = core.SessionMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent"}

// signUp registers email with a fixed password.
func (f *fixture) signUp(t *testing.T, email string) *core.AuthResult {
	t.Helper()
	res, err := f.p.SignUp(context.Background(), core.SignUpInput{Email: email, Password: "correct horse", Name: "Test"}, meta)
	require.NoError(t, err)
	return res
}

// lastCode returns the code carried by the most recent message in box.
func lastCode(t *testing.T, box *testutil.Outbox) string {
	t.Helper()
	code, ok := box.Last(t).Data["code"].(string)
	require.True(t, ok, "message carries no code")
	return code
}

func lastToken(t *testing.T, box *testutil.Outbox) string {
	t.Helper()
	token, ok := box.Last(t).Data["token"].(string)
	require.True(t, ok, "message carries no token")
	return token
}

func countRows(t *testing.T, db core.Database, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
