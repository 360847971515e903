package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fiberadapter "github.com/vibekit/identity/adapters/fiber"
	gormadapter "github.com/vibekit/identity/adapters/gorm"
	"github.com/vibekit/identity/internal/testutil"
)

// recordingHTTP is a test fake implementing HTTPAdapter
type recordingHTTP struct {
	called    bool
	handler   AuthHandler
	endpoints []*Endpoint
	basePath  string
	err       error
}

func (r *recordingHTTP) RegisterRoutes(handler AuthHandler, endpoints []*Endpoint, basePath string) error {
	r.called = true
	r.handler = handler
	r.endpoints = endpoints
	r.basePath = basePath
	return r.err
}

func openSQLite(t *testing.T) *gormadapter.Adapter {
	t.Helper()
	db, err := gormadapter.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewShouldReturnErrDBAdapterRequired(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrDBAdapterRequired)
}

// Requirement: New migrates a fresh database unless told not to
func TestNewShouldMigrateDatabase(t *testing.T) {
	tests := []struct {
		name           string
		skipMigrations bool
		wantSignUpErr  bool
	}{
		{name: "migrations applied", skipMigrations: false, wantSignUpErr: false},
		{name: "migrations skipped", skipMigrations: true, wantSignUpErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			id, err := New(ctx, Config{
				Database:       openSQLite(t),
				Logger:         testutil.MakeNoopLogger(),
				SkipMigrations: test.skipMigrations,
			})
			require.NoError(t, err)
			t.Cleanup(id.Close)

			// Act
			_, err = id.SignUp(ctx, SignUpInput{Email: "new@example.com", Password: "password123"}, SessionMeta{})

			// Assert
			if test.wantSignUpErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewShouldRegisterRoutes(t *testing.T) {
	adapter := &recordingHTTP{}

	id, err := New(context.Background(), Config{
		Database: testutil.NewDatabase(t),
		HTTP:     adapter,
		Endpoints: []Endpoint{
			{Path: "/admin/users", Method: "GET", Protected: true},
		},
	})
	require.NoError(t, err)
	t.Cleanup(id.Close)

	require.True(t, adapter.called)
	assert.Equal(t, defaultBasePath, adapter.basePath)
	assert.Equal(t, id.BasePath, adapter.basePath)
	assert.Same(t, id.Provider, adapter.handler)
	assert.Len(t, adapter.endpoints, 13)
	assert.Equal(t, id.Endpoints(), adapter.endpoints)
}

func TestNewShouldFailOnEndpointConflict(t *testing.T) {
	_, err := New(context.Background(), Config{
		Database:  testutil.NewDatabase(t),
		Endpoints: []Endpoint{{Path: "/sign-in", Method: "POST"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POST /sign-in")
}

func TestNewShouldSurfaceRouteErrors(t *testing.T) {
	_, err := New(context.Background(), Config{
		Database: testutil.NewDatabase(t),
		HTTP:     &recordingHTTP{err: errors.New("router frozen")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router frozen")
}

func TestNewShouldRejectHalfConfiguredPasskeys(t *testing.T) {
	_, err := New(context.Background(), Config{
		Database: testutil.NewDatabase(t),
		WebAuthn: &WebAuthnConfig{RPID: "example.com"},
	})
	assert.ErrorIs(t, err, ErrWebAuthnConfig)
}

// Requirement: without a configured mailer codes are logged, not lost in a
// failing send
func TestNewShouldDefaultToLoggingDelivery(t *testing.T) {
	id, err := New(context.Background(), Config{Database: testutil.NewDatabase(t), DevMode: true})
	require.NoError(t, err)
	t.Cleanup(id.Close)

	assert.NoError(t, id.SendCode(context.Background(), "dev@example.com"))
	assert.NoError(t, id.Phone.SendCode(context.Background(), "+15551234567"))
}

func TestRunCleanupStopsWithContext(t *testing.T) {
	id, err := New(context.Background(), Config{Database: testutil.NewDatabase(t)})
	require.NoError(t, err)
	t.Cleanup(id.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		id.RunCleanup(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}

// Requirement: a sign-up over HTTP yields a cookie that authenticates the
// protected session endpoint
func TestFiberEndToEnd(t *testing.T) {
	app := fiber.New()
	id, err := New(context.Background(), Config{
		Database: testutil.NewDatabase(t),
		HTTP:     fiberadapter.New(app),
	})
	require.NoError(t, err)
	t.Cleanup(id.Close)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-up",
		strings.NewReader(`{"email":"e2e@example.com","password":"password123","name":"E2E"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "vibekit_session" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(cookie)
	resp, err = app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := id.GetUser(context.Background(), RequestTokenSource(req))
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "e2e@example.com", data.User.Email)
}
