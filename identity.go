// Package identity wires the identity and access services into one value:
// users, sessions, one-time codes, magic links, passwords, phone OTP, MFA,
// passkeys, RBAC and the audit log, optionally served over HTTP.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/delivery"
	"github.com/vibekit/identity/pkg/logger"
	"github.com/vibekit/identity/services"
)

// interfaces
type (
	Database    = core.Database
	Migrator    = core.Migrator
	Cache       = core.Cache
	Mailer      = core.Mailer
	SMSSender   = core.SMSSender
	TokenSource = core.TokenSource
	HTTPAdapter = core.HTTPAdapter
	AuthHandler = core.AuthHandler
)

// structs
type (
	Provider       = services.Provider
	SessionConfig  = core.SessionConfig
	CacheConfig    = core.CacheConfig
	WebAuthnConfig = services.WebAuthnConfig
	CleanupResult  = services.CleanupResult
)

type (
	User              = core.User
	UserUpdate        = core.UserUpdate
	Session           = core.Session
	SessionInfo       = core.SessionInfo
	SessionMeta       = core.SessionMeta
	SessionData       = core.SessionData
	AuthResult        = core.AuthResult
	SignUpInput       = core.SignUpInput
	ListUsersOptions  = core.ListUsersOptions
	UserList          = core.UserList
	MFAFactor         = core.MFAFactor
	MFAEnrollment     = core.MFAEnrollment
	PasskeyCredential = core.PasskeyCredential
	Role              = core.Role
	Permission        = core.Permission
	AuditEvent        = core.AuditEvent
	Message           = core.Message
	Endpoint          = core.Endpoint
	Error             = core.Error
)

const (
	defaultBasePath   = "/api/auth"
	defaultCacheTTL   = 5 * time.Minute
	defaultCacheItems = 500
)

// Constructors & helpers (convenience re-exports)
var (
	NewInMemoryCache     = core.NewInMemoryCache
	DefaultSessionConfig = core.DefaultSessionConfig
	ParseSessionTTL      = core.ParseSessionTTL
	ExtractToken         = core.ExtractToken
	RequestTokenSource   = core.RequestTokenSource
	StatusOf             = core.StatusOf
)

var (
	ErrRateLimited     = core.ErrRateLimited
	ErrCodeInvalid     = core.ErrCodeInvalid
	ErrCodeExpired     = core.ErrCodeExpired
	ErrCodeMaxAttempts = core.ErrCodeMaxAttempts
)

var (
	ErrSignupDisabled     = core.ErrSignupDisabled
	ErrUserNotFound       = core.ErrUserNotFound
	ErrUserExists         = core.ErrUserExists
	ErrUserBanned         = core.ErrUserBanned
	ErrUnauthorized       = core.ErrUnauthorized
	ErrInvalidCredentials = core.ErrInvalidCredentials
)

var (
	ErrInvalidEmail     = core.ErrInvalidEmail
	ErrInvalidPhone     = core.ErrInvalidPhone
	ErrPasswordTooShort = core.ErrPasswordTooShort
	ErrPasswordTooLong  = core.ErrPasswordTooLong
	ErrInvalidRequest   = core.ErrInvalidRequest
)

var (
	ErrTokenInvalid     = core.ErrTokenInvalid
	ErrTokenExpired     = core.ErrTokenExpired
	ErrTokenAlreadyUsed = core.ErrTokenAlreadyUsed
)

var (
	ErrMFAInvalidCode      = core.ErrMFAInvalidCode
	ErrMFAFactorNotFound   = core.ErrMFAFactorNotFound
	ErrChallengeInvalid    = core.ErrChallengeInvalid
	ErrPasskeyVerification = core.ErrPasskeyVerification
	ErrPasskeyExists       = core.ErrPasskeyExists
	ErrPasskeyNotFound     = core.ErrPasskeyNotFound
	ErrPasskeyCounter      = core.ErrPasskeyCounter
	ErrRoleNotFound        = core.ErrRoleNotFound
	ErrPermissionNotFound  = core.ErrPermissionNotFound
)

var (
	ErrDBAdapterRequired = core.ErrDBAdapterRequired
	ErrWebAuthnConfig    = core.ErrWebAuthnConfig
)

// Config is the programmatic configuration of New. Only Database is
// required.
type Config struct {
	Database Database

	// HTTP, when set, gets every endpoint mounted under BasePath.
	HTTP      HTTPAdapter
	BasePath  string
	Endpoints []Endpoint // extra plugin endpoints

	Mailer Mailer    // defaults to logging
	SMS    SMSSender // defaults to logging
	Logger *slog.Logger

	SessionConfig *SessionConfig
	CacheAdapter  Cache
	DisableCache  bool

	DisableSignup    bool
	DevMode          bool
	AppName          string
	MagicLinkURL     string
	PasswordResetURL string
	WebAuthn         *WebAuthnConfig
	AsyncAudit       bool

	// SkipMigrations leaves the schema alone even if Database is a Migrator.
	SkipMigrations bool

	Now func() time.Time
}

type Identity struct {
	*Provider

	BasePath  string
	endpoints []*Endpoint
	log       *slog.Logger
}

// New validates config, brings the schema up to date and builds the
// provider. Routes are registered last, so a failing adapter leaves nothing
// half mounted.
func New(ctx context.Context, config Config) (*Identity, error) {
	if config.Database == nil {
		return nil, ErrDBAdapterRequired
	}

	// Set Defaults

	log := config.Logger
	if log == nil {
		log = logger.Noop()
	}

	if m, ok := config.Database.(Migrator); ok && !config.SkipMigrations {
		if err := m.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	cacheAdapter := config.CacheAdapter
	if cacheAdapter == nil && !config.DisableCache {
		cacheAdapter = NewInMemoryCache(CacheConfig{
			TTL:     defaultCacheTTL,
			MaxSize: defaultCacheItems,
		})
	}

	sessionConfig := DefaultSessionConfig()
	if config.SessionConfig != nil {
		sessionConfig = *config.SessionConfig
	}

	var mailer Mailer = delivery.NewLogMailer(log, config.DevMode)
	if config.Mailer != nil {
		mailer = config.Mailer
	}
	var sms SMSSender = delivery.NewLogSMSSender(log, config.DevMode)
	if config.SMS != nil {
		sms = config.SMS
	}

	basePath := config.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}

	registry := services.NewEndpointRegistry()
	if len(config.Endpoints) > 0 {
		if err := registry.RegisterPlugin(config.Endpoints); err != nil {
			return nil, err
		}
	}

	provider, err := services.NewProvider(services.Config{
		DB:               config.Database,
		Mailer:           mailer,
		SMS:              sms,
		Cache:            cacheAdapter,
		Session:          sessionConfig,
		DisableSignup:    config.DisableSignup,
		DevMode:          config.DevMode,
		AppName:          config.AppName,
		MagicLinkURL:     config.MagicLinkURL,
		PasswordResetURL: config.PasswordResetURL,
		WebAuthn:         config.WebAuthn,
		AsyncAudit:       config.AsyncAudit,
		Logger:           log,
		Now:              config.Now,
	})
	if err != nil {
		return nil, err
	}

	id := &Identity{
		Provider:  provider,
		BasePath:  basePath,
		endpoints: registry.Endpoints(),
		log:       log,
	}

	if config.HTTP != nil {
		if err := config.HTTP.RegisterRoutes(provider, id.endpoints, basePath); err != nil {
			provider.Close()
			return nil, fmt.Errorf("failed to register routes: %w", err)
		}
	}

	log.Info("identity provider ready",
		"base_path", basePath, "endpoints", len(id.endpoints),
		"passkeys", provider.Passkeys != nil, "signup", !config.DisableSignup)
	return id, nil
}

// Endpoints lists every registered endpoint, base and plugin, ordered by
// path.
func (id *Identity) Endpoints() []*Endpoint {
	return id.endpoints
}

// RunCleanup calls CleanupExpired every interval until ctx is done. A
// non-positive interval disables it.
func (id *Identity) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := id.CleanupExpired(ctx); err != nil {
				id.log.Error("cleanup of expired records failed", "error", err)
			}
		}
	}
}
