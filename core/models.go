package core

import "time"

// User represents a user account in the system
//
// This is the "identity" - who someone is
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Image         *string    `json:"image,omitempty"`
	Phone         *string    `json:"phone,omitempty"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"emailVerified"`
	PhoneVerified bool       `json:"phoneVerified"`
	Banned        bool       `json:"banned"`
	LoginCount    int64      `json:"loginCount"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// UserUpdate carries the mutable user fields. Nil fields are left unchanged.
type UserUpdate struct {
	Name          *string `json:"name,omitempty"`
	Image         *string `json:"image,omitempty"`
	Role          *string `json:"role,omitempty"`
	EmailVerified *bool   `json:"emailVerified,omitempty"`
	Banned        *bool   `json:"banned,omitempty"`
}

// Session represents an active login session
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	TokenHash string         `json:"-"` // Never expose in JSON (security!)
	IPAddress string         `json:"ipAddress"`
	UserAgent string         `json:"userAgent"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// SessionInfo is a session as listed back to its owner.
type SessionInfo struct {
	Session
	IsCurrent bool `json:"isCurrent"`
}

// SessionMeta is the request context recorded on a new session.
type SessionMeta struct {
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// SessionData combines user and session info
// The model returned to clients
type SessionData struct {
	User    *User    `json:"user"`
	Session *Session `json:"session"`
}

// AuthResult is what every successful authentication converges on.
type AuthResult struct {
	User    *User    `json:"user"`
	Session *Session `json:"session"`
	Token   string   `json:"token"` // The raw token (not the hash)
}

// SignUpInput contains the data needed to register a new user
type SignUpInput struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     string  `json:"name"`
	Image    *string `json:"image,omitempty"`
}

// MFAFactor is a TOTP authenticator bound to a user. The secret never leaves
// the store after enrollment.
type MFAFactor struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Secret       string    `json:"-"`
	FriendlyName string    `json:"friendlyName"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MFAEnrollment is returned exactly once, when a factor is created.
type MFAEnrollment struct {
	FactorID       string   `json:"factorId"`
	Secret         string   `json:"secret"`         // hex, as stored
	ManualEntryKey string   `json:"manualEntryKey"` // base32, for typing into an authenticator app
	URI            string   `json:"uri"`
	BackupCodes    []string `json:"backupCodes"`
}

// MFAVerifyMethod tells the caller which proof was accepted.
type MFAVerifyMethod string

const (
	MFAVerifyTOTP       MFAVerifyMethod = "totp"
	MFAVerifyBackupCode MFAVerifyMethod = "backup_code"
)

const (
	PasskeyDeviceSingle = "singleDevice"
	PasskeyDeviceMulti  = "multiDevice"
)

// PasskeyCredential is a registered WebAuthn public key credential.
type PasskeyCredential struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	CredentialID    string     `json:"credentialId"` // base64url
	PublicKey       []byte     `json:"-"`
	Counter         uint32     `json:"counter"`
	DeviceType      string     `json:"deviceType"`
	BackedUp        bool       `json:"backedUp"`
	BackupEligible  bool       `json:"-"`
	Transports      []string   `json:"transports,omitempty"`
	AAGUID          []byte     `json:"-"`
	AttestationType string     `json:"-"`
	Name            string     `json:"name"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// PasskeyChallengeType scopes a challenge to one ceremony.
type PasskeyChallengeType string

const (
	PasskeyRegistration   PasskeyChallengeType = "registration"
	PasskeyAuthentication PasskeyChallengeType = "authentication"
)

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditEvent is an append-only record of a state change.
type AuditEvent struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	UserID    *string        `json:"userId,omitempty"`
	IPAddress *string        `json:"ipAddress,omitempty"`
	UserAgent *string        `json:"userAgent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ListUsersOptions controls pagination, filtering and ordering of ListUsers.
type ListUsersOptions struct {
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	Role      string `json:"role"`
	Search    string `json:"search"`
	SortBy    string `json:"sortBy"`
	SortOrder string `json:"sortOrder"`
}

type UserList struct {
	Users []*User `json:"users"`
	Total int64   `json:"total"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
}
