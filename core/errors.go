package core

import (
	"errors"
	"net/http"
)

// Error is a domain error with a stable machine-readable code and the HTTP
// status an adapter should answer with. Two errors are equal under errors.Is
// when their codes match, so messages can be specialised freely.
type Error struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: msg}
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// StatusOf maps err to an HTTP status. Untyped errors are server errors.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// One-time code errors
var (
	ErrRateLimited     = newError("AUTH_RATE_LIMITED", http.StatusTooManyRequests, "too many codes requested, try again later")
	ErrCodeInvalid     = newError("AUTH_CODE_INVALID", http.StatusBadRequest, "invalid verification code")
	ErrCodeExpired     = newError("AUTH_CODE_EXPIRED", http.StatusBadRequest, "verification code expired")
	ErrCodeMaxAttempts = newError("AUTH_CODE_MAX_ATTEMPTS", http.StatusBadRequest, "too many verification attempts")
)

// User errors
var (
	ErrSignupDisabled     = newError("AUTH_SIGNUP_DISABLED", http.StatusForbidden, "signup is disabled")
	ErrUserNotFound       = newError("AUTH_USER_NOT_FOUND", http.StatusNotFound, "user not found")
	ErrUserExists         = newError("AUTH_USER_EXISTS", http.StatusConflict, "user already exists")
	ErrUserBanned         = newError("AUTH_USER_BANNED", http.StatusForbidden, "user is banned")
	ErrUnauthorized       = newError("AUTH_UNAUTHORIZED", http.StatusUnauthorized, "not authenticated")
	ErrInvalidCredentials = newError("AUTH_INVALID_CREDENTIALS", http.StatusUnauthorized, "Invalid email or password")
)

// Validation errors (client input)
var (
	ErrInvalidEmail     = newError("AUTH_INVALID_EMAIL", http.StatusBadRequest, "invalid email format")
	ErrInvalidPhone     = newError("AUTH_INVALID_PHONE", http.StatusBadRequest, "invalid phone number")
	ErrPasswordTooShort = newError("AUTH_PASSWORD_TOO_SHORT", http.StatusBadRequest, "password is too short")
	ErrPasswordTooLong  = newError("AUTH_PASSWORD_TOO_LONG", http.StatusBadRequest, "password is too long")
	ErrInvalidRequest   = newError("AUTH_INVALID_REQUEST", http.StatusBadRequest, "invalid request")
)

// Single-use token errors (magic links, password resets)
var (
	ErrTokenInvalid     = newError("AUTH_TOKEN_INVALID", http.StatusBadRequest, "invalid token")
	ErrTokenExpired     = newError("AUTH_TOKEN_EXPIRED", http.StatusBadRequest, "token expired")
	ErrTokenAlreadyUsed = newError("AUTH_TOKEN_ALREADY_USED", http.StatusBadRequest, "token already used")
)

// MFA errors
var (
	ErrMFAInvalidCode    = newError("AUTH_MFA_INVALID_CODE", http.StatusBadRequest, "invalid authentication code")
	ErrMFAFactorNotFound = newError("AUTH_MFA_FACTOR_NOT_FOUND", http.StatusNotFound, "MFA factor not found")
)

// Passkey errors
var (
	ErrChallengeInvalid    = newError("AUTH_PASSKEY_CHALLENGE_INVALID", http.StatusBadRequest, "invalid or expired challenge")
	ErrPasskeyVerification = newError("AUTH_PASSKEY_VERIFICATION_FAILED", http.StatusUnauthorized, "passkey verification failed")
	ErrPasskeyExists       = newError("AUTH_PASSKEY_EXISTS", http.StatusConflict, "passkey already registered")
	ErrPasskeyNotFound     = newError("AUTH_PASSKEY_NOT_FOUND", http.StatusNotFound, "passkey not found")
	ErrPasskeyCounter      = newError("AUTH_PASSKEY_COUNTER_REPLAY", http.StatusUnauthorized, "passkey signature counter did not advance")
)

// RBAC errors
var (
	ErrRoleNotFound       = newError("AUTH_ROLE_NOT_FOUND", http.StatusNotFound, "role not found")
	ErrPermissionNotFound = newError("AUTH_PERMISSION_NOT_FOUND", http.StatusNotFound, "permission not found")
)

// Config errors (server-side configuration)
var (
	ErrDBAdapterRequired = errors.New("database adapter is required")
	ErrWebAuthnConfig    = errors.New("webauthn relying party is not configured")
)

var (
	ErrCacheNotFound = errors.New("session not found in cache")
	ErrNoRows        = errors.New("no rows in result set")
)
