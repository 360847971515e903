package services

import (
	"fmt"
	"sort"

	"github.com/vibekit/identity/core"
)

// Operation IDs of the base endpoints. Adapters bind handlers by these.
const (
	OpSendCode             = "sendVerificationCode"
	OpVerifyCode           = "verifyCode"
	OpSignUp               = "signUpWithEmailAndPassword"
	OpSignIn               = "signInWithEmailAndPassword"
	OpSignOut              = "signOut"
	OpGetSession           = "getSession"
	OpListSessions         = "listSessions"
	OpRevokeSession        = "revokeSession"
	OpSendMagicLink        = "sendMagicLink"
	OpVerifyMagicLink      = "verifyMagicLink"
	OpRequestPasswordReset = "requestPasswordReset"
	OpResetPassword        = "resetPassword"
)

// BaseEndpoints returns framework-agnostic endpoint definitions
// for all core authentication endpoints.
//
// Each endpoint is a template: Path, Method and Protected are set and
// Metadata carries the operation ID adapters use to pick a handler.
func BaseEndpoints() []core.Endpoint {
	return []core.Endpoint{
		{
			Path:   "/send-code",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpSendCode,
				Description: "Email a one-time sign-in code",
			},
		},
		{
			Path:   "/verify-code",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpVerifyCode,
				Description: "Verify an emailed code and start a session",
			},
		},
		{
			Path:   "/sign-up",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpSignUp,
				Description: "Sign up a user using email and password",
			},
		},
		{
			Path:   "/sign-in",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpSignIn,
				Description: "Sign in a user using email and password",
			},
		},
		{
			Path:      "/sign-out",
			Method:    "POST",
			Protected: true,
			Metadata: core.EndpointMetadata{
				OperationID: OpSignOut,
				Description: "Sign out the current user and invalidate the session",
			},
		},
		{
			Path:      "/session",
			Method:    "GET",
			Protected: true,
			Metadata: core.EndpointMetadata{
				OperationID: OpGetSession,
				Description: "Get the current user's session data",
			},
		},
		{
			Path:      "/sessions",
			Method:    "GET",
			Protected: true,
			Metadata: core.EndpointMetadata{
				OperationID: OpListSessions,
				Description: "List the current user's active sessions",
			},
		},
		{
			Path:      "/sessions/:id",
			Method:    "DELETE",
			Protected: true,
			Metadata: core.EndpointMetadata{
				OperationID: OpRevokeSession,
				Description: "Revoke one of the current user's sessions",
			},
		},
		{
			Path:   "/magic-link",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpSendMagicLink,
				Description: "Email a single-use sign-in link",
			},
		},
		{
			Path:   "/magic-link/verify",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpVerifyMagicLink,
				Description: "Verify a magic link token and start a session",
			},
		},
		{
			Path:   "/password/forgot",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpRequestPasswordReset,
				Description: "Email a password reset token",
			},
		},
		{
			Path:   "/password/reset",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpResetPassword,
				Description: "Set a new password using a reset token",
			},
		},
	}
}

// EndpointRegistry manages a collection of framework-agnostic endpoints
// and handles conflict detection for duplicate METHOD:PATH combinations.
//
// It starts with base authentication endpoints and supports registration of
// additional plugin endpoints with automatic conflict detection.
type EndpointRegistry struct {
	// endpoints stores all registered endpoints keyed by "METHOD:PATH"
	endpoints map[string]*core.Endpoint
}

// NewEndpointRegistry creates a new registry with all base authentication endpoints
// pre-registered.
func NewEndpointRegistry() *EndpointRegistry {
	reg := &EndpointRegistry{
		endpoints: make(map[string]*core.Endpoint),
	}

	base := BaseEndpoints()
	for i := range base {
		// Base paths are unique by construction
		_ = reg.register(&base[i])
	}

	return reg
}

func endpointKey(ep *core.Endpoint) string {
	return fmt.Sprintf("%s:%s", ep.Method, ep.Path)
}

// register adds a single endpoint to the registry with conflict detection.
// Returns error if an endpoint with the same METHOD:PATH already exists.
func (r *EndpointRegistry) register(ep *core.Endpoint) error {
	key := endpointKey(ep)

	if _, exists := r.endpoints[key]; exists {
		return fmt.Errorf("endpoint conflict: %s %s already registered", ep.Method, ep.Path)
	}

	r.endpoints[key] = ep
	return nil
}

// RegisterPlugin registers additional plugin endpoints to the registry.
// Returns error if any plugin endpoint conflicts with existing endpoints
// or with other plugin endpoints in the same batch.
//
// If an error occurs, no endpoints from the plugin are registered.
func (r *EndpointRegistry) RegisterPlugin(endpoints []core.Endpoint) error {
	seen := make(map[string]bool, len(endpoints))
	for i := range endpoints {
		key := endpointKey(&endpoints[i])

		if _, exists := r.endpoints[key]; exists {
			return fmt.Errorf("plugin endpoint conflict: %s %s already registered", endpoints[i].Method, endpoints[i].Path)
		}
		if seen[key] {
			return fmt.Errorf("plugin contains duplicate endpoint: %s %s", endpoints[i].Method, endpoints[i].Path)
		}
		seen[key] = true
	}

	for i := range endpoints {
		ep := endpoints[i]
		r.endpoints[endpointKey(&ep)] = &ep
	}

	return nil
}

// Endpoints returns all registered endpoints ordered by path, then method.
func (r *EndpointRegistry) Endpoints() []*core.Endpoint {
	result := make([]*core.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		result = append(result, ep)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Method < result[j].Method
	})
	return result
}
