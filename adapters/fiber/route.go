package fiber

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/services"
)

type handlerFactory func(*Adapter, core.AuthHandler) fiber.Handler

// Handlers for the base endpoints, keyed by operation ID.
var baseHandlers = map[string]handlerFactory{
	services.OpSendCode:             (*Adapter).handleSendCode,
	services.OpVerifyCode:           (*Adapter).handleVerifyCode,
	services.OpSignUp:               (*Adapter).handleSignUp,
	services.OpSignIn:               (*Adapter).handleSignIn,
	services.OpSignOut:              (*Adapter).handleSignOut,
	services.OpGetSession:           (*Adapter).handleGetSession,
	services.OpListSessions:         (*Adapter).handleListSessions,
	services.OpRevokeSession:        (*Adapter).handleRevokeSession,
	services.OpSendMagicLink:        (*Adapter).handleSendMagicLink,
	services.OpVerifyMagicLink:      (*Adapter).handleVerifyMagicLink,
	services.OpRequestPasswordReset: (*Adapter).handleRequestPasswordReset,
	services.OpResetPassword:        (*Adapter).handleResetPassword,
}

type Adapter struct {
	app           *fiber.App
	secureCookies bool
	custom        map[string]fiber.Handler
}

var _ core.HTTPAdapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithSecureCookies marks the session cookie Secure. Enable it behind HTTPS.
func WithSecureCookies(secure bool) Option {
	return func(a *Adapter) { a.secureCookies = secure }
}

func New(app *fiber.App, opts ...Option) *Adapter {
	a := &Adapter{app: app, custom: make(map[string]fiber.Handler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind attaches h to a plugin operation ID, or replaces the handler of a
// base operation. It must be called before RegisterRoutes.
func (a *Adapter) Bind(operationID string, h fiber.Handler) {
	a.custom[operationID] = h
}

// RegisterRoutes mounts every endpoint under basePath. Protected endpoints
// run behind the session middleware.
func (a *Adapter) RegisterRoutes(handler core.AuthHandler, endpoints []*core.Endpoint, basePath string) error {
	api := a.app.Group(basePath)
	protected := Protected(handler)

	for _, ep := range endpoints {
		h, err := a.handlerFor(handler, ep.Metadata.OperationID)
		if err != nil {
			return err
		}

		chain := []any{h}
		if ep.Protected {
			chain = []any{protected, h}
		}

		switch ep.Method {
		case http.MethodGet:
			api.Get(ep.Path, chain[0], chain[1:]...)
		case http.MethodPost:
			api.Post(ep.Path, chain[0], chain[1:]...)
		case http.MethodPut:
			api.Put(ep.Path, chain[0], chain[1:]...)
		case http.MethodPatch:
			api.Patch(ep.Path, chain[0], chain[1:]...)
		case http.MethodDelete:
			api.Delete(ep.Path, chain[0], chain[1:]...)
		default:
			return fmt.Errorf("unsupported method %s for %s", ep.Method, ep.Path)
		}
	}

	return nil
}

func (a *Adapter) handlerFor(handler core.AuthHandler, operationID string) (fiber.Handler, error) {
	if h, ok := a.custom[operationID]; ok {
		return h, nil
	}

	if factory, ok := baseHandlers[operationID]; ok {
		return factory(a, handler), nil
	}
	return nil, fmt.Errorf("no handler bound for operation %q", operationID)
}
