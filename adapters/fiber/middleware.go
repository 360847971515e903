package fiber

import (
	"github.com/gofiber/fiber/v3"

	"github.com/vibekit/identity/core"
)

// Locals keys set by Protected.
const (
	LocalsUser    = "user"
	LocalsSession = "session"
)

type tokenSource struct {
	c fiber.Ctx
}

// TokenSource exposes the request headers and cookies of c to
// core.ExtractToken.
func TokenSource(c fiber.Ctx) core.TokenSource {
	return tokenSource{c: c}
}

func (s tokenSource) Header(name string) string { return s.c.Get(name) }
func (s tokenSource) Cookie(name string) string { return s.c.Cookies(name) }

// Protected validates the bearer token or session cookie and stores the
// user and session in the context for downstream handlers.
func Protected(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := core.ExtractToken(TokenSource(c))
		if token == "" {
			return handleAuthError(c, core.ErrUnauthorized)
		}

		data, err := h.GetSession(c.Context(), token)
		if err != nil {
			return handleAuthError(c, err)
		}

		c.Locals(LocalsUser, data.User)
		c.Locals(LocalsSession, data.Session)

		return c.Next()
	}
}

// User returns the user stored by Protected, or nil.
func User(c fiber.Ctx) *core.User {
	u, _ := c.Locals(LocalsUser).(*core.User)
	return u
}

// Session returns the session stored by Protected, or nil.
func Session(c fiber.Ctx) *core.Session {
	s, _ := c.Locals(LocalsSession).(*core.Session)
	return s
}
