package fiber

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/vibekit/identity/core"
)

type emailInput struct {
	Email string `json:"email"`
}

type verifyCodeInput struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type signInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type magicLinkInput struct {
	Email       string `json:"email"`
	RedirectURI string `json:"redirectUri"`
}

type verifyMagicLinkInput struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type resetPasswordInput struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type magicLinkResult struct {
	*core.AuthResult
	RedirectURI string `json:"redirectUri,omitempty"`
}

var success = fiber.Map{"success": true}

func (a *Adapter) handleSendCode(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input emailInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		if err := h.SendCode(c.Context(), input.Email); err != nil {
			return handleAuthError(c, err)
		}
		return c.JSON(success)
	}
}

func (a *Adapter) handleVerifyCode(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input verifyCodeInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		result, err := h.VerifyCode(c.Context(), input.Email, input.Code, sessionMeta(c))
		if err != nil {
			return handleAuthError(c, err)
		}

		a.setSessionCookie(c, result)
		return c.JSON(result)
	}
}

func (a *Adapter) handleSignUp(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input core.SignUpInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		result, err := h.SignUp(c.Context(), input, sessionMeta(c))
		if err != nil {
			return handleAuthError(c, err)
		}

		a.setSessionCookie(c, result)
		return c.Status(http.StatusCreated).JSON(result)
	}
}

func (a *Adapter) handleSignIn(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input signInInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		result, err := h.SignIn(c.Context(), input.Email, input.Password, sessionMeta(c))
		if err != nil {
			return handleAuthError(c, err)
		}

		a.setSessionCookie(c, result)
		return c.JSON(result)
	}
}

func (a *Adapter) handleSignOut(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := core.ExtractToken(TokenSource(c))
		if err := h.Logout(c.Context(), token); err != nil {
			return handleAuthError(c, err)
		}

		a.clearSessionCookie(c)
		return c.JSON(success)
	}
}

func (a *Adapter) handleGetSession(core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		return c.JSON(core.SessionData{User: User(c), Session: Session(c)})
	}
}

func (a *Adapter) handleListSessions(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		sessions, err := h.ListSessions(c.Context(), User(c).ID, Session(c).ID)
		if err != nil {
			return handleAuthError(c, err)
		}
		return c.JSON(fiber.Map{"sessions": sessions})
	}
}

func (a *Adapter) handleRevokeSession(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Params("id")
		if id == "" {
			return invalidBody(c)
		}

		if err := h.RevokeSession(c.Context(), User(c).ID, id); err != nil {
			return handleAuthError(c, err)
		}
		if id == Session(c).ID {
			a.clearSessionCookie(c)
		}
		return c.JSON(success)
	}
}

func (a *Adapter) handleSendMagicLink(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input magicLinkInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		if err := h.SendMagicLink(c.Context(), input.Email, input.RedirectURI); err != nil {
			return handleAuthError(c, err)
		}
		return c.JSON(success)
	}
}

func (a *Adapter) handleVerifyMagicLink(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input verifyMagicLinkInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		result, redirectURI, err := h.VerifyMagicLink(c.Context(), input.Email, input.Token, sessionMeta(c))
		if err != nil {
			return handleAuthError(c, err)
		}

		a.setSessionCookie(c, result)
		return c.JSON(magicLinkResult{AuthResult: result, RedirectURI: redirectURI})
	}
}

func (a *Adapter) handleRequestPasswordReset(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input emailInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		// Answers the same whether or not the address has an account
		if err := h.RequestPasswordReset(c.Context(), input.Email); err != nil {
			return handleAuthError(c, err)
		}
		return c.JSON(success)
	}
}

func (a *Adapter) handleResetPassword(h core.AuthHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input resetPasswordInput
		if err := c.Bind().Body(&input); err != nil {
			return invalidBody(c)
		}

		if err := h.ResetPassword(c.Context(), input.Token, input.Password); err != nil {
			return handleAuthError(c, err)
		}
		return c.JSON(success)
	}
}

func sessionMeta(c fiber.Ctx) core.SessionMeta {
	return core.SessionMeta{
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	}
}

func (a *Adapter) setSessionCookie(c fiber.Ctx, result *core.AuthResult) {
	c.Cookie(&fiber.Cookie{
		Name:     core.SessionCookieName,
		Value:    result.Token,
		Path:     "/",
		Expires:  result.Session.ExpiresAt,
		HTTPOnly: true,
		Secure:   a.secureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (a *Adapter) clearSessionCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     core.SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   a.secureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func invalidBody(c fiber.Ctx) error {
	return handleAuthError(c, core.ErrInvalidRequest.WithMessage("invalid request body"))
}

// handleAuthError writes err as an ErrorResponse. Untyped errors are
// reported as a bare 500 so internals never reach the client.
func handleAuthError(c fiber.Ctx, err error) error {
	var e *core.Error
	if errors.As(err, &e) {
		return c.Status(e.Status).JSON(core.ErrorResponse{Error: e.Message, Code: e.Code})
	}
	return c.Status(http.StatusInternalServerError).JSON(core.ErrorResponse{Error: "internal server error"})
}
