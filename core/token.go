package core

import (
	"net/http"
	"strings"
)

const (
	SessionCookieName = "vibekit_session"

	bearerPrefix = "Bearer "
)

// TokenSource is the slice of an HTTP request needed to find a session
// token. HTTP adapters implement it for their framework.
type TokenSource interface {
	Header(name string) string
	Cookie(name string) string
}

// ExtractToken checks the Authorization header (Bearer token) first, then
// falls back to the session cookie.
func ExtractToken(src TokenSource) string {
	if src == nil {
		return ""
	}

	authHeader := src.Header("Authorization")
	if len(authHeader) > len(bearerPrefix) && strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(authHeader[len(bearerPrefix):])
	}

	return src.Cookie(SessionCookieName)
}

type requestTokenSource struct {
	r *http.Request
}

// RequestTokenSource adapts a net/http request.
func RequestTokenSource(r *http.Request) TokenSource {
	return requestTokenSource{r: r}
}

func (s requestTokenSource) Header(name string) string {
	return s.r.Header.Get(name)
}

func (s requestTokenSource) Cookie(name string) string {
	c, err := s.r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
