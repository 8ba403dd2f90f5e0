package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/middleware"
)

const sessionLifetime = 5 * 24 * time.Hour

// SessionIssuer is satisfied by the Firebase auth client
type SessionIssuer interface {
	SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error)
}

// AuthHandler exchanges Firebase ID tokens for HTTP-only session cookies
type AuthHandler struct {
	issuer       SessionIssuer
	secureCookie bool
}

func NewAuthHandler(issuer SessionIssuer, secureCookie bool) *AuthHandler {
	return &AuthHandler{issuer: issuer, secureCookie: secureCookie}
}

// Login takes "Authorization: Bearer <idToken>" and sets the session cookie.
// SessionCookie verifies the ID token itself.
func (h *AuthHandler) Login(c echo.Context) error {
	if h.issuer == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "authentication not configured")
	}

	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	idToken := strings.TrimPrefix(authHeader, "Bearer ")
	if authHeader == "" || idToken == authHeader || idToken == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}

	cookieValue, err := h.issuer.SessionCookie(c.Request().Context(), idToken, sessionLifetime)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    cookieValue,
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *AuthHandler) Logout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}
