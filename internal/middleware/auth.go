package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/models"
	"coliving_app_echo/internal/services"
)

const (
	SessionCookieName = "session"

	ContextKeyCustomer = "customer"
	ContextKeyUserUID  = "userUID"
)

// SessionVerifier is satisfied by the Firebase auth client
type SessionVerifier interface {
	VerifySessionCookie(ctx context.Context, sessionCookie string) (*auth.Token, error)
}

type CustomerLookup interface {
	FindByFirebaseUID(ctx context.Context, uid string) (*models.Customer, error)
}

// RequireCustomer verifies the Firebase session cookie and loads the matching
// customer into the request context. API callers get JSON 401s, never redirects.
func RequireCustomer(verifier SessionVerifier, customers CustomerLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil || customers == nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "authentication not configured")
			}

			cookie, err := c.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "session required")
			}

			ctx := c.Request().Context()
			token, err := verifier.VerifySessionCookie(ctx, cookie.Value)
			if err != nil {
				c.SetCookie(&http.Cookie{
					Name:     SessionCookieName,
					Value:    "",
					MaxAge:   -1,
					HttpOnly: true,
					Path:     "/",
				})
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
			}

			customer, err := customers.FindByFirebaseUID(ctx, token.UID)
			if err != nil {
				if errors.Is(err, services.ErrCustomerNotFound) {
					return echo.NewHTTPError(http.StatusUnauthorized, "no customer account for this session")
				}
				slog.Error("Customer lookup failed", "uid", token.UID, "error", err)
				return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
			}

			c.Set(ContextKeyUserUID, token.UID)
			c.Set(ContextKeyCustomer, customer)
			return next(c)
		}
	}
}

// CustomerFromContext returns the customer stored by RequireCustomer
func CustomerFromContext(c echo.Context) (*models.Customer, bool) {
	customer, ok := c.Get(ContextKeyCustomer).(*models.Customer)
	return customer, ok && customer != nil
}
