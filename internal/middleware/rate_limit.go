package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/services"
)

// RateLimit rejects callers over their budget with 403.
// Authenticated requests are keyed by customer, anonymous ones by client IP.
func RateLimit(limiter services.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}

			key := "ip:" + c.RealIP()
			if customer, ok := CustomerFromContext(c); ok {
				key = fmt.Sprintf("customer:%d", customer.ID)
			}

			if !limiter.Allow(c.Request().Context(), key) {
				return echo.NewHTTPError(http.StatusForbidden, "too many requests, please retry shortly")
			}
			return next(c)
		}
	}
}
