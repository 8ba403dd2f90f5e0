package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// JSONErrorHandler renders every error as {"success": false, "error": "..."}.
// Messages of 5xx errors are replaced so internals never leak to clients.
func JSONErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := ""

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		switch m := he.Message.(type) {
		case string:
			message = m
		case error:
			message = m.Error()
		case nil:
		default:
			message = fmt.Sprint(m)
		}
	}

	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
		if message == "" || message == http.StatusText(code) {
			message = "Something went wrong. Please try again later."
		}
	}
	if message == "" {
		message = http.StatusText(code)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, map[string]interface{}{
			"success": false,
			"error":   message,
		})
	}
	if writeErr != nil {
		c.Logger().Error(writeErr)
	}
}
