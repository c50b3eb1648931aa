package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Check is a dependency the service needs to be healthy.
type Check interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

const checkTimeout = 2 * time.Second

// Register adds GET /healthz to e. It answers "OK" when every check passes
// and 503 otherwise.
func Register(e *echo.Echo, checks ...Check) {
	e.GET("/healthz", Handler(checks...))
}

// Handler returns the /healthz handler.
func Handler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, "UNAVAILABLE")
			}
		}
		return c.String(http.StatusOK, "OK")
	}
}
