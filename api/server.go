package api

import (
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mailpipe/health"
	"mailpipe/internal/config"
)

// Options configures the REST server.
type Options struct {
	// AllowNetworks limits callers by source address; empty allows all.
	AllowNetworks []*net.IPNet
	// Registerer receives the HTTP metrics. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Checks back GET /healthz.
	Checks []health.Check
}

// NewServer builds the echo instance serving /v1/email and /healthz.
func NewServer(svc EmailService, log zerolog.Logger, opts Options) *echo.Echo {
	log = log.With().Str("component", "api").Logger()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	server := echo.New()
	server.HideBanner = true
	server.HidePort = true
	server.HTTPErrorHandler = errorHandler(log)

	server.Use(middleware.Recover())
	server.Use(middleware.BodyLimit("10M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	server.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "mailpipe",
		Registerer: opts.Registerer,
	}))
	server.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("Request")
			return nil
		},
	}))
	server.Use(allowNetworks(opts.AllowNetworks))

	health.Register(server, opts.Checks...)

	server.POST("/v1/email", SendEmail(svc))
	server.GET("/v1/email", ListEmails(svc))
	server.GET("/v1/email/:uuid", GetEmail(svc))
	server.DELETE("/v1/email/:uuid", DeleteEmail(svc))

	return server
}

// allowNetworks rejects callers outside nets with 403.
func allowNetworks(nets []*net.IPNet) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(nets) == 0 {
				return next(c)
			}
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			if !config.Allowed(nets, net.ParseIP(host)) {
				return echo.NewHTTPError(http.StatusForbidden, "address not allowed")
			}
			return next(c)
		}
	}
}
