package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"mailpipe/internal/message"
	"mailpipe/storage"
)

// Default page for GET /v1/email.
const (
	DefaultLimit = 1000
	MaxLimit     = 10000
)

// EmailService is what the handlers need from Service.
type EmailService interface {
	Create(ctx context.Context, r SendRequest) (*message.Message, error)
	Get(ctx context.Context, id string) (*message.Message, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]string, error)
}

// SendEmail handles POST /v1/email.
func SendEmail(svc EmailService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req SendRequest
		dec := json.NewDecoder(c.Request().Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body").SetInternal(err)
		}
		m, err := svc.Create(c.Request().Context(), req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, m)
	}
}

// GetEmail handles GET /v1/email/:uuid.
func GetEmail(svc EmailService) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, err := svc.Get(c.Request().Context(), c.Param("uuid"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, m)
	}
}

// DeleteEmail handles DELETE /v1/email/:uuid.
func DeleteEmail(svc EmailService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.Delete(c.Request().Context(), c.Param("uuid")); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	}
}

// ListEmails handles GET /v1/email?limit=&offset=.
func ListEmails(svc EmailService) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := DefaultLimit, 0
		if err := echo.QueryParamsBinder(c).
			Int("limit", &limit).
			Int("offset", &offset).
			BindError(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit and offset must be integers").SetInternal(err)
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
		ids, err := svc.List(c.Request().Context(), limit, offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ids)
	}
}

// errorHandler maps domain errors onto status codes and JSON bodies.
func errorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)

		var herr *echo.HTTPError
		switch {
		case errors.As(err, &herr):
			code = herr.Code
			if s, ok := herr.Message.(string); ok {
				msg = s
			} else {
				msg = http.StatusText(code)
			}
		case errors.Is(err, ErrInvalidRequest):
			code, msg = http.StatusBadRequest, err.Error()
		case errors.Is(err, storage.ErrNotFound):
			code, msg = http.StatusNotFound, "email not found"
		case errors.Is(err, ErrConflict):
			code, msg = http.StatusConflict, ErrConflict.Error()
		}

		if code >= http.StatusInternalServerError {
			log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, map[string]string{"message": msg})
		}
		if werr != nil {
			log.Error().Err(werr).Msg("Failed to write error response")
		}
	}
}
