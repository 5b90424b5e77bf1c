package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

// statusFor maps domain errors to an HTTP status and a taxonomy kind.
func statusFor(err error) (int, string) {
	var pe *embeddings.ProviderError
	switch {
	case errors.Is(err, thought.ErrInvalidTenant),
		errors.Is(err, dedup.ErrEmptyContent),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrInvalidRequest):
		return http.StatusBadRequest, "malformed_input"
	case errors.Is(err, dedup.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge, "malformed_input"
	case errors.Is(err, eventlog.ErrGroupNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &pe):
		switch pe.Kind {
		case embeddings.RateLimited:
			return http.StatusTooManyRequests, "provider_rejection"
		case embeddings.Timeout:
			return http.StatusGatewayTimeout, "transient_infra"
		case embeddings.InvalidInput:
			return http.StatusUnprocessableEntity, "provider_rejection"
		default:
			return http.StatusBadGateway, "transient_infra"
		}
	case errors.Is(err, vectorstore.ErrIsolationViolation):
		return http.StatusInternalServerError, "isolation_violation"
	case errors.Is(err, dedup.ErrStorageUnavailable),
		errors.Is(err, eventlog.ErrUnavailable),
		errors.Is(err, vectorstore.ErrUnavailable):
		return http.StatusServiceUnavailable, "transient_infra"
	default:
		return http.StatusInternalServerError, ""
	}
}

// errorHandler renders every error as an ErrorResponse.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok {
				msg = m
			}
			_ = c.JSON(he.Code, ErrorResponse{Error: msg})
			return
		}

		status, kind := statusFor(err)
		if status >= http.StatusInternalServerError {
			logging.For(c.Request().Context(), logger).Error("request failed",
				zap.String("route", c.Path()),
				zap.String("taxonomy", kind),
				zap.Error(err))
		}
		var pe *embeddings.ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
		}
		_ = c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
	}
}
