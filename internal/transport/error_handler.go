// Package transport maps domain errors onto the HTTP surface: stable error
// codes, status mapping, and Retry-After hints.
package transport

import (
	"errors"
	"fmt"
	"math"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/governor"
)

// ErrorBody is the JSON error envelope returned for every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusForError maps a sentinel-wrapped domain error to its HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, domain.ErrBudgetExceeded):
		return fiber.StatusPaymentRequired
	case errors.Is(err, domain.ErrProviderUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTemplateNotFound):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the app-level fiber error handler. Domain sentinels become
// their stable codes; rate-limit denials additionally carry a Retry-After
// header.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		status := StatusForError(err)
		code := string(domain.CodeForError(err))
		message := err.Error()

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			code = string(domain.CodeValidation)
			if status >= fiber.StatusInternalServerError {
				code = string(domain.CodeInternal)
			}
			message = fiberErr.Message
		}

		var rateDenial *governor.RateLimitDenial
		if errors.As(err, &rateDenial) && rateDenial.RetryAfter > 0 {
			seconds := int(math.Ceil(rateDenial.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", seconds))
		}

		if status >= fiber.StatusInternalServerError {
			// Internal details stay in the logs, not the response body.
			logger.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err),
			)
			message = "internal error"
		} else {
			logger.Debug("request rejected",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.String("code", code),
			)
		}

		return c.Status(status).JSON(fiber.Map{
			"error": ErrorBody{Code: code, Message: message},
		})
	}
}
