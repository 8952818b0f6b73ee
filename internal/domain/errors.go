package domain

import "errors"

// Sentinel errors for the dispatch core. Services wrap these with
// fmt.Errorf("%w: ...") so transports can map them to stable codes.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrRenderError         = errors.New("render error")
	ErrRetryExhausted      = errors.New("retry exhausted")
)

// ErrorCode is the stable machine-readable code surfaced to callers.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeTemplateNotFound    ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeRenderError         ErrorCode = "RENDER_ERROR"
	CodeRetryExhausted      ErrorCode = "RETRY_EXHAUSTED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeInternal            ErrorCode = "INTERNAL"
)

// CodeForError maps a sentinel-wrapped error to its stable code.
func CodeForError(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBudgetExceeded):
		return CodeBudgetExceeded
	case errors.Is(err, ErrProviderUnavailable):
		return CodeProviderUnavailable
	case errors.Is(err, ErrTemplateNotFound):
		return CodeTemplateNotFound
	case errors.Is(err, ErrRenderError):
		return CodeRenderError
	case errors.Is(err, ErrRetryExhausted):
		return CodeRetryExhausted
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}
