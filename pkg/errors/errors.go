package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a business error class on the wire. Codes are stable;
// clients switch on them.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotAuthenticated  ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeAuthentication    ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeProducerNotFound  ErrorCode = "PRODUCER_NOT_FOUND"
	ErrCodeTransportNotFound ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrCodeMessageNotFound   ErrorCode = "MESSAGE_NOT_FOUND"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeIncompatibleCaps  ErrorCode = "INCOMPATIBLE_CAPABILITIES"
	ErrCodeUpstream          ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeRateLimit         ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError is a business error carrying its wire code and, for HTTP surfaces,
// a status. Internals never leak: Message is what the client sees, Cause is
// what gets logged.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a structured detail visible to the client.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// Wrap keeps the cause for logs while presenting a clean message.
func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewValidationError(message string) *AppError {
	return New(ErrCodeValidation, message, http.StatusBadRequest)
}

func NewNotAuthenticatedError() *AppError {
	return New(ErrCodeNotAuthenticated, "authentication required", http.StatusUnauthorized)
}

func NewAuthenticationError(message string) *AppError {
	return New(ErrCodeAuthentication, message, http.StatusUnauthorized)
}

func NewRoomNotFoundError(roomID string) *AppError {
	return New(ErrCodeRoomNotFound, fmt.Sprintf("room %s not found", roomID), http.StatusNotFound)
}

func NewProducerNotFoundError(producerID string) *AppError {
	return New(ErrCodeProducerNotFound, fmt.Sprintf("producer %s not found", producerID), http.StatusNotFound)
}

func NewIncompatibleCapabilitiesError() *AppError {
	return New(ErrCodeIncompatibleCaps, "rtp capabilities incompatible with producer", http.StatusUnprocessableEntity)
}

func NewUpstreamUnavailableError(err error) *AppError {
	return Wrap(err, ErrCodeUpstream, "media relay unavailable", http.StatusBadGateway)
}

func NewInternalError() *AppError {
	return New(ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// GetAppError extracts an AppError from anywhere in the chain, nil otherwise.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
