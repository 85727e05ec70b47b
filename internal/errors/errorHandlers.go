package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeBadRequest          ErrorType = "BAD_REQUEST"
	ErrorTypeUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrorTypePaymentRequired     ErrorType = "PAYMENT_REQUIRED"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypeConflict            ErrorType = "CONFLICT"
	ErrorTypePurchaseInvalid     ErrorType = "PURCHASE_INVALID"
	ErrorTypeAnalysisFailed      ErrorType = "ANALYSIS_FAILED"
	ErrorTypeServiceUnavailable  ErrorType = "SERVICE_UNAVAILABLE"
	ErrorTypeTooManyRequests     ErrorType = "TOO_MANY_REQUESTS"
	ErrorTypeInternalServerError ErrorType = "INTERNAL_SERVER_ERROR"
)

// CustomError carries an HTTP status and a client-safe message. Internal is
// only ever logged.
type CustomError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Internal   error
	// Detail is echoed to the client as "error" in place of the type object.
	Detail string
}

func (e *CustomError) Error() string {
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Internal
}

func newError(errType ErrorType, message string, statusCode int, internal error) *CustomError {
	return &CustomError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

func New400Error(message string) *CustomError {
	return newError(ErrorTypeBadRequest, message, http.StatusBadRequest, nil)
}

// New401Error creates an unauthorized error; an empty message uses the default.
func New401Error(message string) *CustomError {
	if message == "" {
		message = "Unauthorized access"
	}
	return newError(ErrorTypeUnauthorized, message, http.StatusUnauthorized, nil)
}

func New402Error(message string) *CustomError {
	return newError(ErrorTypePaymentRequired, message, http.StatusPaymentRequired, nil)
}

func New404Error(message string) *CustomError {
	return newError(ErrorTypeNotFound, message, http.StatusNotFound, nil)
}

func New409Error(message string) *CustomError {
	return newError(ErrorTypeConflict, message, http.StatusConflict, nil)
}

func New429Error() *CustomError {
	return newError(ErrorTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests, nil)
}

func NewPurchaseInvalidError(message string, internal error) *CustomError {
	return newError(ErrorTypePurchaseInvalid, message, http.StatusBadRequest, internal)
}

// NewAnalysisFailedError reports a failed analysis; the upstream message is
// returned to the client as the error detail.
func NewAnalysisFailedError(internal error) *CustomError {
	e := newError(ErrorTypeAnalysisFailed, "Analysis failed", http.StatusInternalServerError, internal)
	if internal != nil {
		e.Detail = internal.Error()
	}
	return e
}

func NewServiceUnavailableError(message string) *CustomError {
	return newError(ErrorTypeServiceUnavailable, message, http.StatusServiceUnavailable, nil)
}

func New500Error(internal error) *CustomError {
	return newError(ErrorTypeInternalServerError, "An unexpected error occurred", http.StatusInternalServerError, internal)
}

// HandleError writes err as a JSON error body and aborts the chain.
func HandleError(c *gin.Context, err error) {
	var customErr *CustomError
	if !stderrors.As(err, &customErr) {
		customErr = New500Error(err)
	}

	logger := zerolog.Ctx(c.Request.Context())
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	switch customErr.Type {
	case ErrorTypeInternalServerError, ErrorTypeAnalysisFailed:
		logger.Error().
			Err(customErr.Internal).
			Str("url", c.Request.URL.String()).
			Msg(customErr.Message)
	case ErrorTypePurchaseInvalid, ErrorTypeServiceUnavailable:
		logger.Warn().
			Err(customErr.Internal).
			Str("url", c.Request.URL.String()).
			Msg(customErr.Message)
	}

	body := gin.H{"message": customErr.Message}
	if customErr.Detail != "" {
		body["error"] = customErr.Detail
	} else {
		body["error"] = gin.H{
			"type":    customErr.Type,
			"message": customErr.Message,
		}
	}
	c.AbortWithStatusJSON(customErr.StatusCode, body)
}
