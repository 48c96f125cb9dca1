package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a failure.
type ErrorType string

const (
	// Playback pipeline errors.
	ErrorTypeOpen              ErrorType = "OPEN_ERROR"
	ErrorTypeIO                ErrorType = "IO_ERROR"
	ErrorTypeSeek              ErrorType = "SEEK_ERROR"
	ErrorTypeFormat            ErrorType = "FORMAT_ERROR"
	ErrorTypeDemux             ErrorType = "DEMUX_ERROR"
	ErrorTypeUnsupportedFormat ErrorType = "UNSUPPORTED_FORMAT"
	ErrorTypeDecode            ErrorType = "DECODE_ERROR"
	ErrorTypeNavigation        ErrorType = "NAVIGATION_ERROR"
	ErrorTypeConfig            ErrorType = "CONFIG_ERROR"

	// Control API errors.
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
)

// Stage names the pipeline stage an error originated in.
type Stage string

const (
	StageInput      Stage = "input"
	StageDemux      Stage = "demux"
	StageDecode     Stage = "decode"
	StageRender     Stage = "render"
	StageNavigation Stage = "navigation"
	StagePlayer     Stage = "player"
)

// AppError is an error with a type, the failing stage and optional context.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Stage     Stage                  `json:"stage,omitempty"`
	Message   string                 `json:"message"`
	Transient bool                   `json:"transient,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *AppError) Error() string {
	prefix := string(e.Type)
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Type, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails merges details into the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithStage sets the failing stage unless one is already recorded.
func (e *AppError) WithStage(stage Stage) *AppError {
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// HTTPStatus maps the error type onto a response status for the control API.
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeConfig:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeOpen:
		return http.StatusBadGateway
	case ErrorTypeSeek, ErrorTypeFormat, ErrorTypeUnsupportedFormat:
		return http.StatusUnprocessableEntity
	case ErrorTypeIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError without a cause.
func New(errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message}
}

// Wrap creates an AppError around err.
func Wrap(err error, errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message, Err: err}
}

func NewOpenError(locator string, err error) *AppError {
	return Wrap(err, ErrorTypeOpen, "cannot open input").
		WithStage(StageInput).
		WithDetails(map[string]interface{}{"locator": locator})
}

// NewIOError reports a read failure. Transient failures may be retried.
func NewIOError(err error, transient bool) *AppError {
	e := Wrap(err, ErrorTypeIO, "read failed").WithStage(StageInput)
	e.Transient = transient
	return e
}

func NewSeekError(message string, err error) *AppError {
	return Wrap(err, ErrorTypeSeek, message)
}

func NewFormatError(message string, err error) *AppError {
	return Wrap(err, ErrorTypeFormat, message).WithStage(StageDemux)
}

func NewDemuxError(message string, err error) *AppError {
	return Wrap(err, ErrorTypeDemux, message).WithStage(StageDemux)
}

func NewUnsupportedFormat(codec string) *AppError {
	return New(ErrorTypeUnsupportedFormat, fmt.Sprintf("codec %q is not supported", codec)).
		WithStage(StageDecode).
		WithDetails(map[string]interface{}{"codec": codec})
}

func NewDecodeError(message string, err error) *AppError {
	return Wrap(err, ErrorTypeDecode, message).WithStage(StageDecode)
}

func NewNavigationError(message string) *AppError {
	return New(ErrorTypeNavigation, message).WithStage(StageNavigation)
}

func NewConfigError(message string) *AppError {
	return New(ErrorTypeConfig, message)
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message)
}

// GetAppError finds the first AppError in err's chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err's chain holds an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Type == errType
}

// TypeOf returns the AppError type in err's chain, or INTERNAL_ERROR.
func TypeOf(err error) ErrorType {
	if appErr, ok := GetAppError(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Transient
}

// StageOf returns the stage recorded on err, or fallback.
func StageOf(err error, fallback Stage) Stage {
	if appErr, ok := GetAppError(err); ok && appErr.Stage != "" {
		return appErr.Stage
	}
	return fallback
}
