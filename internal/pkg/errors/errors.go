package errors

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"
)

type Code string

const (
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeForbidden         Code = "FORBIDDEN"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	ErrCodeRejected          Code = "REJECTED"
	ErrCodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnavailable       Code = "STORE_UNAVAILABLE"
	ErrCodeInternal          Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	PublicMessage string
	// Business rejections travel as 200 with success=false; clients branch on the body.
	Business bool
}

var metadataByCode = map[Code]Metadata{
	ErrCodeInvalidInput:      {HTTPStatus: http.StatusBadRequest, PublicMessage: "Invalid request"},
	ErrCodeForbidden:         {HTTPStatus: http.StatusForbidden, PublicMessage: "Permission denied"},
	ErrCodeNotFound:          {HTTPStatus: http.StatusOK, PublicMessage: "Not found", Business: true},
	ErrCodeConflict:          {HTTPStatus: http.StatusOK, PublicMessage: "Already exists", Business: true},
	ErrCodeQuotaExceeded:     {HTTPStatus: http.StatusOK, PublicMessage: "Quota exceeded", Business: true},
	ErrCodeRejected:          {HTTPStatus: http.StatusOK, PublicMessage: "Rejected", Business: true},
	ErrCodeRateLimitExceeded: {HTTPStatus: http.StatusTooManyRequests, PublicMessage: "Rate limit exceeded"},
	ErrCodeUnavailable:       {HTTPStatus: http.StatusServiceUnavailable, PublicMessage: "Database connection failed"},
	ErrCodeInternal:          {HTTPStatus: http.StatusInternalServerError, PublicMessage: "Server error"},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[ErrCodeInternal]
}

// Error is the typed error carried from the engine packages to the transport.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.code) + ": " + e.message + ": " + e.cause.Error()
	}
	return string(e.code) + ": " + e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

func (e *Error) Message() string { return e.message }

func Invalid(message string) *Error   { return New(ErrCodeInvalidInput, message) }
func Forbidden(message string) *Error { return New(ErrCodeForbidden, message) }
func NotFound(message string) *Error  { return New(ErrCodeNotFound, message) }
func Conflict(message string) *Error  { return New(ErrCodeConflict, message) }
func Quota(message string) *Error     { return New(ErrCodeQuotaExceeded, message) }
func Rejected(message string) *Error  { return New(ErrCodeRejected, message) }

func Unavailable(err error) *Error {
	return Wrap(ErrCodeUnavailable, err, metadataByCode[ErrCodeUnavailable].PublicMessage)
}

func Internal(err error, message string) *Error {
	return Wrap(ErrCodeInternal, err, message)
}

// As extracts the typed error from err's chain.
func As(err error) *Error {
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf reports the code of err, INTERNAL_ERROR for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.code
	}
	return ErrCodeInternal
}

func IsBusiness(err error) bool {
	return MetadataFor(CodeOf(err)).Business
}

type ErrorResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    Code        `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// Describe maps err to its HTTP status and response body. Internal errors
// never leak their cause.
func Describe(err error) (int, ErrorResponse) {
	typed := As(err)
	if typed == nil {
		typed = Internal(err, "")
	}
	meta := MetadataFor(typed.code)

	message := typed.message
	if typed.code == ErrCodeInternal || message == "" {
		message = meta.PublicMessage
	}

	return meta.HTTPStatus, ErrorResponse{
		Success: false,
		Message: message,
		Code:    typed.code,
	}
}

func WriteError(w http.ResponseWriter, status int, code Code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Message: message,
		Code:    code,
		Details: details,
	})
}

// Write renders err through Describe.
func Write(w http.ResponseWriter, err error) {
	status, body := Describe(err)
	WriteError(w, status, body.Code, body.Message, nil)
}
