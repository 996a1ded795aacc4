// Package common provides shared utilities for Testflinger.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the taxonomy of error categories the server maps to HTTP status
// codes at the outermost handler wrapper.
type Kind int

const (
	KindUnhandled Kind = iota
	KindInputInvalid
	KindAuthMissing
	KindAuthForbidden
	KindNotFound
	KindConflict
	KindPayloadTooLarge
	KindUpstreamTimeout
	KindStoreUnavailable
)

// Error is a classified application error carrying its HTTP disposition.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string // field-level detail for KindInputInvalid
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInputInvalid:
		return http.StatusUnprocessableEntity
	case KindAuthMissing:
		return http.StatusUnauthorized
	case KindAuthForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindStoreUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, err: cause}
}

func InputInvalid(msg string) *Error       { return newErr(KindInputInvalid, msg, nil) }
func AuthMissing(msg string) *Error        { return newErr(KindAuthMissing, msg, nil) }
func AuthForbidden(msg string) *Error      { return newErr(KindAuthForbidden, msg, nil) }
func NotFound(msg string) *Error           { return newErr(KindNotFound, msg, nil) }
func Conflict(msg string) *Error           { return newErr(KindConflict, msg, nil) }
func PayloadTooLarge(msg string) *Error    { return newErr(KindPayloadTooLarge, msg, nil) }
func UpstreamTimeout(msg string) *Error    { return newErr(KindUpstreamTimeout, msg, nil) }
func StoreUnavailable(cause error) *Error  { return newErr(KindStoreUnavailable, "store unavailable", cause) }
func Unhandled(cause error) *Error         { return newErr(KindUnhandled, "internal server error", cause) }

// WithFields attaches field-level detail (e.g. inaccessible secret paths).
func (e *Error) WithFields(fields map[string]string) *Error {
	e.Fields = fields
	return e
}

// AsAppError extracts an *Error from err, classifying unrecognized errors
// as Unhandled so every code path has a status to respond with.
func AsAppError(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Unhandled(err)
}
