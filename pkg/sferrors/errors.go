// Package sferrors provides structured error handling for the Salesforce client
package sferrors

import (
	"errors"
	"fmt"
)

// Kind represents the category of a Salesforce client error
type Kind string

const (
	// KindAuthenticationFailed represents a failed login handshake
	KindAuthenticationFailed Kind = "authentication_failed"
	// KindExpiredSession represents a 401 on an authenticated call
	KindExpiredSession Kind = "expired_session"
	// KindMalformedRequest represents a 400 response
	KindMalformedRequest Kind = "malformed_request"
	// KindRefusedRequest represents a 403 response
	KindRefusedRequest Kind = "refused_request"
	// KindResourceNotFound represents a 404 response
	KindResourceNotFound Kind = "resource_not_found"
	// KindMoreThanOneRecord represents a 300 response on an external-id lookup
	KindMoreThanOneRecord Kind = "more_than_one_record"
	// KindGeneralError represents any other non-2xx response
	KindGeneralError Kind = "general_error"
	// KindBulkV2Load represents a terminal ingest job failure in the Bulk v2 pipeline
	KindBulkV2Load Kind = "bulk_v2_load"
	// KindBulkV2Extract represents a terminal query job failure in the Bulk v2 pipeline
	KindBulkV2Extract Kind = "bulk_v2_extract"
	// KindOperation represents a job or batch failure in the Bulk v1 pipeline
	KindOperation Kind = "operation"
	// KindTimeout represents a locally raised polling deadline expiry
	KindTimeout Kind = "timeout"
)

// Error is a structured Salesforce client error. Status, URL, Resource and
// Content are populated for errors classified from an HTTP response; Code is
// populated for authentication failures carrying an upstream error code.
type Error struct {
	Kind     Kind
	Message  string
	Code     string
	URL      string
	Status   int
	Resource string
	Content  string
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given kind and message
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and message. Returns nil when err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// AuthenticationFailed creates an authentication failure carrying the
// upstream error code and message.
func AuthenticationFailed(code, message string) *Error {
	return &Error{Kind: KindAuthenticationFailed, Code: code, Message: message}
}

// IsKind checks whether err (or anything it wraps) is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of err, or the empty string when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// statusKinds maps HTTP status codes to error kinds the way the REST API
// documents them. Anything not listed classifies as a general error.
var statusKinds = map[int]Kind{
	300: KindMoreThanOneRecord,
	400: KindMalformedRequest,
	401: KindExpiredSession,
	403: KindRefusedRequest,
	404: KindResourceNotFound,
}

// FromResponse classifies a non-2xx HTTP response into a typed error. The
// body is carried verbatim so callers can surface the upstream errorCode and
// message fields.
func FromResponse(status int, url, resource, body string) *Error {
	kind, ok := statusKinds[status]
	if !ok {
		kind = KindGeneralError
	}

	e := &Error{
		Kind:     kind,
		URL:      url,
		Status:   status,
		Resource: resource,
		Content:  body,
	}

	switch kind {
	case KindMoreThanOneRecord:
		e.Message = fmt.Sprintf("more than one record for %s. Response content: %s", url, body)
	case KindMalformedRequest:
		e.Message = fmt.Sprintf("malformed request %s. Response content: %s", url, body)
	case KindExpiredSession:
		e.Message = fmt.Sprintf("expired session for %s. Response content: %s", url, body)
	case KindRefusedRequest:
		e.Message = fmt.Sprintf("request refused for %s. Response content: %s", url, body)
	case KindResourceNotFound:
		e.Message = fmt.Sprintf("resource %s not found. Response content: %s", resource, body)
	default:
		e.Message = fmt.Sprintf("error code %d. Response content: %s", status, body)
	}

	return e
}
