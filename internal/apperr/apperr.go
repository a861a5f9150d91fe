// Package apperr is the error taxonomy shared by every layer that can fail a
// request. Only Message and Fields are ever shown to callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindAuthentication      Kind = "UNAUTHENTICATED"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindUnsupportedProvider Kind = "UNSUPPORTED_PROVIDER"
	KindProviderInactive    Kind = "PROVIDER_INACTIVE"
	KindNotConfigured       Kind = "NOT_CONFIGURED"
	KindUpstream            Kind = "UPSTREAM"
	KindDecryption          Kind = "DECRYPTION"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInternal            Kind = "INTERNAL"
)

const (
	MsgUnauthorized = "unauthorized"
	MsgInternal     = "internal server error"
	MsgDecryption   = "stored provider credential is unreadable; configure the provider again"
)

type Error struct {
	Kind     Kind
	Op       string            // operation name, ex: "credentials.Activate"
	Message  string            // safe message
	Fields   map[string]string // field -> rule, validation only
	Provider string
	Status   int // upstream HTTP status, 0 when the call never got a response
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func ValidationFields(op, msg string, fields map[string]string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg, Fields: fields}
}

func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " not found"}
}

func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Message: MsgInternal, Err: err}
}

func UnsupportedProvider(op, provider string) error {
	return &Error{
		Kind:     KindUnsupportedProvider,
		Op:       op,
		Message:  fmt.Sprintf("unsupported provider %q", provider),
		Provider: provider,
	}
}

func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// passthroughStatuses are upstream statuses that describe the caller's own
// request and are safe to return as-is.
var passthroughStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusNotFound:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
	http.StatusTooManyRequests:       true,
}

func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation, KindUnsupportedProvider, KindProviderInactive, KindNotConfigured:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		if passthroughStatuses[ae.Status] {
			return ae.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what a caller may see for err.
func PublicMessage(err error) string {
	ae, ok := As(err)
	if !ok {
		return MsgInternal
	}
	switch ae.Kind {
	case KindAuthentication:
		return MsgUnauthorized
	case KindDecryption:
		return MsgDecryption
	case KindInternal:
		return MsgInternal
	}
	if ae.Message == "" {
		return http.StatusText(HTTPStatus(err))
	}
	return ae.Message
}
