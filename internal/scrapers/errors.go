package scrapers

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
)

// ErrUnknownBackend is returned for backend names that are not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Kind classifies upstream failures.
type Kind int

const (
	KindOther Kind = iota
	KindInvalidInput
	KindAuthentication
	KindRateLimited
	KindServer
	KindNoData
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server_error"
	case KindNoData:
		return "no_data"
	default:
		return "other"
	}
}

// Error is a classified failure reported by a backend.
type Error struct {
	Backend    string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return e.Backend + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(backend string, kind Kind, err error) *Error {
	return &Error{Backend: backend, Kind: kind, Err: err}
}

// KindOf returns the kind of a backend error, KindOther for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return KindInvalidInput
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthentication
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound, code == http.StatusNoContent:
		return KindNoData
	case code >= 500:
		return KindServer
	}
	return KindOther
}
