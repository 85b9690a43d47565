package hat

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the SDK.
var (
	// ErrConfiguration reports a missing namespace, endpoint, or record id.
	// It is returned before any network call is made.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuth reports a token fetch or verification failure.
	ErrAuth = errors.New("authentication failed")

	// ErrResponse is the base error for all non-2xx responses.
	ErrResponse = errors.New("request failed")

	ErrGet    = errors.New("GET request failed")
	ErrPost   = errors.New("POST request failed")
	ErrPut    = errors.New("PUT request failed")
	ErrDelete = errors.New("DELETE request failed")
)

// RequestError reports a non-2xx response. It matches ErrResponse and the
// sentinel for its method (ErrGet, ErrPost, ErrPut, or ErrDelete) under
// errors.Is.
type RequestError struct {
	Method string
	URL    string
	Status int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

// Is matches ErrResponse and the per-method sentinel.
func (e *RequestError) Is(target error) bool {
	if target == ErrResponse {
		return true
	}
	switch e.Method {
	case http.MethodGet:
		return target == ErrGet
	case http.MethodPost:
		return target == ErrPost
	case http.MethodPut:
		return target == ErrPut
	case http.MethodDelete:
		return target == ErrDelete
	}
	return false
}

// DecodeError reports a response record that does not parse into the
// requested shape. Index identifies the offending record.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
