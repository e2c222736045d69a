package api

import (
	"errors"
	"fmt"
)

// ErrNotOK is returned when the server answers 2xx with {"ok": false}.
var ErrNotOK = errors.New("server rejected the request")

// StatusError is a non-2xx response. Callers can use errors.As to inspect it.
type StatusError struct {
	Method string
	Path   string
	Code   int
	// Body is the raw response body, truncated to a readable size.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
