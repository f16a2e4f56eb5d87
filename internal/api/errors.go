package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers requests that never got a usable answer: transport
	// failures, timeouts and non-2xx statuses other than 401.
	ErrNetwork = errors.New("network failure")
	// ErrMalformedResponse means the backend answered with a payload of an
	// unexpected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrAuthExpired is returned for 401 responses, and for every later call
	// made with the same token.
	ErrAuthExpired = errors.New("authentication expired")
)

type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": request failed"
}

func (e *RequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNetwork, e.Err}
	}
	return []error{ErrNetwork}
}
