package rest

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled resolves commands whose context ended before a usable
	// response arrived, and every pending command at shutdown.
	ErrCanceled = errors.New("rest: command canceled")
	// ErrClosed is joined with ErrCanceled for commands dropped by Close.
	ErrClosed = errors.New("rest: limiter closed")
)

// HTTPError is a terminal REST failure: any 4xx other than 429, or a 5xx
// that was still failing after the last attempt.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: %s %s: %d %s (code %d)", e.Method, e.Path, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func newHTTPError(cmd *Command, resp *Response) *HTTPError {
	e := &HTTPError{
		Method:     cmd.Method,
		Path:       cmd.Path,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &body) == nil {
		e.Code = body.Code
		e.Message = body.Message
	}
	return e
}

func canceled(cause error) error {
	if cause == nil {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}
