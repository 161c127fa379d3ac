package rest

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Command is one logical REST call travelling through the Limiter.
type Command struct {
	ID       string
	Method   string
	Path     string
	Route    string
	Body     []byte
	Header   http.Header
	Priority bool

	// Attempts counts sends; failures counts the 5xx and transport errors
	// among them, which is what MaxAttempts bounds.
	Attempts int
	failures int
	// retrying marks a command sent at least once and queued again.
	retrying bool

	ctx     context.Context
	future  *Future
	cleanup []func()
}

// NewCommand builds a command bound to ctx. Its route key is derived from
// method and path.
func NewCommand(ctx context.Context, method, path string, body []byte, opts ...CommandOpt) *Command {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := &Command{
		ID:     uuid.NewString(),
		Method: method,
		Path:   path,
		Route:  RouteKey(method, path),
		Body:   body,
		Header: http.Header{},
		ctx:    ctx,
		future: newFuture(),
	}
	for _, opt := range opts {
		opt(cmd)
	}
	return cmd
}

// Context returns the context the command was created with, including any
// deadline added by WithDeadline.
func (c *Command) Context() context.Context {
	return c.ctx
}

func (c *Command) Future() *Future {
	return c.future
}

func (c *Command) finish(resp *Response, err error) bool {
	if !c.future.resolve(resp, err) {
		return false
	}
	for _, fn := range c.cleanup {
		fn()
	}
	return true
}

func (c *Command) request() *Request {
	return &Request{
		Method: c.Method,
		Path:   c.Path,
		Header: c.Header.Clone(),
		Body:   c.Body,
	}
}

type CommandOpt func(cmd *Command)

// WithPriority lets the command jump ahead of non-priority commands queued
// on the same bucket. It never overtakes the request already in flight.
func WithPriority() CommandOpt {
	return func(cmd *Command) {
		cmd.Priority = true
	}
}

// WithReason sets the audit log reason for moderation calls.
func WithReason(reason string) CommandOpt {
	return func(cmd *Command) {
		cmd.Header.Set(headerReason, url.PathEscape(reason))
	}
}

func WithHeader(key, value string) CommandOpt {
	return func(cmd *Command) {
		cmd.Header.Set(key, value)
	}
}

// WithDeadline bounds how long the command may stay queued or retrying.
func WithDeadline(deadline time.Time) CommandOpt {
	return func(cmd *Command) {
		ctx, cancel := context.WithDeadline(cmd.ctx, deadline)
		cmd.ctx = ctx
		cmd.cleanup = append(cmd.cleanup, cancel)
	}
}
