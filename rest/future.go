package rest

import (
	"context"
	"sync"
)

// Future is the eventual result of a submitted Command. It is resolved
// exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp *Response, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*Response, error) {
	return f.resp, f.err
}

// Wait blocks until the command resolves or ctx ends. Giving up on the wait
// does not cancel the command; cancel the context it was submitted with
// for that.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
