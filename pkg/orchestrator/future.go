package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aleka07/twinclient/pkg/model"
)

// Handler runs a direct method and returns its eventual result.
// Handlers run on the event loop: anything that may wait belongs in an Async handler.
type Handler func(ctx context.Context, payload json.RawMessage) *Future

// Methods is the direct-method registration table, keyed by method name.
type Methods map[string]Handler

// HandlerFunc is the plain shape of a direct method.
// A nil payload with a nil error answers "accepted, no payload".
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Future is the result of a direct method that may still be running.
type Future struct {
	done   chan struct{}
	result model.MethodResult
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Ready returns an already completed Future.
func Ready(payload json.RawMessage, err error) *Future {
	f := newFuture()
	f.complete(payload, err)
	return f
}

func (f *Future) complete(payload json.RawMessage, err error) {
	f.result = model.MethodResult{Payload: payload, Err: err}
	close(f.done)
}

// Poll returns the result if it is available right now, without waiting.
func (f *Future) Poll() (model.MethodResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return model.MethodResult{}, false
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (model.MethodResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return model.MethodResult{}, ctx.Err()
	}
}

// Sync adapts fn into a Handler that completes before returning.
func Sync(fn HandlerFunc) Handler {
	return func(ctx context.Context, payload json.RawMessage) *Future {
		f := newFuture()
		f.complete(call(ctx, fn, payload))
		return f
	}
}

// Async adapts fn into a Handler that runs on its own goroutine.
func Async(fn HandlerFunc) Handler {
	return func(ctx context.Context, payload json.RawMessage) *Future {
		f := newFuture()
		go func() {
			f.complete(call(ctx, fn, payload))
		}()
		return f
	}
}

func call(ctx context.Context, fn HandlerFunc, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("direct method panicked: %v", r)
		}
	}()
	return fn(ctx, payload)
}
