package chat

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Registry tracks background tasks whose lifetime is not tied to any
// request. A turn's generation and final flush keep running after the
// client disconnects; the registry lets process shutdown wait for them
// instead of killing half-written conversations.
type Registry struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRegistry creates a task registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Go runs fn in a tracked goroutine. Panics are recovered and logged so
// one bad turn cannot take down the process.
func (r *Registry) Go(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked",
					"task", name,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// Wait blocks until all tracked tasks finish or ctx expires. Returns
// ctx.Err() on timeout so shutdown can report abandoned work.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
