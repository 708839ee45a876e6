package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WriteFunc performs one durable write of the current accumulated
// conversation state. It must snapshot that state itself; the flusher
// only decides when to call it.
type WriteFunc func(ctx context.Context) error

// Flusher debounces durable writes during a streaming turn: at most one
// write per interval, except forced flushes (completion, failure) which
// always write. A failed write is logged and swallowed; the next flush
// retries with the larger accumulated text, which is an idempotent
// overwrite.
//
// Flusher is safe for concurrent use.
type Flusher struct {
	ctx      context.Context
	interval time.Duration
	write    WriteFunc
	logger   *slog.Logger

	mu          sync.Mutex
	lastFlushAt time.Time
	inFlight    bool
	timer       *time.Timer

	// writeMu serializes the writes themselves so a slow write can
	// never be overtaken by a newer one that would leave stale text
	// durably stored.
	writeMu sync.Mutex
}

// NewFlusher creates a flusher. ctx outlives the request (the caller
// passes a detached context) so flushes still land after abandonment.
func NewFlusher(ctx context.Context, interval time.Duration, write WriteFunc, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		ctx:      ctx,
		interval: interval,
		write:    write,
		logger:   logger,
	}
}

// Request asks for a flush. Non-forced requests inside the debounce
// window schedule a single deferred retry; requests while a write is in
// flight are coalesced. A forced request always writes, synchronously,
// after any in-flight write finishes.
func (f *Flusher) Request(force bool) {
	if force {
		f.mu.Lock()
		f.stopTimerLocked()
		f.mu.Unlock()
		f.flush()
		return
	}

	f.mu.Lock()
	if remaining := f.interval - time.Since(f.lastFlushAt); remaining > 0 {
		if f.timer == nil {
			f.timer = time.AfterFunc(remaining, f.timerFired)
		}
		f.mu.Unlock()
		return
	}
	if f.inFlight {
		// The in-flight write's successor will pick up the newer text.
		f.mu.Unlock()
		return
	}
	f.inFlight = true
	f.mu.Unlock()

	f.flush()
}

// Stop cancels any pending deferred flush. Call after the final forced
// flush of a turn.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.stopTimerLocked()
	f.mu.Unlock()
}

func (f *Flusher) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// timerFired handles the deferred retry scheduled inside the debounce
// window.
func (f *Flusher) timerFired() {
	f.mu.Lock()
	f.timer = nil
	if f.inFlight {
		f.mu.Unlock()
		return
	}
	f.inFlight = true
	f.mu.Unlock()

	f.flush()
}

// flush performs one write. writeMu guarantees writes never overlap.
func (f *Flusher) flush() {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.write(f.ctx); err != nil {
		f.logger.Warn("conversation flush failed", "error", err)
	}

	f.mu.Lock()
	f.lastFlushAt = time.Now()
	f.inFlight = false
	f.mu.Unlock()
}
