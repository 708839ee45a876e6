package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillchat/quill/internal/log"
)

func TestFlusher_FirstRequestWritesImmediately(t *testing.T) {
	var writes atomic.Int32
	f := NewFlusher(context.Background(), time.Hour, func(context.Context) error {
		writes.Add(1)
		return nil
	}, log.NewNop())
	defer f.Stop()

	f.Request(false)
	if got := writes.Load(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestFlusher_DebounceWindow(t *testing.T) {
	const interval = 100 * time.Millisecond

	var writes atomic.Int32
	f := NewFlusher(context.Background(), interval, func(context.Context) error {
		writes.Add(1)
		return nil
	}, log.NewNop())
	defer f.Stop()

	f.Request(false) // immediate: debounce window starts now
	f.Request(false) // inside window: schedules the deferred retry
	f.Request(false) // inside window: coalesced into the same retry

	if got := writes.Load(); got != 1 {
		t.Fatalf("writes inside window = %d, want 1", got)
	}

	// The deferred retry must land no later than the debounce interval.
	deadline := time.Now().Add(interval + 500*time.Millisecond)
	for writes.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := writes.Load(); got != 2 {
		t.Errorf("writes after window = %d, want 2", got)
	}
}

func TestFlusher_ForcedWritesInsideWindow(t *testing.T) {
	var writes atomic.Int32
	f := NewFlusher(context.Background(), time.Hour, func(context.Context) error {
		writes.Add(1)
		return nil
	}, log.NewNop())
	defer f.Stop()

	f.Request(false)
	f.Request(true)
	if got := writes.Load(); got != 2 {
		t.Errorf("writes = %d, want 2 (forced must not debounce)", got)
	}
}

func TestFlusher_CoalescesWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var writes atomic.Int32

	// Zero interval disables debouncing so both requests reach the
	// in-flight check.
	f := NewFlusher(context.Background(), 0, func(context.Context) error {
		writes.Add(1)
		close(started)
		<-gate
		return nil
	}, log.NewNop())
	defer f.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Request(false)
	}()

	<-started
	f.Request(false) // in flight: must return without queueing a duplicate
	close(gate)
	wg.Wait()

	if got := writes.Load(); got != 1 {
		t.Errorf("writes = %d, want 1 (second request should coalesce)", got)
	}
}

func TestFlusher_WriteFailureSwallowed(t *testing.T) {
	var writes atomic.Int32
	f := NewFlusher(context.Background(), 0, func(context.Context) error {
		writes.Add(1)
		return errors.New("store unavailable")
	}, log.NewNop())
	defer f.Stop()

	f.Request(false)
	f.Request(true) // the retry happens on the next request, not inline

	if got := writes.Load(); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}
}

func TestFlusher_StopCancelsPendingRetry(t *testing.T) {
	var writes atomic.Int32
	f := NewFlusher(context.Background(), 30*time.Millisecond, func(context.Context) error {
		writes.Add(1)
		return nil
	}, log.NewNop())

	f.Request(false) // immediate
	f.Request(false) // schedules retry
	f.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := writes.Load(); got != 1 {
		t.Errorf("writes = %d, want 1 (Stop should cancel the pending retry)", got)
	}
}
