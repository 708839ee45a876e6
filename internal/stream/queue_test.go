package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quillchat/quill/internal/conversation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()

	const n = 100
	for i := range n {
		q.Push(DeltaFrame(fmt.Sprintf("frame-%d", i)))
	}

	ctx := context.Background()
	for i := range n {
		f, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("Next() ok = false at frame %d", i)
		}
		if want := fmt.Sprintf("frame-%d", i); f.Text != want {
			t.Fatalf("Next() text = %q, want %q", f.Text, want)
		}
	}
}

func TestQueue_NextBlocksUntilPush(t *testing.T) {
	q := NewQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(DeltaFrame("late"))
	}()

	start := time.Now()
	f, ok := q.Next(context.Background())
	if !ok {
		t.Fatal("Next() ok = false, want frame")
	}
	if f.Text != "late" {
		t.Errorf("Next() text = %q, want %q", f.Text, "late")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Next() returned before the producer pushed")
	}
}

func TestQueue_PushAfterStopDropped(t *testing.T) {
	q := NewQueue()
	q.Push(DeltaFrame("kept"))
	q.Stop()
	q.Push(DeltaFrame("dropped"))

	ctx := context.Background()
	f, ok := q.Next(ctx)
	if !ok || f.Text != "kept" {
		t.Fatalf("Next() = (%q, %v), want (kept, true)", f.Text, ok)
	}
	if _, ok := q.Next(ctx); ok {
		t.Error("Next() after drain of stopped queue should report ok = false")
	}
}

func TestQueue_StopWakesParkedConsumer(t *testing.T) {
	q := NewQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Next(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("Next() on stopped empty queue should report ok = false")
		}
	case <-time.After(time.Second):
		t.Fatal("Next() still parked after Stop()")
	}
}

func TestQueue_ContextCancelUnblocksNext(t *testing.T) {
	q := NewQueue()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Next(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Next() on canceled context should report ok = false")
		}
	case <-time.After(time.Second):
		t.Fatal("Next() still parked after context cancel")
	}
}

func TestQueue_ConcurrentProducerOrder(t *testing.T) {
	// One producer, one consumer, interleaved: order and content must
	// survive the handoff exactly.
	q := NewQueue()
	const n = 500

	go func() {
		for i := range n {
			q.Push(DeltaFrame(fmt.Sprintf("%d", i)))
		}
	}()

	ctx := context.Background()
	for i := range n {
		f, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("Next() ok = false at %d", i)
		}
		if want := fmt.Sprintf("%d", i); f.Text != want {
			t.Fatalf("frame %d = %q, want %q", i, f.Text, want)
		}
	}
}

func TestFrameConstructors(t *testing.T) {
	status := &conversation.Status{State: conversation.StateStreaming, UpdatedAt: time.Now()}

	if f := StatusFrame(status); f.Type != FrameStatus || f.Status != status {
		t.Errorf("StatusFrame() = %+v", f)
	}
	if f := ThinkingFrame("hm"); f.Type != FrameThinking || f.Text != "hm" {
		t.Errorf("ThinkingFrame() = %+v", f)
	}
	if f := DeltaFrame("hi"); f.Type != FrameDelta || f.Text != "hi" {
		t.Errorf("DeltaFrame() = %+v", f)
	}
	if f := DoneFrame(); f.Type != FrameDone {
		t.Errorf("DoneFrame() = %+v", f)
	}
}
