// Package generate wraps the remote text-generation service behind a
// small streaming interface. The production implementation talks to
// Gemini; tests substitute their own Generator.
package generate

import "context"

// Delta is one incremental fragment of generated output. Exactly one of
// Thought or Text is non-empty: Thought carries reasoning shown
// separately from the visible reply.
type Delta struct {
	Thought string
	Text    string
}

// Turn is one prior exchange entry sent as generation context.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// DeltaFunc receives deltas in production order. It is called from a
// single goroutine; implementations need no internal locking.
type DeltaFunc func(Delta)

// Generator produces a streamed response for a sequence of turns,
// invoking onDelta zero or more times before returning. A nil return
// means the response completed; an error means generation failed after
// whatever deltas were already delivered.
type Generator interface {
	Generate(ctx context.Context, turns []Turn, onDelta DeltaFunc) error
}
