// Package stream provides the outbound frame model and the delta queue
// that decouples generation pace from consumer pace.
package stream

import "github.com/quillchat/quill/internal/conversation"

// FrameType discriminates outbound frames.
type FrameType string

const (
	// FrameStatus carries a conversation status transition.
	FrameStatus FrameType = "status"
	// FrameThinking carries one fragment of reasoning text.
	FrameThinking FrameType = "thinking"
	// FrameDelta carries one fragment of the visible reply.
	FrameDelta FrameType = "delta"
	// FrameDone marks successful completion of the turn.
	FrameDone FrameType = "done"
)

// Frame is one outbound protocol frame. Exactly one payload field is
// meaningful, selected by Type.
type Frame struct {
	Type   FrameType
	Status *conversation.Status // FrameStatus
	Text   string               // FrameThinking, FrameDelta
}

// StatusFrame builds a status frame.
func StatusFrame(status *conversation.Status) Frame {
	return Frame{Type: FrameStatus, Status: status}
}

// ThinkingFrame builds a reasoning-fragment frame.
func ThinkingFrame(text string) Frame {
	return Frame{Type: FrameThinking, Text: text}
}

// DeltaFrame builds a reply-fragment frame.
func DeltaFrame(text string) Frame {
	return Frame{Type: FrameDelta, Text: text}
}

// DoneFrame builds the terminal success frame.
func DoneFrame() Frame {
	return Frame{Type: FrameDone}
}
