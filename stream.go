package agentstart

import (
	"encoding/json"
	"sync"
)

// FrameType identifies the kind of UI stream frame.
type FrameType string

const (
	// FrameMessageStart opens an assistant message.
	FrameMessageStart FrameType = "message-start"
	// FrameTextDelta carries an incremental text chunk.
	FrameTextDelta FrameType = "text-delta"
	// FrameReasoningDelta carries an incremental reasoning chunk.
	FrameReasoningDelta FrameType = "reasoning-delta"
	// FrameToolCall announces a tool invocation; later frames of the
	// same type without Args carry pending progress updates.
	FrameToolCall FrameType = "tool-call"
	// FrameToolResult carries the terminal outcome of a tool call.
	FrameToolResult FrameType = "tool-result"
	// FrameMessageFinish closes the assistant message.
	FrameMessageFinish FrameType = "message-finish"
	// FrameTitleUpdate is a transient frame carrying {title}.
	FrameTitleUpdate FrameType = "data-agentstart-title_update"
	// FrameSuggestions carries {prompts:[...]} follow-up prompts.
	FrameSuggestions FrameType = "data-agentstart-suggestions"
	// FrameError carries {message}.
	FrameError FrameType = "error"
)

// Frame is one event on the thread.stream wire.
type Frame struct {
	Type      FrameType       `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	CallID    string          `json:"callId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ErrorFrame builds an error frame from err.
func ErrorFrame(err error) Frame {
	return Frame{Type: FrameError, Message: err.Error()}
}

// Writer is the producer side of a thread stream. The coordinator and
// loop write frames; the transport consumes them from Frames(). Closing
// the consumer side (Cancel) makes subsequent writes report false so
// producers can stop cooperatively.
type Writer struct {
	frames chan Frame

	done      chan struct{}
	closeOnce sync.Once

	cancelled  chan struct{}
	cancelOnce sync.Once
}

// NewWriter creates a stream writer with the given frame buffer.
func NewWriter(buffer int) *Writer {
	if buffer <= 0 {
		buffer = 64
	}
	return &Writer{
		frames:    make(chan Frame, buffer),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Frames returns the consumer channel. It is closed by Close.
func (w *Writer) Frames() <-chan Frame { return w.frames }

// Write delivers a frame. Returns false once the consumer cancelled or
// the stream closed; producers treat false as a stop signal.
func (w *Writer) Write(f Frame) bool {
	select {
	case <-w.cancelled:
		return false
	case <-w.done:
		return false
	default:
	}
	select {
	case w.frames <- f:
		return true
	case <-w.cancelled:
		return false
	case <-w.done:
		return false
	}
}

// Close ends the stream. Safe to call multiple times.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		close(w.frames)
	})
}

// Cancel signals that the consumer stopped reading. Producers observe
// it via Write returning false or Cancelled.
func (w *Writer) Cancel() {
	w.cancelOnce.Do(func() { close(w.cancelled) })
}

// Cancelled reports whether the consumer went away.
func (w *Writer) Cancelled() bool {
	select {
	case <-w.cancelled:
		return true
	default:
		return false
	}
}
