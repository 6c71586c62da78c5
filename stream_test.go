package agentstart

import (
	"errors"
	"testing"
)

func TestWriter_WriteAndClose(t *testing.T) {
	w := NewWriter(4)
	if !w.Write(Frame{Type: FrameTextDelta, Delta: "a"}) {
		t.Fatal("write to open stream failed")
	}
	w.Close()
	w.Close() // idempotent

	frames := collectFrames(w)
	if len(frames) != 1 || frames[0].Delta != "a" {
		t.Fatalf("frames = %+v", frames)
	}
	if w.Write(Frame{Type: FrameTextDelta}) {
		t.Error("write after close should report false")
	}
}

func TestWriter_Cancel(t *testing.T) {
	w := NewWriter(4)
	if w.Cancelled() {
		t.Fatal("fresh writer reports cancelled")
	}
	w.Cancel()
	w.Cancel() // idempotent
	if !w.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}
	if w.Write(Frame{Type: FrameTextDelta}) {
		t.Error("write after cancel should report false")
	}
}

func TestWriter_WriteUnblocksOnCancel(t *testing.T) {
	w := NewWriter(1)
	w.Write(Frame{Type: FrameTextDelta, Delta: "fills the buffer"})

	done := make(chan bool)
	go func() {
		done <- w.Write(Frame{Type: FrameTextDelta, Delta: "blocked"})
	}()
	w.Cancel()
	if ok := <-done; ok {
		t.Error("blocked write should fail once the consumer cancels")
	}
}

func TestWriter_DefaultBuffer(t *testing.T) {
	w := NewWriter(0)
	for i := 0; i < 64; i++ {
		if !w.Write(Frame{Type: FrameTextDelta}) {
			t.Fatalf("write %d blocked with the default buffer", i)
		}
	}
}

func TestErrorFrame(t *testing.T) {
	f := ErrorFrame(errors.New("boom"))
	if f.Type != FrameError || f.Message != "boom" {
		t.Errorf("frame = %+v", f)
	}
}
