package stdio

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/eurora-app/bridge/internal/frame"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  []frame.Frame
	conns []string
	echo  bool
}

func (h *recordingHandler) HandleFrame(connID string, f frame.Frame, reply func(frame.Frame)) {
	h.mu.Lock()
	h.seen = append(h.seen, f)
	h.conns = append(h.conns, connID)
	h.mu.Unlock()
	if h.echo && f.Request != nil {
		reply(frame.NewResponse(f.Request.ID, f.Request.Action, ""))
	}
}

func TestRunDeliversFramesUntilEOF(t *testing.T) {
	var in bytes.Buffer
	if err := frame.Write(&in, frame.NewRequest(1, "get_metadata", "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := frame.Write(&in, frame.NewEvent("TAB_ACTIVATED", `{"tab":3}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	h := &recordingHandler{}
	var out bytes.Buffer
	p := New(&in, &out, h)
	if err := p.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(h.seen) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(h.seen))
	}
	if h.seen[0].Request == nil || h.seen[1].Event == nil {
		t.Fatalf("unexpected frames: %+v", h.seen)
	}
	for _, id := range h.conns {
		if id != ConnID {
			t.Fatalf("unexpected conn id %q", id)
		}
	}
}

func TestReplyAndBroadcastShareStdout(t *testing.T) {
	var in bytes.Buffer
	if err := frame.Write(&in, frame.NewRequest(7, "ping", "")); err != nil {
		t.Fatalf("write: %v", err)
	}

	h := &recordingHandler{echo: true}
	var out bytes.Buffer
	p := New(&in, &out, h)
	if err := p.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := p.Broadcast(frame.NewEvent("focus_changed", "")); n != 1 {
		t.Fatalf("broadcast returned %d, want 1", n)
	}

	r := frame.NewReader(&out)
	f1, err := r.Read()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f1.Response == nil || f1.Response.ID != 7 {
		t.Fatalf("unexpected reply: %+v", f1)
	}
	f2, err := r.Read()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if f2.Event == nil || f2.Event.Action != "focus_changed" {
		t.Fatalf("unexpected broadcast: %+v", f2)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestFramingErrorEndsRun(t *testing.T) {
	in := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	p := New(in, io.Discard, &recordingHandler{})
	if err := p.Run(); err == nil {
		t.Fatal("expected framing error")
	}
}

func TestBroadcastReportsWriteFailure(t *testing.T) {
	p := New(bytes.NewReader(nil), failWriter{}, &recordingHandler{})
	if n := p.Broadcast(frame.NewEvent("x", "")); n != 0 {
		t.Fatalf("broadcast returned %d on failed write", n)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
