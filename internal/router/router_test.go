package router

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eurora-app/bridge/internal/frame"
)

// fakeBackend records sent frames and can simulate a disconnected client.
type fakeBackend struct {
	mu        sync.Mutex
	sent      []frame.Frame
	connected bool
}

func (b *fakeBackend) Send(f frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return errors.New("backend not connected")
	}
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBackend) frames() []frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]frame.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

// fakeExtension records broadcasts and reports a configurable connection count.
type fakeExtension struct {
	mu    sync.Mutex
	conns int
	sent  []frame.Frame
}

func (e *fakeExtension) Broadcast(f frame.Frame) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns > 0 {
		e.sent = append(e.sent, f)
	}
	return e.conns
}

func (e *fakeExtension) frames() []frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]frame.Frame, len(e.sent))
	copy(out, e.sent)
	return out
}

// collect returns a completion that appends frames under a mutex.
func collect(mu *sync.Mutex, dst *[]frame.Frame) func(frame.Frame) {
	return func(f frame.Frame) {
		mu.Lock()
		*dst = append(*dst, f)
		mu.Unlock()
	}
}

func TestRequestForwardedAndAnswered(t *testing.T) {
	backend := &fakeBackend{connected: true}
	r := New(backend, 0)

	var mu sync.Mutex
	var got []frame.Frame
	r.HandleFrame("c1", frame.NewRequest(5, "get_metadata", `{"tab":1}`), collect(&mu, &got))

	sent := backend.frames()
	if len(sent) != 1 || sent[0].Request == nil {
		t.Fatalf("expected one forwarded request, got %+v", sent)
	}
	if sent[0].Request.Action != "get_metadata" {
		t.Fatalf("action changed in flight: %q", sent[0].Request.Action)
	}
	corrID := sent[0].Request.ID

	r.HandleBackendFrame(frame.NewResponse(corrID, "get_metadata", `{"url":"x"}`))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Response == nil {
		t.Fatalf("expected one response, got %+v", got)
	}
	if got[0].Response.ID != 5 {
		t.Fatalf("original id not restored: %d", got[0].Response.ID)
	}
	if ext, srv := r.PendingCounts(); ext != 0 || srv != 0 {
		t.Fatalf("tables not drained: ext=%d srv=%d", ext, srv)
	}
}

func TestDisconnectedRequestGetsExactlyOneError(t *testing.T) {
	backend := &fakeBackend{connected: false}
	r := New(backend, 50*time.Millisecond)

	var mu sync.Mutex
	var got []frame.Frame
	r.HandleFrame("c1", frame.NewRequest(5, "get_metadata", ""), collect(&mu, &got))

	// Wait past the pending timeout: a second, timer-driven error for the
	// same request would be a double completion.
	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(got))
	}
	if got[0].Error == nil || got[0].Error.Code != CodeBackendUnavailable {
		t.Fatalf("expected backend unavailable error, got %+v", got[0])
	}
	if got[0].Error.ID != 5 {
		t.Fatalf("error id %d, want 5", got[0].Error.ID)
	}
}

func TestBackendRequestResponseForwardedOnce(t *testing.T) {
	backend := &fakeBackend{connected: true}
	ext := &fakeExtension{conns: 1}
	r := New(backend, 0)
	r.SetExtension(ext)

	r.HandleBackendFrame(frame.NewRequest(42, "capture_snapshot", ""))
	if pushed := ext.frames(); len(pushed) != 1 || pushed[0].Request == nil || pushed[0].Request.ID != 42 {
		t.Fatalf("expected pushed request, got %+v", pushed)
	}

	var mu sync.Mutex
	var acks []frame.Frame
	r.HandleFrame("c1", frame.NewResponse(42, "capture_snapshot", `{"ok":true}`), collect(&mu, &acks))
	// A duplicate response must not match again.
	r.HandleFrame("c1", frame.NewResponse(42, "capture_snapshot", `{"ok":true}`), collect(&mu, &acks))

	forwarded := 0
	for _, f := range backend.frames() {
		if f.Response != nil && f.Response.ID == 42 {
			forwarded++
		}
	}
	if forwarded != 2 {
		// First is the matched forward, second flows through the
		// fire-and-forget path; only the first consumed the entry.
		t.Fatalf("expected 2 forwarded responses, got %d", forwarded)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(acks) < 1 || acks[0].Response == nil {
		t.Fatalf("expected forwarded ack, got %+v", acks)
	}
	if !strings.Contains(acks[0].Response.Payload, "forwarded") {
		t.Fatalf("expected forwarded status, got %q", acks[0].Response.Payload)
	}
	if _, srv := r.PendingCounts(); srv != 0 {
		t.Fatalf("server table not drained: %d", srv)
	}
}

func TestDispatchFailureSynthesizesError(t *testing.T) {
	backend := &fakeBackend{connected: true}
	ext := &fakeExtension{conns: 0}
	r := New(backend, 0)
	r.SetExtension(ext)

	r.HandleBackendFrame(frame.NewRequest(7, "get_metadata", ""))

	sent := backend.frames()
	if len(sent) != 1 || sent[0].Error == nil {
		t.Fatalf("expected synthesized error, got %+v", sent)
	}
	if sent[0].Error.ID != 7 || sent[0].Error.Code != CodeDispatchFailed {
		t.Fatalf("wrong error: %+v", sent[0].Error)
	}
	if !strings.Contains(sent[0].Error.Message, "get_metadata") {
		t.Fatalf("error does not name the action: %q", sent[0].Error.Message)
	}
	if _, srv := r.PendingCounts(); srv != 0 {
		t.Fatalf("pending entry not cleared: %d", srv)
	}
}

func TestConcurrentConnectionsSameIDNotConflated(t *testing.T) {
	backend := &fakeBackend{connected: true}
	r := New(backend, 0)

	var mu sync.Mutex
	var got1, got2 []frame.Frame
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.HandleFrame("c1", frame.NewRequest(1, "action_one", ""), collect(&mu, &got1))
	}()
	go func() {
		defer wg.Done()
		r.HandleFrame("c2", frame.NewRequest(1, "action_two", ""), collect(&mu, &got2))
	}()
	wg.Wait()

	sent := backend.frames()
	if len(sent) != 2 {
		t.Fatalf("expected 2 forwarded requests, got %d", len(sent))
	}
	if sent[0].Request.ID == sent[1].Request.ID {
		t.Fatalf("correlation ids conflated: both %d", sent[0].Request.ID)
	}
	for _, s := range sent {
		r.HandleBackendFrame(frame.NewResponse(s.Request.ID, s.Request.Action, ""))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got1) != 1 || got1[0].Response.ID != 1 || got1[0].Response.Action != "action_one" {
		t.Fatalf("c1 completion wrong: %+v", got1)
	}
	if len(got2) != 1 || got2[0].Response.ID != 1 || got2[0].Response.Action != "action_two" {
		t.Fatalf("c2 completion wrong: %+v", got2)
	}
}

func TestStaleResponseDropped(t *testing.T) {
	backend := &fakeBackend{connected: true}
	ext := &fakeExtension{conns: 1}
	r := New(backend, 0)
	r.SetExtension(ext)

	r.HandleBackendFrame(frame.NewResponse(999, "whatever", ""))
	r.HandleBackendFrame(frame.NewError(998, 500, "boom", ""))

	if pushed := ext.frames(); len(pushed) != 0 {
		t.Fatalf("stale replies must not reach extensions: %+v", pushed)
	}
}

func TestEventAndCancelBroadcast(t *testing.T) {
	backend := &fakeBackend{connected: true}
	ext := &fakeExtension{conns: 2}
	r := New(backend, 0)
	r.SetExtension(ext)

	r.HandleBackendFrame(frame.NewEvent("focus_changed", ""))
	r.HandleBackendFrame(frame.NewCancel(3))
	r.HandleBackendFrame(frame.NewRegister(1, 2)) // ignored

	pushed := ext.frames()
	if len(pushed) != 2 {
		t.Fatalf("expected event and cancel only, got %+v", pushed)
	}
	if pushed[0].Event == nil || pushed[1].Cancel == nil {
		t.Fatalf("wrong kinds broadcast: %+v", pushed)
	}
}

func TestFireAndForgetAndAdvisories(t *testing.T) {
	backend := &fakeBackend{connected: true}
	r := New(backend, 0)

	var mu sync.Mutex
	var acks []frame.Frame
	r.HandleFrame("c1", frame.NewRequest(0, "log_event", ""), collect(&mu, &acks))
	r.HandleFrame("c1", frame.NewEvent("TAB_UPDATED", "{}"), collect(&mu, &acks))
	r.HandleFrame("c1", frame.NewCancel(12), collect(&mu, &acks))

	if len(backend.frames()) != 3 {
		t.Fatalf("expected 3 forwarded frames, got %d", len(backend.frames()))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(acks) != 1 || acks[0].Response == nil {
		t.Fatalf("only the request expects an ack: %+v", acks)
	}
	if ext, srv := r.PendingCounts(); ext != 0 || srv != 0 {
		t.Fatalf("nothing should be pending: ext=%d srv=%d", ext, srv)
	}
}

func TestPendingTimeout(t *testing.T) {
	backend := &fakeBackend{connected: true}
	r := New(backend, 30*time.Millisecond)

	var mu sync.Mutex
	var got []frame.Frame
	r.HandleFrame("c1", frame.NewRequest(5, "get_metadata", ""), collect(&mu, &got))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Error == nil || got[0].Error.Code != CodeTimeout {
		t.Fatalf("expected one timeout error, got %+v", got)
	}
	if got[0].Error.ID != 5 {
		t.Fatalf("timeout error id %d, want 5", got[0].Error.ID)
	}
	if ext, _ := r.PendingCounts(); ext != 0 {
		t.Fatalf("entry not cleared after timeout: %d", ext)
	}

	// A late response after the timeout must be dropped, not double-delivered.
	r.HandleBackendFrame(frame.NewResponse(1, "get_metadata", ""))
	if len(got) != 1 {
		t.Fatalf("late response double-delivered: %+v", got)
	}
}

func TestBackendRequestTimeout(t *testing.T) {
	backend := &fakeBackend{connected: true}
	ext := &fakeExtension{conns: 1}
	r := New(backend, 30*time.Millisecond)
	r.SetExtension(ext)

	r.HandleBackendFrame(frame.NewRequest(11, "capture_asset", ""))

	deadline := time.Now().Add(time.Second)
	for {
		sent := backend.frames()
		if len(sent) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent := backend.frames()
	if len(sent) != 1 || sent[0].Error == nil || sent[0].Error.Code != CodeTimeout {
		t.Fatalf("expected timeout error to backend, got %+v", sent)
	}
	if _, srv := r.PendingCounts(); srv != 0 {
		t.Fatalf("server entry not cleared: %d", srv)
	}
}
