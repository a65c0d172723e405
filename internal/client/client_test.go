package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/eurora-app/bridge/internal/frame"
)

// hubStub accepts bridge streams and records the frames on each one.
type hubStub struct {
	mu      sync.Mutex
	streams [][]frame.Frame // frames per accepted stream, in order
	active  *websocket.Conn
}

func (h *hubStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(frame.MaxFrameSize + 1024)
		h.mu.Lock()
		h.streams = append(h.streams, nil)
		idx := len(h.streams) - 1
		h.active = ws
		h.mu.Unlock()
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			f, err := frame.DecodeBytes(data)
			if err != nil {
				return
			}
			h.mu.Lock()
			h.streams[idx] = append(h.streams[idx], f)
			h.mu.Unlock()
		}
	}
}

func (h *hubStub) streamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (h *hubStub) stream(i int) []frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.streams) {
		return nil
	}
	out := make([]frame.Frame, len(h.streams[i]))
	copy(out, h.streams[i])
	return out
}

func (h *hubStub) kill() {
	h.mu.Lock()
	ws := h.active
	h.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusGoingAway, "test kill")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterOpensEveryStream(t *testing.T) {
	hub := &hubStub{}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	c := New(wsURL(srv), 20*time.Millisecond, 100, 200, func(frame.Frame) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = c.Run(ctx) }()

	// Kill each stream as soon as its register arrives; the fifth consecutive
	// stream must still open with a Register frame.
	for i := 0; i < 5; i++ {
		waitFor(t, "register", func() bool {
			fs := hub.stream(i)
			return len(fs) > 0
		})
		fs := hub.stream(i)
		if fs[0].Register == nil {
			t.Fatalf("stream %d: first frame is %s, want register", i, fs[0].Kind())
		}
		if fs[0].Register.HostPID != 100 || fs[0].Register.BrowserPID != 200 {
			t.Fatalf("stream %d: wrong pids: %+v", i, fs[0].Register)
		}
		if i < 4 {
			hub.kill()
			waitFor(t, "reconnect", func() bool { return hub.streamCount() > i+1 })
		}
	}

	cancel()
	<-done
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	c := New("ws://127.0.0.1:1/never", time.Second, 1, 2, func(frame.Frame) {})
	if err := c.Send(frame.NewEvent("x", "")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("client claims connected without a stream")
	}
}

func TestSendReachesBackend(t *testing.T) {
	hub := &hubStub{}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	c := New(wsURL(srv), 20*time.Millisecond, 1, 2, func(frame.Frame) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "connect", c.IsConnected)
	if err := c.Send(frame.NewRequest(4, "get_metadata", "")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "request delivery", func() bool { return len(hub.stream(0)) >= 2 })

	fs := hub.stream(0)
	if fs[0].Register == nil || fs[1].Request == nil || fs[1].Request.ID != 4 {
		t.Fatalf("unexpected stream contents: %+v", fs)
	}
}

func TestInboundFramesDispatchToHandler(t *testing.T) {
	var mu sync.Mutex
	var got []frame.Frame
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Consume the register then push one event down.
		_, _, _ = ws.Read(r.Context())
		buf, _ := frame.EncodeBytes(frame.NewEvent("focus_changed", `{"pid":9}`))
		_ = ws.Write(r.Context(), websocket.MessageBinary, buf)
		_, _, _ = ws.Read(r.Context())
	}))
	defer srv.Close()

	c := New(wsURL(srv), 20*time.Millisecond, 1, 2, func(f frame.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "handler dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Event == nil || got[0].Event.Action != "focus_changed" {
		t.Fatalf("unexpected inbound frame: %+v", got[0])
	}
}

func TestUpdateBrowserPIDReregisters(t *testing.T) {
	hub := &hubStub{}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	c := New(wsURL(srv), 20*time.Millisecond, 100, 200, func(frame.Frame) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "connect", c.IsConnected)
	c.UpdateBrowserPID(200) // unchanged, must not re-register
	c.UpdateBrowserPID(300)
	waitFor(t, "re-register", func() bool { return len(hub.stream(0)) >= 2 })

	fs := hub.stream(0)
	if len(fs) != 2 {
		t.Fatalf("expected exactly 2 frames, got %d", len(fs))
	}
	if fs[1].Register == nil || fs[1].Register.BrowserPID != 300 {
		t.Fatalf("unexpected re-register: %+v", fs[1])
	}
	if fs[1].Register.HostPID != 100 {
		t.Fatalf("host pid changed: %+v", fs[1].Register)
	}
}

func TestDisconnectStopsRetrying(t *testing.T) {
	hub := &hubStub{}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	c := New(wsURL(srv), 10*time.Millisecond, 1, 2, func(frame.Frame) {})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	waitFor(t, "connect", c.IsConnected)
	c.Disconnect()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v after disconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after disconnect")
	}
	if c.IsConnected() {
		t.Fatal("still connected after disconnect")
	}
	if err := c.Send(frame.NewEvent("x", "")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}
