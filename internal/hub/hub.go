// Package hub implements the backend side of the bridge: the WebSocket
// endpoint that bridge clients dial. Each client registers with its process
// pair and the hub routes frames to the right client by browser PID. The
// desktop app embeds this; bridge-hub runs it standalone for development.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/logx"
)

// ErrNoMessenger reports a send for a browser PID with no registered client.
var ErrNoMessenger = errors.New("no messenger for browser pid")

const sendQueueSize = 32

// Inbound is a frame received from a registered messenger.
type Inbound struct {
	BrowserPID uint32
	Frame      frame.Frame
}

// MessengerInfo describes one registered messenger, for the state endpoint.
type MessengerInfo struct {
	HostPID    uint32 `json:"host_pid"`
	BrowserPID uint32 `json:"browser_pid"`
}

type messenger struct {
	hostPID    uint32
	browserPID uint32
	send       chan frame.Frame
}

// Registry tracks connected messengers keyed by browser PID and fans their
// frames into one inbound channel.
type Registry struct {
	mu         sync.Mutex
	messengers map[uint32]*messenger
	inbound    chan Inbound
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		messengers: map[uint32]*messenger{},
		inbound:    make(chan Inbound, 256),
	}
}

// Inbound returns the stream of frames arriving from all messengers.
func (r *Registry) Inbound() <-chan Inbound { return r.inbound }

// Send queues f for the messenger registered under browserPID. A full queue
// drops the frame; the bridge protocol is at-most-once end to end.
func (r *Registry) Send(browserPID uint32, f frame.Frame) error {
	r.mu.Lock()
	m := r.messengers[browserPID]
	r.mu.Unlock()
	if m == nil {
		return ErrNoMessenger
	}
	select {
	case m.send <- f:
		return nil
	default:
		logx.Log.Warn().Uint32("browser_pid", browserPID).Str("kind", f.Kind()).Msg("messenger queue full, dropping frame")
		return nil
	}
}

// Broadcast queues f for every registered messenger and returns the count.
func (r *Registry) Broadcast(f frame.Frame) int {
	r.mu.Lock()
	targets := make([]*messenger, 0, len(r.messengers))
	for _, m := range r.messengers {
		targets = append(targets, m)
	}
	r.mu.Unlock()
	n := 0
	for _, m := range targets {
		select {
		case m.send <- f:
			n++
		default:
		}
	}
	return n
}

// Snapshot lists the registered messengers.
func (r *Registry) Snapshot() []MessengerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessengerInfo, 0, len(r.messengers))
	for _, m := range r.messengers {
		out = append(out, MessengerInfo{HostPID: m.hostPID, BrowserPID: m.browserPID})
	}
	return out
}

func (r *Registry) add(m *messenger) {
	r.mu.Lock()
	r.messengers[m.browserPID] = m
	n := len(r.messengers)
	r.mu.Unlock()
	logx.Log.Info().Uint32("browser_pid", m.browserPID).Uint32("host_pid", m.hostPID).Int("total", n).Msg("messenger registered")
}

// rekey moves a live messenger to a new browser PID after an in-stream
// re-registration.
func (r *Registry) rekey(m *messenger, hostPID, browserPID uint32) {
	r.mu.Lock()
	if r.messengers[m.browserPID] == m {
		delete(r.messengers, m.browserPID)
	}
	m.hostPID = hostPID
	m.browserPID = browserPID
	r.messengers[browserPID] = m
	r.mu.Unlock()
	logx.Log.Info().Uint32("browser_pid", browserPID).Msg("messenger re-registered")
}

func (r *Registry) remove(m *messenger) {
	r.mu.Lock()
	if r.messengers[m.browserPID] == m {
		delete(r.messengers, m.browserPID)
	}
	n := len(r.messengers)
	r.mu.Unlock()
	logx.Log.Info().Uint32("browser_pid", m.browserPID).Int("remaining", n).Msg("messenger unregistered")
}

// serve owns one accepted messenger stream: register-first handshake, then
// a write loop from the send queue and a read loop into the inbound channel.
func (r *Registry) serve(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(frame.MaxFrameSize + 1024)

	first, err := readFrame(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "unreadable first frame")
		return
	}
	if first.Register == nil {
		logx.Log.Warn().Str("kind", first.Kind()).Msg("first frame is not register, closing")
		_ = ws.Close(websocket.StatusPolicyViolation, "expected register")
		return
	}
	m := &messenger{
		hostPID:    first.Register.HostPID,
		browserPID: first.Register.BrowserPID,
		send:       make(chan frame.Frame, sendQueueSize),
	}
	r.add(m)
	defer r.remove(m)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-m.send:
				buf, err := frame.EncodeBytes(f)
				if err != nil {
					logx.Log.Error().Err(err).Msg("unencodable outbound frame")
					continue
				}
				if err := ws.Write(ctx, websocket.MessageBinary, buf); err != nil {
					return
				}
			}
		}
	}()

	for {
		f, err := readFrame(ctx, ws)
		if err != nil {
			return
		}
		if f.Register != nil {
			r.rekey(m, f.Register.HostPID, f.Register.BrowserPID)
			continue
		}
		select {
		case r.inbound <- Inbound{BrowserPID: m.browserPID, Frame: f}:
		default:
			logx.Log.Warn().Uint32("browser_pid", m.browserPID).Msg("inbound queue full, dropping frame")
		}
	}
}

func readFrame(ctx context.Context, ws *websocket.Conn) (frame.Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.DecodeBytes(data)
}
