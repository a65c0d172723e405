// Package client maintains the bridge's single logical connection to the
// backend hub: a WebSocket stream carrying length-prefixed frames, re-dialed
// at a fixed interval for as long as the client is meant to be up.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
)

// ErrNotConnected reports a send attempted while no backend stream is up.
// The frame is not buffered for a later stream; delivery is at-most-once.
var ErrNotConnected = errors.New("backend not connected")

const sendQueueSize = 64

// Client owns the backend stream. Inbound frames are dispatched to the
// handler; outbound frames go through Send.
type Client struct {
	url      string
	interval time.Duration
	handler  func(frame.Frame)

	mu         sync.Mutex
	send       chan frame.Frame // nil while disconnected
	hostPID    uint32
	browserPID uint32
	reconnect  bool
}

// New constructs a Client dialing url. hostPID and browserPID seed the
// Register frame that opens every stream.
func New(url string, interval time.Duration, hostPID, browserPID uint32, handler func(frame.Frame)) *Client {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Client{url: url, interval: interval, hostPID: hostPID, browserPID: browserPID, handler: handler}
}

// IsConnected reports whether an outbound queue currently exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Send enqueues f on the live stream. While disconnected the frame is
// dropped with a warning; the connection is what gets retried, not the
// individual frame.
func (c *Client) Send(f frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		logx.Log.Warn().Str("kind", f.Kind()).Msg("backend not connected, dropping frame")
		metrics.RecordDrop("not_connected")
		return ErrNotConnected
	}
	select {
	case c.send <- f:
		return nil
	default:
		logx.Log.Warn().Str("kind", f.Kind()).Msg("backend send queue full, dropping frame")
		metrics.RecordDrop("queue_full")
		return ErrNotConnected
	}
}

// UpdateBrowserPID records a browser PID change and, when connected,
// immediately re-registers on the live stream so the backend sees the new
// PID without a reconnect.
func (c *Client) UpdateBrowserPID(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserPID == pid {
		return
	}
	c.browserPID = pid
	logx.Log.Info().Uint32("browser_pid", pid).Msg("browser pid changed")
	if c.send == nil {
		return
	}
	select {
	case c.send <- frame.NewRegister(c.hostPID, pid):
	default:
		logx.Log.Warn().Msg("backend send queue full, re-register deferred to next stream")
	}
}

// Disconnect finishes the outbound queue, which unwinds the send loop and
// closes the stream, and stops the retry loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = false
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// Run dials the backend and serves the stream, retrying at the configured
// interval until Disconnect or ctx cancellation.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.reconnect = true
	c.mu.Unlock()

	first := true
	for {
		if !first {
			metrics.RecordReconnect()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.interval):
			}
		}
		first = false

		c.mu.Lock()
		keep := c.reconnect
		c.mu.Unlock()
		if !keep {
			return nil
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		keep = c.reconnect
		c.mu.Unlock()
		if !keep {
			return nil
		}
		logx.Log.Warn().Err(err).Dur("retry_in", c.interval).Msg("backend connection lost")
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, _, err := websocket.Dial(connCtx, c.url, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(frame.MaxFrameSize + 1024)
	defer func() {
		_ = ws.Close(websocket.StatusInternalError, "closing")
	}()

	// The Register frame is queued before the channel is published, so it is
	// always the first frame on the wire regardless of concurrent Sends.
	send := make(chan frame.Frame, sendQueueSize)
	c.mu.Lock()
	send <- frame.NewRegister(c.hostPID, c.browserPID)
	c.send = send
	c.mu.Unlock()
	metrics.SetBackendConnected(true)
	logx.Log.Info().Str("url", c.url).Msg("connected to backend")

	defer func() {
		c.mu.Lock()
		if c.send == send {
			// Connection died on its own; the queue and anything left in it
			// are discarded.
			close(send)
			c.send = nil
		}
		c.mu.Unlock()
		metrics.SetBackendConnected(false)
	}()

	go func() {
		for f := range send {
			buf, err := frame.EncodeBytes(f)
			if err != nil {
				logx.Log.Error().Err(err).Msg("unencodable outbound frame")
				continue
			}
			if err := ws.Write(connCtx, websocket.MessageBinary, buf); err != nil {
				cancel()
				return
			}
		}
		// Disconnect closed the queue: drain finished, close gracefully.
		_ = ws.Close(websocket.StatusNormalClosure, "disconnect")
		cancel()
	}()

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			return err
		}
		f, err := frame.DecodeBytes(data)
		if err != nil {
			// A framing error poisons the stream; close it and let the
			// retry loop open a fresh one.
			return err
		}
		c.handler(f)
	}
}
