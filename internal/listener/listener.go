// Package listener implements the extension-facing side of the bridge: a
// loopback-only TCP endpoint accepting any number of concurrent extension
// connections, each speaking length-prefixed frames.
package listener

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
)

// ErrNotLoopback reports a listen address outside the loopback interface.
// The bridge speaks an unauthenticated protocol and must never be reachable
// from the network.
var ErrNotLoopback = errors.New("listen address is not loopback")

// Handler consumes one decoded frame from an extension connection. reply
// writes a frame back to that connection only; it is safe to call from any
// goroutine, including after the handler returned.
type Handler interface {
	HandleFrame(connID string, f frame.Frame, reply func(frame.Frame))
}

// Listener accepts extension connections and runs one receive loop per
// connection. A failed connection is dropped without affecting the others.
type Listener struct {
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]*conn
	closed bool
}

type conn struct {
	id string
	c  net.Conn

	wmu sync.Mutex
}

// New constructs a Listener delivering frames to handler.
func New(handler Handler) *Listener {
	return &Listener{handler: handler, conns: map[string]*conn{}}
}

// Listen binds addr. Bind failure is returned to the owner; the Listener
// never retries on its own (an in-place retry on "address already in use"
// loops forever when a stale instance holds the port).
func (l *Listener) Listen(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen %s: %w", addr, ErrNotLoopback)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	logx.Log.Info().Str("addr", ln.Addr().String()).Msg("listening for extension connections")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until Close. It returns nil after Close and the
// accept error otherwise.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	for {
		c, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		cn := &conn{id: uuid.NewString(), c: c}
		l.add(cn)
		go l.recvLoop(cn)
	}
}

// Broadcast writes f to every open connection and returns how many received
// it. Zero connections is a no-op, not an error.
func (l *Listener) Broadcast(f frame.Frame) int {
	l.mu.Lock()
	conns := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	n := 0
	for _, c := range conns {
		if err := c.write(f); err != nil {
			logx.Log.Warn().Err(err).Str("conn_id", c.id).Msg("broadcast write failed")
			l.drop(c)
			continue
		}
		n++
	}
	return n
}

// ConnCount returns the number of open extension connections.
func (l *Listener) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close stops the accept loop and drops every open connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	ln := l.ln
	conns := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = map[string]*conn{}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.c.Close()
	}
	metrics.SetExtensionConnections(0)
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (l *Listener) add(c *conn) {
	l.mu.Lock()
	l.conns[c.id] = c
	n := len(l.conns)
	l.mu.Unlock()
	metrics.SetExtensionConnections(n)
	logx.Log.Info().Str("conn_id", c.id).Str("remote_addr", c.c.RemoteAddr().String()).Msg("extension connected")
}

func (l *Listener) drop(c *conn) {
	l.mu.Lock()
	_, open := l.conns[c.id]
	delete(l.conns, c.id)
	n := len(l.conns)
	l.mu.Unlock()
	if !open {
		return
	}
	_ = c.c.Close()
	metrics.SetExtensionConnections(n)
	logx.Log.Info().Str("conn_id", c.id).Msg("extension disconnected")
}

func (l *Listener) recvLoop(c *conn) {
	defer l.drop(c)
	r := frame.NewReader(c.c)
	for {
		f, err := r.Read()
		if err != nil {
			if err != io.EOF {
				logx.Log.Warn().Err(err).Str("conn_id", c.id).Msg("dropping extension connection")
			}
			return
		}
		reply := func(rf frame.Frame) {
			if err := c.write(rf); err != nil {
				logx.Log.Warn().Err(err).Str("conn_id", c.id).Msg("reply write failed")
				l.drop(c)
			}
		}
		l.handler.HandleFrame(c.id, f, reply)
	}
}

func (c *conn) write(f frame.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return frame.Write(c.c, f)
}
