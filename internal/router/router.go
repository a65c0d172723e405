// Package router binds the extension-facing transport and the backend client
// together. It owns the two pending-request tables and the direction-specific
// routing rules; all of its work is synchronous, lock-guarded bookkeeping.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
)

// Error codes carried on synthesized Error frames.
const (
	// CodeDispatchFailed: a backend-initiated request could not reach any
	// extension connection.
	CodeDispatchFailed uint32 = 502
	// CodeBackendUnavailable: an extension frame arrived while the backend
	// stream was down; nothing is queued on its behalf.
	CodeBackendUnavailable uint32 = 503
	// CodeTimeout: an in-flight request saw no reply within the deadline.
	CodeTimeout uint32 = 504
)

// Backend is the client side the router forwards extension traffic to.
type Backend interface {
	Send(frame.Frame) error
	IsConnected() bool
}

// Extension is the push mechanism toward extension connections. There is no
// call-and-wait path into an extension; a push either reaches n connections
// or none.
type Extension interface {
	Broadcast(frame.Frame) int
}

// extPending tracks an extension-initiated request awaiting a backend reply.
// Keyed by a router-allocated correlation ID so that identical request IDs
// from different connections can never collide in the table; the original ID
// is restored before the reply reaches the connection.
type extPending struct {
	connID   string
	origID   uint32
	action   string
	complete func(frame.Frame)
	timer    *time.Timer
}

// srvPending tracks a backend-initiated request awaiting an extension reply.
type srvPending struct {
	action string
	timer  *time.Timer
}

// Router implements the frame routing rules between the two sides.
type Router struct {
	backend Backend
	timeout time.Duration

	mu  sync.Mutex // wiring only
	ext Extension

	extMu      sync.Mutex
	pendingExt map[uint32]*extPending
	nextCorr   uint32

	srvMu      sync.Mutex
	pendingSrv map[uint32]*srvPending
}

// New constructs a Router forwarding to backend. timeout bounds the life of
// every pending entry; zero disables the deadline (reference behavior, kept
// for tests only).
func New(backend Backend, timeout time.Duration) *Router {
	return &Router{
		backend:    backend,
		timeout:    timeout,
		pendingExt: map[uint32]*extPending{},
		pendingSrv: map[uint32]*srvPending{},
	}
}

// SetExtension wires the extension-side push mechanism. Called once during
// startup, before any backend traffic flows.
func (r *Router) SetExtension(ext Extension) {
	r.mu.Lock()
	r.ext = ext
	r.mu.Unlock()
}

func (r *Router) extension() Extension {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ext
}

// HandleFrame routes one frame arriving from an extension connection. reply
// writes back to that connection only. It implements listener.Handler.
func (r *Router) HandleFrame(connID string, f frame.Frame, reply func(frame.Frame)) {
	metrics.RecordFrame("extension_to_backend", f.Kind())

	// A reply to a backend-initiated request completes the pending entry and
	// is forwarded; the connection gets a lightweight forwarded ack, no
	// further round trip is awaited.
	if f.Response != nil || f.Error != nil {
		id, _ := f.CorrelationID()
		if entry := r.takeSrv(id); entry != nil {
			if err := r.backend.Send(f); err != nil {
				reply(frame.NewError(id, CodeBackendUnavailable, "backend not connected", entry.action))
				return
			}
			reply(frame.NewResponse(id, entry.action, `{"status":"forwarded"}`))
			return
		}
	}

	// A fresh correlated request: remember who asked before forwarding.
	if f.Request != nil && f.Request.ID != 0 {
		r.forwardRequest(connID, *f.Request, reply)
		return
	}

	// Everything else is fire-and-forget toward the backend: requests without
	// an ID, advisory events and cancels, and stale replies nothing waits on.
	if err := r.backend.Send(f); err != nil {
		if id, ok := f.CorrelationID(); ok {
			reply(frame.NewError(id, CodeBackendUnavailable, "backend not connected", ""))
		}
		return
	}
	if f.Request != nil {
		reply(frame.NewResponse(0, f.Request.Action, `{"status":"forwarded"}`))
	}
}

func (r *Router) forwardRequest(connID string, req frame.Request, reply func(frame.Frame)) {
	entry := &extPending{connID: connID, origID: req.ID, action: req.Action, complete: reply}
	corrID := r.putExt(entry)

	rewritten := req
	rewritten.ID = corrID
	if err := r.backend.Send(frame.Frame{Request: &rewritten}); err != nil {
		// The client drops unsent frames while disconnected; pretending
		// otherwise would leave the extension waiting forever. Consume the
		// entry so exactly one error reaches the completion.
		if e := r.takeExt(corrID); e != nil {
			e.complete(frame.NewError(e.origID, CodeBackendUnavailable, "backend not connected", ""))
		}
	}
}

// HandleBackendFrame routes one frame arriving from the backend stream.
func (r *Router) HandleBackendFrame(f frame.Frame) {
	metrics.RecordFrame("backend_to_extension", f.Kind())

	switch {
	case f.Response != nil:
		entry := r.takeExt(f.Response.ID)
		if entry == nil {
			logx.Log.Debug().Uint32("id", f.Response.ID).Msg("response with no pending request, dropping")
			metrics.RecordDrop("unmatched_response")
			return
		}
		resp := *f.Response
		resp.ID = entry.origID
		entry.complete(frame.Frame{Response: &resp})

	case f.Error != nil:
		entry := r.takeExt(f.Error.ID)
		if entry == nil {
			logx.Log.Debug().Uint32("id", f.Error.ID).Msg("error with no pending request, dropping")
			metrics.RecordDrop("unmatched_error")
			return
		}
		e := *f.Error
		e.ID = entry.origID
		entry.complete(frame.Frame{Error: &e})

	case f.Request != nil:
		r.dispatchRequest(*f.Request)

	case f.Event != nil, f.Cancel != nil:
		ext := r.extension()
		if ext == nil {
			return
		}
		ext.Broadcast(f)

	case f.Register != nil:
		// The backend never emits Register; ignore rather than fail.
		logx.Log.Debug().Msg("register frame from backend, ignoring")
	}
}

func (r *Router) dispatchRequest(req frame.Request) {
	r.putSrv(req.ID, req.Action)
	ext := r.extension()
	n := 0
	if ext != nil {
		n = ext.Broadcast(frame.Frame{Request: &req})
	}
	if n == 0 {
		metrics.RecordDispatchError()
		if entry := r.takeSrv(req.ID); entry != nil {
			err := frame.NewError(req.ID, CodeDispatchFailed,
				fmt.Sprintf("no extension connection for %q", entry.action), "")
			if serr := r.backend.Send(err); serr != nil {
				logx.Log.Warn().Err(serr).Uint32("id", req.ID).Msg("could not report dispatch failure")
			}
		}
	}
}

// PendingCounts returns the sizes of the two tables, for the state endpoint
// and tests.
func (r *Router) PendingCounts() (extension, server int) {
	r.extMu.Lock()
	extension = len(r.pendingExt)
	r.extMu.Unlock()
	r.srvMu.Lock()
	server = len(r.pendingSrv)
	r.srvMu.Unlock()
	return
}

// putExt records an extension-initiated request and returns its correlation
// ID. The entry's deadline delivers exactly one timeout error if nothing
// consumed it first.
func (r *Router) putExt(entry *extPending) uint32 {
	r.extMu.Lock()
	r.nextCorr++
	for r.nextCorr == 0 || r.pendingExt[r.nextCorr] != nil {
		r.nextCorr++
	}
	corrID := r.nextCorr
	r.pendingExt[corrID] = entry
	n := len(r.pendingExt)
	r.extMu.Unlock()
	metrics.SetPending("extension", n)

	if r.timeout > 0 {
		entry.timer = time.AfterFunc(r.timeout, func() {
			if e := r.takeExt(corrID); e != nil {
				logx.Log.Warn().Str("action", e.action).Uint32("id", e.origID).Msg("request timed out")
				e.complete(frame.NewError(e.origID, CodeTimeout, "request timed out", e.action))
			}
		})
	}
	return corrID
}

// takeExt removes and returns the entry for corrID, or nil. Lookup and
// removal are one critical section so each entry is consumed at most once.
func (r *Router) takeExt(corrID uint32) *extPending {
	r.extMu.Lock()
	entry := r.pendingExt[corrID]
	delete(r.pendingExt, corrID)
	n := len(r.pendingExt)
	r.extMu.Unlock()
	metrics.SetPending("extension", n)
	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

func (r *Router) putSrv(id uint32, action string) {
	entry := &srvPending{action: action}
	r.srvMu.Lock()
	r.pendingSrv[id] = entry
	n := len(r.pendingSrv)
	r.srvMu.Unlock()
	metrics.SetPending("server", n)

	if r.timeout > 0 {
		entry.timer = time.AfterFunc(r.timeout, func() {
			if e := r.takeSrv(id); e != nil {
				logx.Log.Warn().Str("action", e.action).Uint32("id", id).Msg("backend request timed out")
				err := frame.NewError(id, CodeTimeout, "request timed out", e.action)
				if serr := r.backend.Send(err); serr != nil {
					logx.Log.Warn().Err(serr).Uint32("id", id).Msg("could not report timeout")
				}
			}
		})
	}
}

func (r *Router) takeSrv(id uint32) *srvPending {
	r.srvMu.Lock()
	entry := r.pendingSrv[id]
	delete(r.pendingSrv, id)
	n := len(r.pendingSrv)
	r.srvMu.Unlock()
	metrics.SetPending("server", n)
	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}
