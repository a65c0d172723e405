package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request asks the peer to perform an action. ID correlates the eventual
// Response or Error; an ID of zero marks a fire-and-forget request.
type Request struct {
	ID      uint32 `json:"id"`
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID      uint32 `json:"id"`
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

// Event is an uncorrelated advisory broadcast.
type Event struct {
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

// Error answers a Request that failed.
type Error struct {
	ID      uint32 `json:"id"`
	Code    uint32 `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Cancel advises the peer that work for the given request ID is no longer
// wanted. Receivers decide independently whether to abort anything.
type Cancel struct {
	ID uint32 `json:"id"`
}

// Register identifies the sending process pair. It is always the first frame
// on a fresh backend stream and may be re-sent to update the browser PID
// without reconnecting.
type Register struct {
	HostPID    uint32 `json:"host_pid"`
	BrowserPID uint32 `json:"browser_pid"`
}

// Frame is the bridge wire message, a tagged union of the six kinds.
// Exactly one field is non-nil.
type Frame struct {
	Request  *Request
	Response *Response
	Event    *Event
	Error    *Error
	Cancel   *Cancel
	Register *Register
}

// ErrUnknownKind reports a frame whose kind tag matches none of the six
// variants, or a frame with more or fewer than one variant set.
var ErrUnknownKind = errors.New("unknown frame kind")

// envelope is the wire shape: {"kind": {"Request": {...}}}.
type envelope struct {
	Kind kindBody `json:"kind"`
}

type kindBody struct {
	Request  *Request  `json:"Request,omitempty"`
	Response *Response `json:"Response,omitempty"`
	Event    *Event    `json:"Event,omitempty"`
	Error    *Error    `json:"Error,omitempty"`
	Cancel   *Cancel   `json:"Cancel,omitempty"`
	Register *Register `json:"Register,omitempty"`
}

// MarshalJSON encodes the frame in its externally tagged wire shape.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.count() != 1 {
		return nil, fmt.Errorf("marshal frame: %w", ErrUnknownKind)
	}
	return json.Marshal(envelope{Kind: kindBody(f)})
}

// UnmarshalJSON decodes the externally tagged wire shape, rejecting unknown
// kind tags and frames that do not carry exactly one variant.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return err
	}
	got := Frame(env.Kind)
	if got.count() != 1 {
		return fmt.Errorf("unmarshal frame: %w", ErrUnknownKind)
	}
	*f = got
	return nil
}

func (f Frame) count() int {
	n := 0
	for _, set := range []bool{
		f.Request != nil, f.Response != nil, f.Event != nil,
		f.Error != nil, f.Cancel != nil, f.Register != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Kind returns the variant name in lowercase, for logs and metric labels.
func (f Frame) Kind() string {
	switch {
	case f.Request != nil:
		return "request"
	case f.Response != nil:
		return "response"
	case f.Event != nil:
		return "event"
	case f.Error != nil:
		return "error"
	case f.Cancel != nil:
		return "cancel"
	case f.Register != nil:
		return "register"
	default:
		return "invalid"
	}
}

// CorrelationID returns the frame's request ID for the kinds that carry one.
func (f Frame) CorrelationID() (uint32, bool) {
	switch {
	case f.Request != nil:
		return f.Request.ID, true
	case f.Response != nil:
		return f.Response.ID, true
	case f.Error != nil:
		return f.Error.ID, true
	case f.Cancel != nil:
		return f.Cancel.ID, true
	default:
		return 0, false
	}
}

// NewRequest builds a Request frame.
func NewRequest(id uint32, action, payload string) Frame {
	return Frame{Request: &Request{ID: id, Action: action, Payload: payload}}
}

// NewResponse builds a Response frame.
func NewResponse(id uint32, action, payload string) Frame {
	return Frame{Response: &Response{ID: id, Action: action, Payload: payload}}
}

// NewEvent builds an Event frame.
func NewEvent(action, payload string) Frame {
	return Frame{Event: &Event{Action: action, Payload: payload}}
}

// NewError builds an Error frame.
func NewError(id, code uint32, message, details string) Frame {
	return Frame{Error: &Error{ID: id, Code: code, Message: message, Details: details}}
}

// NewCancel builds a Cancel frame.
func NewCancel(id uint32) Frame {
	return Frame{Cancel: &Cancel{ID: id}}
}

// NewRegister builds a Register frame.
func NewRegister(hostPID, browserPID uint32) Frame {
	return Frame{Register: &Register{HostPID: hostPID, BrowserPID: browserPID}}
}
