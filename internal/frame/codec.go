package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps the body length a peer may announce. Browsers framing
// native messages stay well under this; anything larger is a corrupt prefix.
const MaxFrameSize = 8 << 20

var (
	// ErrEmptyFrame reports a length prefix of zero. A frame body is always
	// at least a JSON object, so zero means a desynchronized stream.
	ErrEmptyFrame = errors.New("empty frame (length 0)")
	// ErrFrameTooLarge reports a length prefix above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// EncodeBytes returns the length-prefixed encoding of f: a 4-byte
// little-endian length followed by the JSON body.
func EncodeBytes(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("encode frame: %w (%d bytes)", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// DecodeBytes decodes exactly one length-prefixed frame from b. Trailing
// bytes are rejected; message-oriented transports carry one frame per message.
func DecodeBytes(b []byte) (Frame, error) {
	if len(b) < 4 {
		return Frame{}, fmt.Errorf("decode frame: short prefix (%d bytes)", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	if n == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, MaxFrameSize)
	}
	if uint32(len(b)-4) != n {
		return Frame{}, fmt.Errorf("decode frame: body is %d bytes, prefix says %d", len(b)-4, n)
	}
	var f Frame
	if err := json.Unmarshal(b[4:], &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Write encodes f and writes it length-prefixed to w.
func Write(w io.Writer, f Frame) error {
	buf, err := EncodeBytes(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader decodes length-prefixed frames from a byte stream. It alternates
// between reading a 4-byte prefix and reading the announced body.
//
// After a framing error the Reader is poisoned: it keeps returning the same
// error instead of scanning for a plausible next prefix. There is no frame
// boundary marker on the wire, so resynchronization cannot be done safely;
// the owner is expected to drop the connection.
type Reader struct {
	r   io.Reader
	err error
}

// NewReader wraps r for frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns the next frame. It returns io.EOF when the stream ends
// cleanly on a frame boundary.
func (r *Reader) Read() (Frame, error) {
	if r.err != nil {
		return Frame{}, r.err
	}
	f, err := r.read()
	if err != nil && err != io.EOF {
		r.err = err
	}
	return f, err
}

func (r *Reader) read() (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
