// Package stdio implements the native-messaging variant of the extension
// transport: the browser launches the host process and speaks the same
// length-prefixed frames over its stdin and stdout. There is exactly one
// logical connection.
package stdio

import (
	"io"
	"sync"

	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/listener"
	"github.com/eurora-app/bridge/internal/logx"
)

// ConnID is the handle reported for the single stdio connection.
const ConnID = "stdio"

// Pipe pumps frames between the process's stdin/stdout and a Handler.
type Pipe struct {
	in      io.Reader
	handler listener.Handler

	wmu sync.Mutex
	out io.Writer
}

// New constructs a Pipe over the given streams. Pass os.Stdin and os.Stdout
// in the host binary; tests pass in-memory pipes.
func New(in io.Reader, out io.Writer, handler listener.Handler) *Pipe {
	return &Pipe{in: in, out: out, handler: handler}
}

// Run reads frames from stdin until EOF or a framing error. EOF is the
// browser closing the host and returns nil; framing errors are returned
// because stdin cannot be resynchronized.
func (p *Pipe) Run() error {
	r := frame.NewReader(p.in)
	for {
		f, err := r.Read()
		if err != nil {
			if err == io.EOF {
				logx.Log.Info().Msg("stdin closed, browser ended the session")
				return nil
			}
			return err
		}
		p.handler.HandleFrame(ConnID, f, func(rf frame.Frame) {
			if werr := p.write(rf); werr != nil {
				logx.Log.Error().Err(werr).Msg("stdout write failed")
			}
		})
	}
}

// Broadcast writes f to stdout, the only connection. Returns 1 on success.
func (p *Pipe) Broadcast(f frame.Frame) int {
	if err := p.write(f); err != nil {
		logx.Log.Error().Err(err).Msg("stdout write failed")
		return 0
	}
	return 1
}

func (p *Pipe) write(f frame.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return frame.Write(p.out, f)
}
