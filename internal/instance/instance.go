// Package instance enforces a single running bridge per user through a PID
// lock file. Browsers happily start a fresh native messaging host while an
// old one is still wedged on the port; the new instance wins.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/eurora-app/bridge/internal/logx"
)

// ErrHeld reports a lock held by a live process that could not be removed.
var ErrHeld = errors.New("lock held by running instance")

// Acquire takes the lock at path, replacing a stale lock whose holder is
// dead. A live holder is an error; use Takeover to displace it. The returned
// release removes the lock.
func Acquire(path string) (func(), error) {
	if pid, held := holder(path); held {
		return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
	}
	return write(path)
}

// Takeover takes the lock at path, terminating a live holder first. This is
// the native messaging host behavior: the browser just launched us, so any
// previous instance is the stale one.
func Takeover(path string) (func(), error) {
	if pid, held := holder(path); held {
		logx.Log.Info().Int32("pid", pid).Msg("terminating previous instance")
		if p, err := process.NewProcess(pid); err == nil {
			if err := p.Terminate(); err != nil {
				_ = p.Kill()
			}
		}
		// Give it a moment to let go of the port and the lock.
		time.Sleep(500 * time.Millisecond)
	}
	return write(path)
}

// holder returns the PID in the lock file when that process is still alive.
func holder(path string) (int32, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		logx.Log.Warn().Str("path", path).Msg("unreadable lock file, replacing")
		return 0, false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return 0, false
	}
	return int32(pid), true
}

func write(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}
