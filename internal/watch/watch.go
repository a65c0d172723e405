// Package watch observes the browser process on behalf of the bridge client.
// It is an injected collaborator: the router and client know nothing about
// process lifecycles beyond the UpdateBrowserPID calls they receive.
package watch

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/eurora-app/bridge/internal/logx"
)

// BrowserPIDEnv overrides parent-PID detection. The Safari container app
// launches the host itself, so the host's actual parent is the container,
// not the browser; the container passes the real Safari PID through this
// variable.
const BrowserPIDEnv = "EURORA_BROWSER_PID"

// ParentPID returns the browser PID for a host launched by the browser:
// the env override when present and valid, the process parent otherwise.
func ParentPID() uint32 {
	if v := os.Getenv(BrowserPIDEnv); v != "" {
		if pid, err := strconv.ParseUint(v, 10, 32); err == nil {
			logx.Log.Info().Uint64("pid", pid).Msg("browser pid from environment")
			return uint32(pid)
		}
		logx.Log.Warn().Str("value", v).Msg("invalid browser pid in environment, using parent pid")
	}
	return uint32(os.Getppid())
}

// PIDSink receives browser PID changes. *client.Client satisfies it.
type PIDSink interface {
	UpdateBrowserPID(pid uint32)
}

// Watcher polls for a browser process by executable name and reports PID
// changes (launch, relaunch, quit) to the sink. A missing browser reports
// PID zero.
type Watcher struct {
	name     string
	interval time.Duration
	sink     PIDSink

	last uint32
}

// New constructs a Watcher for the given process name (e.g. "Safari",
// "firefox").
func New(name string, interval time.Duration, sink PIDSink) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{name: name, interval: interval, sink: sink}
}

// Run polls until ctx is cancelled. The first observation is reported too,
// so the sink does not need a separate initial lookup.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.observe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe()
		}
	}
}

func (w *Watcher) observe() {
	pid := w.find()
	if pid == w.last {
		return
	}
	if pid == 0 {
		logx.Log.Info().Str("name", w.name).Uint32("was", w.last).Msg("browser quit")
	} else {
		logx.Log.Info().Str("name", w.name).Uint32("pid", pid).Msg("browser running")
	}
	w.last = pid
	w.sink.UpdateBrowserPID(pid)
}

// find returns the oldest matching process, which is the browser's root
// process rather than one of its renderer children, or zero when none match.
func (w *Watcher) find() uint32 {
	procs, err := process.Processes()
	if err != nil {
		logx.Log.Warn().Err(err).Msg("process scan failed")
		return w.last
	}
	self := int32(os.Getpid())
	var best *process.Process
	var bestCreate int64
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !strings.EqualFold(strings.TrimSuffix(name, ".exe"), w.name) {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			created = 0
		}
		if best == nil || created < bestCreate {
			best = p
			bestCreate = created
		}
	}
	if best == nil {
		return 0
	}
	return uint32(best.Pid)
}
