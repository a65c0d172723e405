package watch

import (
	"os"
	"sync"
	"testing"
)

type recordingSink struct {
	mu   sync.Mutex
	pids []uint32
}

func (s *recordingSink) UpdateBrowserPID(pid uint32) {
	s.mu.Lock()
	s.pids = append(s.pids, pid)
	s.mu.Unlock()
}

func TestParentPIDEnvOverride(t *testing.T) {
	t.Setenv(BrowserPIDEnv, "12345")
	if pid := ParentPID(); pid != 12345 {
		t.Fatalf("got %d, want 12345", pid)
	}
}

func TestParentPIDInvalidEnvFallsBack(t *testing.T) {
	t.Setenv(BrowserPIDEnv, "not-a-pid")
	if pid := ParentPID(); pid != uint32(os.Getppid()) {
		t.Fatalf("got %d, want parent pid %d", pid, os.Getppid())
	}
}

func TestParentPIDDefault(t *testing.T) {
	t.Setenv(BrowserPIDEnv, "")
	if pid := ParentPID(); pid != uint32(os.Getppid()) {
		t.Fatalf("got %d, want parent pid %d", pid, os.Getppid())
	}
}

func TestObserveReportsOnlyChanges(t *testing.T) {
	sink := &recordingSink{}
	// A name no real process carries, so find() always returns zero; seeding
	// last simulates a browser that was running and quit.
	w := New("definitely-not-a-real-process-name", 0, sink)
	w.last = 7777

	w.observe()
	w.observe() // unchanged, must not re-report

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.pids) != 1 || sink.pids[0] != 0 {
		t.Fatalf("expected single quit report, got %v", sink.pids)
	}
}
