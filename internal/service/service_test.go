package service

import (
	"strings"
	"testing"
	"time"
)

func TestServiceLifecycle(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	got := m.Start("ticker", "while true; do echo tick; sleep 0.1; done", t.TempDir())
	if !strings.Contains(got, "started") {
		t.Fatalf("Start: %q", got)
	}

	// Starting again while running is a no-op.
	if got := m.Start("ticker", "echo other", t.TempDir()); !strings.Contains(got, "already running") {
		t.Errorf("second Start: %q", got)
	}

	time.Sleep(300 * time.Millisecond)
	status := m.Check("ticker")
	if !strings.Contains(status, "running") {
		t.Errorf("Check: %q", status)
	}
	if !strings.Contains(status, "tick") {
		t.Errorf("Check output missing service stdout: %q", status)
	}

	if got := m.Stop("ticker"); !strings.Contains(got, "stopped") {
		t.Errorf("Stop: %q", got)
	}
	if got := m.Check("ticker"); !strings.Contains(got, "no service") {
		t.Errorf("Check after stop: %q", got)
	}
}

func TestServiceExitReported(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	m.Start("short", "echo done-now", t.TempDir())
	time.Sleep(300 * time.Millisecond)

	status := m.Check("short")
	if !strings.Contains(status, "exited") {
		t.Errorf("Check: %q", status)
	}
	if !strings.Contains(status, "done-now") {
		t.Errorf("Check missing captured output: %q", status)
	}
}

func TestServiceUnknownNames(t *testing.T) {
	m := NewManager()
	if got := m.Check("ghost"); !strings.Contains(got, "no service") {
		t.Errorf("Check: %q", got)
	}
	if got := m.Stop("ghost"); !strings.Contains(got, "no service") {
		t.Errorf("Stop: %q", got)
	}
}
