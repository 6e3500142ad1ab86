// Package service manages long-running background processes started by
// the agent: dev servers, watchers, anything that outlives a tool call.
package service

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// outputTail is how many bytes of recent combined output Check reports.
const outputTail = 4000

type entry struct {
	name    string
	command string
	cmd     *exec.Cmd
	started time.Time

	mu     sync.Mutex
	output strings.Builder
	exited bool
	exit   error
}

func (e *entry) write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Keep the builder bounded; old output is only useful as a tail.
	if e.output.Len() > 4*outputTail {
		tail := e.output.String()
		e.output.Reset()
		e.output.WriteString(tail[len(tail)-outputTail:])
	}
	return e.output.Write(p)
}

type entryWriter struct{ e *entry }

func (w entryWriter) Write(p []byte) (int, error) { return w.e.write(p) }

// Manager tracks named background services.
type Manager struct {
	mu       sync.Mutex
	services map[string]*entry
}

// NewManager creates an empty service manager.
func NewManager() *Manager {
	return &Manager{services: make(map[string]*entry)}
}

// Start launches command under cwd as the named service. A service
// that is already running is left alone.
func (m *Manager) Start(name, command, cwd string) string {
	m.mu.Lock()
	if e, ok := m.services[name]; ok {
		e.mu.Lock()
		running := !e.exited
		e.mu.Unlock()
		if running {
			m.mu.Unlock()
			return fmt.Sprintf("service %q is already running", name)
		}
		delete(m.services, name)
	}
	m.mu.Unlock()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	// Own process group so Stop can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e := &entry{name: name, command: command, cmd: cmd, started: time.Now()}
	w := entryWriter{e}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("failed to start service %q: %v", name, err)
	}

	m.mu.Lock()
	m.services[name] = e
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		e.exited = true
		e.exit = err
		e.mu.Unlock()
		log.Printf("[Service] %s exited: %v", name, err)
	}()

	log.Printf("[Service] started %s (pid %d): %s", name, cmd.Process.Pid, command)
	return fmt.Sprintf("service %q started (pid %d)", name, cmd.Process.Pid)
}

// Check reports whether the named service is running plus a tail of
// its combined output.
func (m *Manager) Check(name string) string {
	m.mu.Lock()
	e, ok := m.services[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Sprintf("no service named %q", name)
	}

	e.mu.Lock()
	out := e.output.String()
	exited := e.exited
	exitErr := e.exit
	e.mu.Unlock()
	if len(out) > outputTail {
		out = out[len(out)-outputTail:]
	}

	status := fmt.Sprintf("service %q running (pid %d, up %s)", name, e.cmd.Process.Pid, time.Since(e.started).Round(time.Second))
	if exited {
		status = fmt.Sprintf("service %q exited: %v", name, exitErr)
	}
	if out == "" {
		return status
	}
	return status + "\n--- recent output ---\n" + out
}

// Stop kills the named service's process group and forgets it.
func (m *Manager) Stop(name string) string {
	m.mu.Lock()
	e, ok := m.services[name]
	delete(m.services, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Sprintf("no service named %q", name)
	}

	e.mu.Lock()
	exited := e.exited
	e.mu.Unlock()
	if exited {
		return fmt.Sprintf("service %q had already exited", name)
	}

	if err := syscall.Kill(-e.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		// Fall back to the direct process if the group is gone.
		if killErr := e.cmd.Process.Kill(); killErr != nil {
			return fmt.Sprintf("failed to stop service %q: %v", name, killErr)
		}
	}
	log.Printf("[Service] stopped %s", name)
	return fmt.Sprintf("service %q stopped", name)
}

// StopAll terminates every tracked service. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Stop(name)
	}
}
