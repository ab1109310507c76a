package foreground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultInhibitCommand keeps the session from idling or suspending while recording.
var DefaultInhibitCommand = []string{
	"systemd-inhibit", "--what=idle:sleep", "--who=audiobridge",
	"--why=Recording audio", "--mode=block", "sleep", "infinity",
}

// InhibitorService holds foreground execution by running a helper process for as long
// as the guard is held.
type InhibitorService struct {
	command []string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewInhibitorService creates a service running command (DefaultInhibitCommand when empty).
func NewInhibitorService(command []string) *InhibitorService {
	if len(command) == 0 {
		command = DefaultInhibitCommand
	}
	return &InhibitorService{command: command}
}

// Start launches the helper process.
func (s *InhibitorService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && !s.exitedLocked() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(s.command[0]); err != nil {
		return fmt.Errorf("inhibitor %s not available: %w", s.command[0], err)
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start inhibitor: %w", err)
	}
	slog.Debug("Inhibitor started", "command", strings.Join(s.command, " "), "pid", cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Debug("Inhibitor exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()
	s.cmd, s.done = cmd, done
	return nil
}

// Stop interrupts the helper process and waits for it to exit.
func (s *InhibitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd, s.done = nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("Failed to interrupt inhibitor, killing", "error", err)
		cmd.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		slog.Warn("Inhibitor did not exit within timeout, force killing")
		cmd.Process.Kill()
		<-done
		return nil
	case <-ctx.Done():
		cmd.Process.Kill()
		return ctx.Err()
	}
}

// IsRunning reports whether the helper process is alive.
func (s *InhibitorService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !s.exitedLocked()
}

func (s *InhibitorService) exitedLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
