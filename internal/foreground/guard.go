// Package foreground keeps the process allowed to hold the microphone while it is not
// the foreground application.
package foreground

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Service is the platform facility granting foreground execution
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Guard wraps a Service with idempotent acquire/release and owns the active flag.
type Guard struct {
	svc    Service
	logger *slog.Logger

	mu     sync.Mutex
	active bool
}

// NewGuard creates an inactive guard. A nil service means a NoopService.
func NewGuard(svc Service) *Guard {
	if svc == nil {
		svc = &NoopService{}
	}
	return &Guard{
		svc:    svc,
		logger: slog.Default().With("component", "foreground"),
	}
}

// Acquire starts the foreground service unless already held.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		return nil
	}
	if err := g.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start foreground service: %w", err)
	}
	g.active = true
	g.logger.Debug("Foreground guard acquired")
	return nil
}

// Release stops the foreground service if held. The guard is inactive afterwards even
// when the service reports an error.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return nil
	}
	g.active = false
	if err := g.svc.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop foreground service: %w", err)
	}
	g.logger.Debug("Foreground guard released")
	return nil
}

// IsActive reports whether the guard is held and the service is still running.
func (g *Guard) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && g.svc.IsRunning()
}

// NoopService grants foreground execution without any platform call
type NoopService struct {
	mu      sync.Mutex
	running bool
}

func (s *NoopService) Start(context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *NoopService) Stop(context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *NoopService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
