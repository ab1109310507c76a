// Package ticker provides the repeating progress timer used by the session controllers.
package ticker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TickFunc runs on every firing. A returned error is logged and the schedule continues.
type TickFunc func() error

// Ticker fires a callback at a configurable cadence until stopped.
//
// Stop waits for a firing already in progress, so no callback runs after Stop returns.
// A TickFunc must therefore never call Stop (or block on something that does).
type Ticker struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	running  bool
	gen      uint64
	timer    *time.Timer
	fn       TickFunc

	// firing is held while the callback runs
	firing sync.Mutex
}

// New creates a stopped ticker
func New(name string) *Ticker {
	return &Ticker{
		name:   name,
		logger: slog.Default().With("component", "ticker", "ticker", name),
	}
}

// Start begins firing fn every interval. A running ticker is restarted.
func (t *Ticker) Start(interval time.Duration, fn TickFunc) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	if fn == nil {
		return fmt.Errorf("tick function is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.interval = interval
	t.fn = fn
	t.running = true
	t.scheduleLocked()
	return nil
}

// SetInterval changes the cadence from the next scheduled firing on.
func (t *Ticker) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()
	return nil
}

// Interval returns the configured cadence
func (t *Ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Running reports whether the ticker is scheduled
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stop cancels the schedule. It is idempotent.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()

	// wait out a callback that passed its generation check before we got the lock
	t.firing.Lock()
	t.firing.Unlock()
}

func (t *Ticker) stopLocked() {
	t.gen++
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Ticker) scheduleLocked() {
	gen := t.gen
	t.timer = time.AfterFunc(t.interval, func() { t.fire(gen) })
}

func (t *Ticker) fire(gen uint64) {
	t.firing.Lock()
	defer t.firing.Unlock()

	t.mu.Lock()
	if !t.running || t.gen != gen {
		t.mu.Unlock()
		return
	}
	fn := t.fn
	t.mu.Unlock()

	t.invoke(fn)

	t.mu.Lock()
	if t.running && t.gen == gen {
		t.scheduleLocked()
	}
	t.mu.Unlock()
}

func (t *Ticker) invoke(fn TickFunc) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tick panicked, skipping", "panic", r)
		}
	}()
	if err := fn(); err != nil {
		t.logger.Warn("Tick failed, skipping", "error", err)
	}
}
