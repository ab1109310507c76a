// Package focus arbitrates exclusive but preemptible use of the audio input.
//
// A Manager keeps a stack of holders. The newest requester owns focus; the holder it
// displaced is told it lost focus and is told again when focus returns to it.
// An exclusive holder cannot be displaced: requests made while it owns focus are denied
// and the requester is not queued behind it.
// The arbiter only delivers events; deciding what to do with them is up to the listener.
package focus

import (
	"log/slog"
	"sync"
)

// Event is a focus notification delivered to a holder
type Event int

const (
	FocusLost Event = iota + 1
	FocusGained
)

func (e Event) String() string {
	switch e {
	case FocusLost:
		return "focus_lost"
	case FocusGained:
		return "focus_gained"
	default:
		return "unknown"
	}
}

// Listener receives focus events. It runs on the arbiter's delivery goroutine.
type Listener func(Event)

// Manager owns the focus stack shared by all arbiters
type Manager struct {
	mu    sync.Mutex
	stack []*Arbiter
}

// NewManager creates an empty focus manager
func NewManager() *Manager {
	return &Manager{}
}

// NewArbiter creates a focus client named for diagnostics.
func (m *Manager) NewArbiter(name string) *Arbiter {
	return &Arbiter{manager: m, name: name}
}

// NewExclusiveArbiter creates a focus client that cannot be preempted while it holds focus.
func (m *Manager) NewExclusiveArbiter(name string) *Arbiter {
	return &Arbiter{manager: m, name: name, exclusive: true}
}

// Holder returns the name of the current focus owner, or "" when nobody holds focus.
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return ""
	}
	return m.stack[len(m.stack)-1].name
}

func (m *Manager) request(a *Arbiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.stack); n > 0 && m.stack[n-1] == a {
		return true
	}
	if n := len(m.stack); n > 0 && m.stack[n-1].exclusive {
		slog.Debug("Audio focus denied", "requester", a.name, "holder", m.stack[n-1].name)
		return false
	}
	m.removeLocked(a)
	if n := len(m.stack); n > 0 {
		m.stack[n-1].enqueue(FocusLost)
	}
	m.stack = append(m.stack, a)
	slog.Debug("Audio focus granted", "holder", a.name, "depth", len(m.stack))
	return true
}

func (m *Manager) release(a *Arbiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasTop := len(m.stack) > 0 && m.stack[len(m.stack)-1] == a
	if !m.removeLocked(a) {
		return
	}
	if wasTop && len(m.stack) > 0 {
		next := m.stack[len(m.stack)-1]
		next.enqueue(FocusGained)
		slog.Debug("Audio focus returned", "holder", next.name)
	}
}

func (m *Manager) removeLocked(a *Arbiter) bool {
	for i, h := range m.stack {
		if h == a {
			m.stack = append(m.stack[:i], m.stack[i+1:]...)
			return true
		}
	}
	return false
}

// Arbiter is one client's handle on the focus manager
type Arbiter struct {
	manager   *Manager
	name      string
	exclusive bool

	mu       sync.Mutex
	listener Listener
	queue    []Event
	wake     chan struct{}
	quit     chan struct{}
	active   bool
}

// Name returns the client name
func (a *Arbiter) Name() string { return a.name }

// Exclusive reports whether the arbiter refuses preemption
func (a *Arbiter) Exclusive() bool { return a.exclusive }

// Request takes focus and registers listener until Release. It reports whether focus
// was granted; it is denied while an exclusive arbiter holds focus.
func (a *Arbiter) Request(listener Listener) bool {
	a.mu.Lock()
	if !a.active {
		a.listener = listener
		a.queue = nil
		a.wake = make(chan struct{}, 1)
		a.quit = make(chan struct{})
		a.active = true
		go a.deliver(a.listener, a.wake, a.quit)
	}
	a.mu.Unlock()

	return a.manager.request(a)
}

// Release gives up focus and unregisters the listener. Safe to call repeatedly.
// Events still queued are discarded; Release does not wait for an in-flight delivery.
func (a *Arbiter) Release() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.queue = nil
	close(a.quit)
	a.mu.Unlock()

	a.manager.release(a)
}

// Active reports whether the arbiter holds a request
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Arbiter) enqueue(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return
	}
	a.queue = append(a.queue, ev)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Arbiter) deliver(listener Listener, wake, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-wake:
		}

		for {
			a.mu.Lock()
			if a.wake != wake {
				// a newer Request owns the queue
				a.mu.Unlock()
				return
			}
			if !a.active || len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			ev := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			if listener != nil {
				listener(ev)
			}
		}
	}
}
