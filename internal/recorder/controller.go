// Package recorder implements the recording session controller.
//
// A Controller owns one recording session at a time. Commands, audio focus events,
// progress ticks, the auto-resume timer and device callbacks are all executed on a
// single loop goroutine, which is the only writer of session state.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/focus"
	"github.com/audiolibrelab/audiobridge/internal/foreground"
	"github.com/audiolibrelab/audiobridge/internal/metrics"
	"github.com/audiolibrelab/audiobridge/internal/permission"
	"github.com/audiolibrelab/audiobridge/internal/ticker"
)

const (
	component = "recorder"

	// DefaultSettleDelay is how long focus must stay regained before an interrupted
	// recording resumes.
	DefaultSettleDelay = 500 * time.Millisecond

	queueSize           = 64
	guardReleaseTimeout = 5 * time.Second
)

var errQueueFull = errors.New("recorder queue full, progress tick skipped")

// Config holds the controller settings
type Config struct {
	// Defaults fill the zero fields of the capture configuration passed to Start
	Defaults        audio.RecorderConfig
	TickInterval    time.Duration
	SettleDelay     time.Duration
	MeteringFloorDB float64
	// ReportErrorAsStopped emits the Error state as "stopped" with an "error: ..." reason
	ReportErrorAsStopped bool
}

// Option customizes a Controller
type Option func(*Controller)

// WithClock replaces the wall clock used for elapsed time accounting
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records controller metrics into m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// StartRequest is the input of Start
type StartRequest struct {
	Target   string
	Config   *audio.RecorderConfig
	Metering bool
}

// Status is a snapshot of the controller
type Status struct {
	SessionID      string `json:"session_id,omitempty"`
	State          State  `json:"state"`
	Location       string `json:"location,omitempty"`
	Metering       bool   `json:"metering"`
	ElapsedMillis  int64  `json:"elapsed_ms"`
	PausedMillis   int64  `json:"paused_ms"`
	WasInterrupted bool   `json:"was_interrupted"`
	TickMillis     int64  `json:"tick_ms"`
}

// Controller is the recording session controller
type Controller struct {
	driver  audio.CaptureDriver
	arbiter *focus.Arbiter
	guard   *foreground.Guard
	perm    permission.Checker
	sink    events.Sink
	cfg     Config
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger

	queue     chan func()
	closed    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	starting  atomic.Bool

	// loop-owned
	machine   *fsm.FSM
	session   *session
	device    audio.CaptureDevice
	ticker    *ticker.Ticker
	interval  time.Duration
	tickSeq   uint64
	settle    *time.Timer
	settleSeq uint64
}

// New creates a controller and starts its loop. Close releases it.
func New(driver audio.CaptureDriver, arbiter *focus.Arbiter, guard *foreground.Guard, perm permission.Checker, sink events.Sink, cfg Config, opts ...Option) *Controller {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.MeteringFloorDB == 0 {
		cfg.MeteringFloorDB = DefaultMeteringFloorDB
	}
	if guard == nil {
		guard = foreground.NewGuard(nil)
	}
	if perm == nil {
		perm = permission.Static(true)
	}
	if sink == nil {
		sink = events.Discard{}
	}

	c := &Controller{
		driver:   driver,
		arbiter:  arbiter,
		guard:    guard,
		perm:     perm,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", component),
		queue:    make(chan func(), queueSize),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		ticker:   ticker.New(component),
		interval: cfg.TickInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = newStateMachine(func(from, to string) {
		c.metrics.Transition(component, from, to)
		c.logger.Debug("Recorder state changed", "from", from, "to", to)
	})

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.closed:
			return
		}
	}
}

// post queues fn on the loop, waiting for room.
func (c *Controller) post(ctx context.Context, fn func()) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- fn:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryPost queues fn only if there is room right now.
func (c *Controller) tryPost(fn func()) error {
	select {
	case <-c.closed:
		return ErrClosed
	case c.queue <- fn:
		return nil
	default:
		return errQueueFull
	}
}

// call runs fn on the loop and waits for its result. A cancelled ctx stops the wait,
// not fn.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := c.post(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-c.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start opens a new recording session and returns the location being written.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	if !c.starting.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer c.starting.Store(false)

	if err := c.call(ctx, func() error {
		if c.state().Open() {
			return ErrAlreadyRecording
		}
		return nil
	}); err != nil {
		return "", err
	}

	granted, err := permission.Ensure(ctx, c.perm)
	if err != nil {
		return "", fmt.Errorf("failed to request microphone permission: %w", err)
	}
	if !granted {
		return "", ErrPermissionDenied
	}

	cfg := c.cfg.Defaults
	if req.Config != nil {
		cfg = req.Config.Merge(c.cfg.Defaults)
	}

	// Once queued, the start runs to completion and its outcome is what the caller
	// gets. A caller that gave up meanwhile has the session rolled back.
	res := make(chan error, 1)
	var location string
	if err := c.post(ctx, func() {
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		var err error
		location, err = c.start(req.Target, cfg, req.Metering)
		if err == nil && ctx.Err() != nil {
			c.logger.Warn("Start abandoned by caller, stopping session", "location", location, "error", ctx.Err())
			if _, serr := c.stop("cancelled"); serr != nil {
				c.logger.Warn("Failed to stop abandoned session", "error", serr)
			}
			location, err = "", ctx.Err()
		}
		res <- err
	}); err != nil {
		return "", err
	}
	select {
	case err := <-res:
		return location, err
	case <-c.loopDone:
		return "", ErrClosed
	}
}

// Pause pauses the open session
func (c *Controller) Pause(ctx context.Context) error {
	if c.starting.Load() {
		return ErrBusy
	}
	return c.call(ctx, c.pause)
}

// Resume resumes a paused or interrupted session
func (c *Controller) Resume(ctx context.Context) error {
	if c.starting.Load() {
		return ErrBusy
	}
	return c.call(ctx, c.resume)
}

// Stop closes the open session and returns the final output location.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	if c.starting.Load() {
		return "", ErrBusy
	}
	var location string
	err := c.call(ctx, func() error {
		if !c.state().Open() {
			return ErrNoActiveSession
		}
		var err error
		location, err = c.stop("")
		return err
	})
	return location, err
}

// SetSubscriptionDuration changes the progress interval. Zero or less disables progress.
func (c *Controller) SetSubscriptionDuration(ctx context.Context, interval time.Duration) error {
	return c.call(ctx, func() error {
		c.interval = interval
		switch {
		case interval <= 0:
			c.stopTicker()
		case c.ticker.Running():
			return c.ticker.SetInterval(interval)
		case c.state() == StateRecording:
			c.startTicker()
		}
		return nil
	})
}

// Status returns a snapshot of the current or last session.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, func() error {
		st = Status{State: c.state(), TickMillis: c.interval.Milliseconds()}
		if s := c.session; s != nil {
			now := c.now()
			st.SessionID = s.id
			st.Location = s.location
			st.Metering = s.metering
			st.ElapsedMillis = s.elapsed(now).Milliseconds()
			st.PausedMillis = s.accumulatedPause.Milliseconds()
			st.WasInterrupted = s.wasInterrupted
		}
		return nil
	})
	return st, err
}

// Close stops an open session and ends the loop.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.call(ctx, func() error {
			if c.state().Open() {
				_, err := c.stop("shutdown")
				return err
			}
			return nil
		})
		close(c.closed)
		<-c.loopDone
	})
	return err
}

func (c *Controller) state() State {
	return State(c.machine.Current())
}

func (c *Controller) transition(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.logger.Error("Invalid recorder transition", "event", event, "state", c.state(), "error", err)
	}
}

func (c *Controller) start(target string, cfg audio.RecorderConfig, metering bool) (string, error) {
	if c.state().Open() {
		return "", ErrAlreadyRecording
	}

	s := &session{id: uuid.NewString(), target: target, metering: metering}
	logger := c.logger.With("session", s.id)

	// the guard must be held before the device opens
	if err := c.guard.Acquire(context.Background()); err != nil {
		logger.Warn("Foreground guard unavailable, recording without it", "error", err)
	}

	dev, err := c.driver.Open(target, cfg, audio.CaptureCallbacks{
		OnError: func(err error) {
			go c.post(context.Background(), func() { c.onDeviceError(s.id, err) })
		},
		OnLimit: func(reason audio.LimitReason) {
			go c.post(context.Background(), func() { c.onLimit(s.id, reason) })
		},
	})
	if err != nil {
		return "", c.abortStart(nil, audio.NewDeviceError("open", err))
	}
	if err := dev.Prepare(); err != nil {
		return "", c.abortStart(dev, audio.NewDeviceError("prepare", err))
	}

	if !c.arbiter.Request(func(ev focus.Event) {
		if err := c.post(context.Background(), func() { c.onFocus(s.id, ev) }); err != nil {
			logger.Debug("Focus event not delivered", "event", ev, "error", err)
		}
	}) {
		logger.Warn("Audio focus not granted, recording anyway")
	}

	if err := dev.Start(); err != nil {
		return "", c.abortStart(dev, audio.NewDeviceError("start", err))
	}

	s.startEpoch = c.now()
	s.location = dev.Location()
	c.session = s
	c.device = dev
	c.transition(eventStart)
	c.metrics.SessionStarted(component)
	c.startTicker()

	logger.Info("Recording started", "location", s.location, "source", cfg.Source, "metering", metering)
	c.emit(StateRecording, "")
	return s.location, nil
}

// abortStart undoes a partially started session. The state does not change.
func (c *Controller) abortStart(dev audio.CaptureDevice, cause error) error {
	c.metrics.DeviceError(component, deviceOp(cause))

	var errs error
	if dev != nil {
		errs = multierr.Append(errs, audio.NewDeviceError("release", dev.Release()))
	}
	errs = multierr.Append(errs, c.releaseFocusAndGuard())
	if errs != nil {
		c.logger.Warn("Cleanup after failed start was incomplete", "error", errs)
	}
	c.logger.Error("Failed to start recording", "error", cause)
	return cause
}

func (c *Controller) pause() error {
	switch c.state() {
	case StateRecording:
		if err := c.device.Pause(); err != nil {
			return c.fail(audio.NewDeviceError("pause", err))
		}
		c.stopTicker()
		c.session.enterPause(c.now(), false)
		c.transition(eventPause)
	case StateInterrupted:
		// the device is already paused; this only turns the interruption into a user pause
		c.cancelSettle()
		c.session.wasInterrupted = false
		c.transition(eventPause)
	case StatePaused:
		return ErrInvalidState
	default:
		return ErrNoActiveSession
	}

	c.logger.Info("Recording paused", "session", c.session.id)
	c.emit(StatePaused, "")
	return nil
}

func (c *Controller) resume() error {
	switch c.state() {
	case StatePaused, StateInterrupted:
	case StateRecording:
		return ErrInvalidState
	default:
		return ErrNoActiveSession
	}

	c.cancelSettle()
	if err := c.device.Resume(); err != nil {
		return c.fail(audio.NewDeviceError("resume", err))
	}
	c.session.exitPause(c.now())
	c.transition(eventResume)
	c.startTicker()

	c.logger.Info("Recording resumed", "session", c.session.id)
	c.emit(StateRecording, "")
	return nil
}

// stop closes the open session through the stop path.
func (c *Controller) stop(reason string) (string, error) {
	c.cancelSettle()
	c.stopTicker()

	s := c.session
	s.close(c.now())

	if err := c.device.Stop(); err != nil {
		// the device already failed to stop; only release it
		return "", c.failWith(audio.NewDeviceError("stop", err), false)
	}
	if err := c.teardown(false); err != nil {
		c.logger.Warn("Resource release after stop was incomplete", "session", s.id, "error", err)
	}
	c.transition(eventStop)
	c.metrics.SessionClosed(component, "stopped", s.elapsed(s.closedAt).Seconds())

	c.logger.Info("Recording stopped", "session", s.id, "location", s.location,
		"elapsed", s.elapsed(s.closedAt), "paused", s.accumulatedPause, "reason", reason)
	c.emit(StateStopped, reason)
	return s.location, nil
}

// fail moves the open session to Error after an unconditional teardown and returns cause.
func (c *Controller) fail(cause error) error {
	return c.failWith(cause, true)
}

func (c *Controller) failWith(cause error, stopDevice bool) error {
	c.metrics.DeviceError(component, deviceOp(cause))
	c.cancelSettle()
	c.stopTicker()

	s := c.session
	s.close(c.now())

	if err := c.teardown(stopDevice); err != nil {
		c.logger.Warn("Resource release after device failure was incomplete", "session", s.id, "error", err)
	}
	c.transition(eventFail)
	c.metrics.SessionClosed(component, "error", s.elapsed(s.closedAt).Seconds())

	c.logger.Error("Recording failed", "session", s.id, "error", cause)
	c.emit(StateError, cause.Error())
	return cause
}

// teardown releases the device, focus and guard in that order. Every step is attempted.
func (c *Controller) teardown(stopDevice bool) error {
	var errs error
	if c.device != nil {
		if stopDevice {
			errs = multierr.Append(errs, audio.NewDeviceError("stop", c.device.Stop()))
		}
		errs = multierr.Append(errs, audio.NewDeviceError("release", c.device.Release()))
		c.device = nil
	}
	return multierr.Append(errs, c.releaseFocusAndGuard())
}

func (c *Controller) releaseFocusAndGuard() error {
	c.arbiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), guardReleaseTimeout)
	defer cancel()
	return c.guard.Release(ctx)
}

func (c *Controller) onFocus(sessionID string, ev focus.Event) {
	if !c.current(sessionID) {
		return
	}
	logger := c.logger.With("session", sessionID, "event", ev)

	switch ev {
	case focus.FocusLost:
		switch c.state() {
		case StateRecording:
			if err := c.device.Pause(); err != nil {
				c.fail(audio.NewDeviceError("pause", err))
				return
			}
			c.stopTicker()
			c.session.enterPause(c.now(), true)
			c.transition(eventInterrupt)
			c.metrics.Interrupted()
			logger.Info("Recording interrupted by focus loss")
			c.emit(StateInterrupted, "focus_lost")
		case StateInterrupted:
			// lost again before the settle delay ran out
			c.cancelSettle()
		default:
			logger.Debug("Ignoring focus event", "state", c.state())
		}

	case focus.FocusGained:
		if c.state() != StateInterrupted || !c.session.wasInterrupted {
			logger.Debug("Ignoring focus event", "state", c.state())
			return
		}
		c.cancelSettle()
		seq := c.settleSeq
		c.settle = time.AfterFunc(c.cfg.SettleDelay, func() {
			if err := c.post(context.Background(), func() { c.autoResume(sessionID, seq) }); err != nil {
				logger.Debug("Auto-resume not delivered", "error", err)
			}
		})
		logger.Debug("Focus regained, resuming after settle delay", "delay", c.cfg.SettleDelay)
	}
}

// autoResume runs when the settle delay after a focus regain has passed. Its
// preconditions are checked now, not when it was scheduled.
func (c *Controller) autoResume(sessionID string, seq uint64) {
	if seq != c.settleSeq || !c.current(sessionID) {
		return
	}
	c.settle = nil
	if c.state() != StateInterrupted || !c.session.wasInterrupted {
		return
	}
	logger := c.logger.With("session", sessionID)

	if c.device == nil || !c.guard.IsActive() {
		logger.Warn("Cannot resume interrupted recording, pausing instead",
			"device_open", c.device != nil, "guard_active", c.guard.IsActive())
		c.session.wasInterrupted = false
		c.transition(eventDemote)
		c.metrics.AutoResume("demoted")
		c.emit(StatePaused, "resume_unavailable")
		return
	}

	if err := c.device.Resume(); err != nil {
		c.metrics.AutoResume("failed")
		c.fail(audio.NewDeviceError("resume", err))
		return
	}
	c.session.exitPause(c.now())
	c.transition(eventRegain)
	c.startTicker()
	c.metrics.AutoResume("resumed")

	logger.Info("Interrupted recording resumed")
	c.emit(StateRecording, "focus_gained")
}

func (c *Controller) onLimit(sessionID string, reason audio.LimitReason) {
	if !c.current(sessionID) || !c.state().Open() {
		return
	}
	c.logger.Info("Recording limit reached", "session", sessionID, "limit", reason)
	c.stop("limit:" + string(reason))
}

func (c *Controller) onDeviceError(sessionID string, err error) {
	if !c.current(sessionID) || !c.state().Open() {
		return
	}
	c.fail(audio.NewDeviceError("capture", err))
}

func (c *Controller) current(sessionID string) bool {
	return c.session != nil && c.session.id == sessionID
}

func (c *Controller) startTicker() {
	c.tickSeq++
	if c.interval <= 0 {
		c.ticker.Stop()
		return
	}
	seq := c.tickSeq
	if err := c.ticker.Start(c.interval, func() error {
		if err := c.tryPost(func() { c.tick(seq) }); err != nil {
			c.metrics.TickDropped(component)
			return err
		}
		return nil
	}); err != nil {
		c.logger.Warn("Failed to start progress ticker", "error", err)
	}
}

func (c *Controller) stopTicker() {
	c.tickSeq++
	c.ticker.Stop()
}

func (c *Controller) tick(seq uint64) {
	if seq != c.tickSeq || c.state() != StateRecording {
		return
	}
	s := c.session
	ev := events.RecorderProgress{
		SessionID:     s.id,
		ElapsedMillis: s.elapsed(c.now()).Milliseconds(),
		IsRecording:   true,
	}
	if s.metering {
		if peak, err := c.device.PeakAmplitude(); err != nil {
			c.logger.Debug("Metering sample failed", "error", err)
		} else {
			db := DecibelsFromPeak(peak, c.cfg.MeteringFloorDB)
			ev.MeteringDB = &db
		}
	}
	c.metrics.Tick(component)
	c.sink.RecorderProgress(ev)
}

func (c *Controller) cancelSettle() {
	c.settleSeq++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Controller) emit(state State, reason string) {
	ev := events.RecorderState{State: string(state), Reason: reason}
	if s := c.session; s != nil {
		ev.SessionID = s.id
		ev.Location = s.location
	}
	if state == StateError && c.cfg.ReportErrorAsStopped {
		ev.State = string(StateStopped)
		ev.Reason = "error: " + reason
	}
	c.sink.RecorderStateChanged(ev)
}

func deviceOp(err error) string {
	var de *audio.DeviceError
	if errors.As(err, &de) {
		return de.Op
	}
	return "unknown"
}
