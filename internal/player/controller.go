// Package player implements the playback session controller.
//
// It follows the recorder's design on a smaller scale: one loop goroutine owns the
// session, and ticks and device callbacks arrive as messages on that loop.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/metrics"
	"github.com/audiolibrelab/audiobridge/internal/ticker"
)

const (
	component = "player"
	queueSize = 64
)

var errQueueFull = errors.New("player queue full, progress tick skipped")

// Config holds the controller settings
type Config struct {
	TickInterval time.Duration
	// Volume and Speed are applied to every new session until changed
	Volume float64
	Speed  float64
}

// Option customizes a Controller
type Option func(*Controller)

// WithMetrics records controller metrics into m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// StartRequest is the input of Start
type StartRequest struct {
	Source  string
	Headers map[string]string
}

// StartResult tells where playback reads from and whether a paused session was resumed.
type StartResult struct {
	SessionID string `json:"session_id"`
	Location  string `json:"location"`
	Resumed   bool   `json:"resumed"`
}

// Status is a snapshot of the controller
type Status struct {
	SessionID      string  `json:"session_id,omitempty"`
	State          State   `json:"state"`
	Location       string  `json:"location,omitempty"`
	DurationMillis int64   `json:"duration_ms"`
	PositionMillis int64   `json:"position_ms"`
	Volume         float64 `json:"volume"`
	Speed          float64 `json:"speed"`
	TickMillis     int64   `json:"tick_ms"`
}

type session struct {
	id       string
	location string
	device   audio.PlaybackDevice
	opened   time.Time
}

// Controller is the playback session controller
type Controller struct {
	driver  audio.PlaybackDriver
	sink    events.Sink
	metrics *metrics.Collector
	logger  *slog.Logger

	queue     chan func()
	closed    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// loop-owned
	machine  *fsm.FSM
	session  *session
	ticker   *ticker.Ticker
	interval time.Duration
	tickSeq  uint64
	volume   float64
	speed    float64
}

// New creates a controller and starts its loop. Close releases it.
func New(driver audio.PlaybackDriver, sink events.Sink, cfg Config, opts ...Option) *Controller {
	if sink == nil {
		sink = events.Discard{}
	}
	if cfg.Volume < 0 || cfg.Volume > 1 {
		cfg.Volume = 1
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}

	c := &Controller{
		driver:   driver,
		sink:     sink,
		logger:   slog.Default().With("component", component),
		queue:    make(chan func(), queueSize),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		ticker:   ticker.New(component),
		interval: cfg.TickInterval,
		volume:   cfg.Volume,
		speed:    cfg.Speed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = newStateMachine(func(from, to string) {
		c.metrics.Transition(component, from, to)
		c.logger.Debug("Player state changed", "from", from, "to", to)
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

// Start opens source and plays it. A paused session is resumed instead.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var res StartResult
	err := c.call(ctx, func() error {
		switch c.state() {
		case StatePlaying:
			return ErrAlreadyPlaying
		case StatePaused:
			if err := c.resume(); err != nil {
				return err
			}
			res = StartResult{SessionID: c.session.id, Location: c.session.location, Resumed: true}
			return nil
		}

		if req.Source == "" {
			return fmt.Errorf("%w: source is required", ErrInvalidArgument)
		}
		s, err := c.open(ctx, req)
		if err != nil {
			return err
		}
		res = StartResult{SessionID: s.id, Location: s.location}
		return nil
	})
	return res, err
}

// Pause pauses playback
func (c *Controller) Pause(ctx context.Context) error {
	return c.call(ctx, func() error {
		switch c.state() {
		case StatePlaying:
		case StatePaused:
			return ErrInvalidState
		default:
			return ErrNoActiveSession
		}
		if err := c.session.device.Pause(); err != nil {
			c.metrics.DeviceError(component, "pause")
			return audio.NewDeviceError("pause", err)
		}
		c.stopTicker()
		c.transition(eventPause)
		c.logger.Info("Playback paused", "session", c.session.id)
		return nil
	})
}

// Resume continues a paused session from its current position
func (c *Controller) Resume(ctx context.Context) error {
	return c.call(ctx, func() error {
		switch c.state() {
		case StatePaused:
			return c.resume()
		case StatePlaying:
			return ErrInvalidState
		default:
			return ErrNoActiveSession
		}
	})
}

// Stop tears the session down. It reports alreadyStopped when nothing was open.
func (c *Controller) Stop(ctx context.Context) (alreadyStopped bool, err error) {
	err = c.call(ctx, func() error {
		if !c.state().Open() {
			alreadyStopped = true
			return nil
		}
		s := c.session
		c.stopTicker()
		errs := multierr.Append(
			audio.NewDeviceError("stop", s.device.Stop()),
			audio.NewDeviceError("release", s.device.Release()),
		)
		c.transition(eventStop)
		c.metrics.SessionClosed(component, "stopped", time.Since(s.opened).Seconds())
		c.logger.Info("Playback stopped", "session", s.id)
		return errs
	})
	return alreadyStopped, err
}

// Seek moves the playback position
func (c *Controller) Seek(ctx context.Context, position time.Duration) error {
	if position < 0 {
		return fmt.Errorf("%w: position must not be negative", ErrInvalidArgument)
	}
	return c.call(ctx, func() error {
		if !c.state().Open() {
			return ErrNoActiveSession
		}
		return audio.NewDeviceError("seek", c.session.device.Seek(position))
	})
}

// SetVolume sets the level in [0, 1]. Without a session it applies to the next one.
func (c *Controller) SetVolume(ctx context.Context, level float64) error {
	if level < 0 || level > 1 {
		return fmt.Errorf("%w: volume %.2f out of range [0, 1]", ErrInvalidArgument, level)
	}
	return c.call(ctx, func() error {
		c.volume = level
		if c.state().Open() {
			return audio.NewDeviceError("volume", c.session.device.SetVolume(level))
		}
		return nil
	})
}

// SetSpeed sets the playback rate. Without a session it applies to the next one.
func (c *Controller) SetSpeed(ctx context.Context, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: speed must be positive", ErrInvalidArgument)
	}
	return c.call(ctx, func() error {
		c.speed = rate
		if c.state().Open() {
			return audio.NewDeviceError("speed", c.session.device.SetSpeed(rate))
		}
		return nil
	})
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
		case c.state() == StatePlaying:
			c.startTicker()
		}
		return nil
	})
}

// Status returns a snapshot of the current or last session.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, func() error {
		st = Status{
			State:      c.state(),
			Volume:     c.volume,
			Speed:      c.speed,
			TickMillis: c.interval.Milliseconds(),
		}
		if s := c.session; s != nil {
			st.SessionID = s.id
			st.Location = s.location
			st.DurationMillis = s.device.Duration().Milliseconds()
			st.PositionMillis = s.device.Position().Milliseconds()
		}
		return nil
	})
	return st, err
}

// Close stops an open session and ends the loop.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		_, err = c.Stop(ctx)
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
		c.logger.Error("Invalid player transition", "event", event, "state", c.state(), "error", err)
	}
}

func (c *Controller) open(ctx context.Context, req StartRequest) (*session, error) {
	id := uuid.NewString()
	dev, err := c.driver.Open(ctx, audio.PlaybackRequest{
		Source:  req.Source,
		Headers: req.Headers,
		OnCompletion: func() {
			go c.post(context.Background(), func() { c.onCompletion(id) })
		},
		OnError: func(err error) {
			go c.post(context.Background(), func() { c.onDeviceError(id, err) })
		},
	})
	if err != nil {
		c.metrics.DeviceError(component, "open")
		return nil, audio.NewDeviceError("open", err)
	}

	if err := c.prepare(dev); err != nil {
		c.metrics.DeviceError(component, "start")
		if rerr := dev.Release(); rerr != nil {
			c.logger.Warn("Failed to release playback device", "error", rerr)
		}
		return nil, err
	}

	s := &session{id: id, location: dev.Location(), device: dev, opened: time.Now()}
	c.session = s
	c.transition(eventStart)
	c.metrics.SessionStarted(component)
	c.startTicker()

	c.logger.Info("Playback started", "session", id, "location", s.location, "duration", dev.Duration())
	return s, nil
}

func (c *Controller) prepare(dev audio.PlaybackDevice) error {
	if err := dev.Prepare(); err != nil {
		return audio.NewDeviceError("prepare", err)
	}
	if err := dev.SetVolume(c.volume); err != nil {
		return audio.NewDeviceError("volume", err)
	}
	if err := dev.SetSpeed(c.speed); err != nil {
		return audio.NewDeviceError("speed", err)
	}
	return audio.NewDeviceError("start", dev.Start())
}

// resume re-seeks to the reported position before starting, which drops any drift
// the device accumulated while paused.
func (c *Controller) resume() error {
	dev := c.session.device
	if err := dev.Seek(dev.Position()); err != nil {
		c.metrics.DeviceError(component, "seek")
		return audio.NewDeviceError("seek", err)
	}
	if err := dev.Start(); err != nil {
		c.metrics.DeviceError(component, "start")
		return audio.NewDeviceError("start", err)
	}
	c.transition(eventResume)
	c.startTicker()
	c.logger.Info("Playback resumed", "session", c.session.id)
	return nil
}

func (c *Controller) onCompletion(id string) {
	if c.session == nil || c.session.id != id || c.state() != StatePlaying {
		return
	}
	s := c.session
	c.stopTicker()

	d := s.device.Duration().Milliseconds()
	c.sink.PlayerProgress(events.PlayerProgress{
		SessionID:      s.id,
		DurationMillis: d,
		PositionMillis: d,
		IsFinished:     true,
	})

	if err := multierr.Append(s.device.Stop(), s.device.Release()); err != nil {
		c.logger.Warn("Failed to release finished playback", "session", id, "error", err)
	}
	c.transition(eventFinish)
	c.metrics.SessionClosed(component, "finished", time.Since(s.opened).Seconds())
	c.logger.Info("Playback finished", "session", id)
}

func (c *Controller) onDeviceError(id string, err error) {
	if c.session == nil || c.session.id != id || !c.state().Open() {
		return
	}
	s := c.session
	c.metrics.DeviceError(component, "playback")
	c.logger.Error("Playback failed", "session", id, "error", err)

	c.stopTicker()
	if rerr := multierr.Append(s.device.Stop(), s.device.Release()); rerr != nil {
		c.logger.Warn("Failed to release failed playback", "session", id, "error", rerr)
	}
	c.transition(eventStop)
	c.metrics.SessionClosed(component, "error", time.Since(s.opened).Seconds())
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
	if seq != c.tickSeq || c.state() != StatePlaying {
		return
	}
	s := c.session
	c.metrics.Tick(component)
	c.sink.PlayerProgress(events.PlayerProgress{
		SessionID:      s.id,
		DurationMillis: s.device.Duration().Milliseconds(),
		PositionMillis: s.device.Position().Milliseconds(),
	})
}
