package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/focus"
	"github.com/audiolibrelab/audiobridge/internal/foreground"
	"github.com/audiolibrelab/audiobridge/internal/permission"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// callLog records the calls of every fake in one order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

// index returns the position of the first (or last) occurrence of call, or -1.
func (l *callLog) index(call string, last bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	found := -1
	for i, c := range l.calls {
		if c == call {
			found = i
			if !last {
				break
			}
		}
	}
	return found
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeDevice struct {
	mu       sync.Mutex
	location string
	calls    []string
	errs     map[string]error
	peak     int
	cb       audio.CaptureCallbacks
	log      *callLog
}

func (d *fakeDevice) op(name string) error {
	d.log.add("device." + name)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name)
	return d.errs[name]
}

func (d *fakeDevice) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (d *fakeDevice) Prepare() error { return d.op("prepare") }
func (d *fakeDevice) Start() error   { return d.op("start") }
func (d *fakeDevice) Pause() error   { return d.op("pause") }
func (d *fakeDevice) Resume() error  { return d.op("resume") }
func (d *fakeDevice) Stop() error    { return d.op("stop") }
func (d *fakeDevice) Release() error { return d.op("release") }
func (d *fakeDevice) Location() string {
	return d.location
}

func (d *fakeDevice) PeakAmplitude() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak, nil
}

func (d *fakeDevice) setErr(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[op] = err
}

func (d *fakeDevice) called(op string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c == op {
			return true
		}
	}
	return false
}

func (d *fakeDevice) callbacks() audio.CaptureCallbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cb
}

type fakeDriver struct {
	mu        sync.Mutex
	opens     int
	openErr   error
	openDelay time.Duration
	errs      map[string]error
	devices   []*fakeDevice
	lastCfg   audio.RecorderConfig
	log       *callLog
}

func (f *fakeDriver) Open(target string, cfg audio.RecorderConfig, cb audio.CaptureCallbacks) (audio.CaptureDevice, error) {
	f.log.add("driver.open")
	f.mu.Lock()
	delay := f.openDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.lastCfg = cfg
	if f.openErr != nil {
		return nil, f.openErr
	}
	errs := make(map[string]error)
	for k, v := range f.errs {
		errs[k] = v
	}
	d := &fakeDevice{location: target, errs: errs, cb: cb, log: f.log}
	f.devices = append(f.devices, d)
	return d, nil
}

func (f *fakeDriver) setOpenDelay(d time.Duration) {
	f.mu.Lock()
	f.openDelay = d
	f.mu.Unlock()
}

func (f *fakeDriver) last() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[len(f.devices)-1]
}

type fakeService struct {
	mu      sync.Mutex
	running bool
	log     *callLog
}

func (s *fakeService) Start(context.Context) error {
	s.log.add("guard.start")
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	s.log.add("guard.stop")
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *fakeService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeService) crash() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	states   []events.RecorderState
	progress []events.RecorderProgress
}

func (s *recordingSink) RecorderStateChanged(e events.RecorderState) {
	s.mu.Lock()
	s.states = append(s.states, e)
	s.mu.Unlock()
}

func (s *recordingSink) RecorderProgress(e events.RecorderProgress) {
	s.mu.Lock()
	s.progress = append(s.progress, e)
	s.mu.Unlock()
}

func (s *recordingSink) PlayerProgress(events.PlayerProgress) {}

func (s *recordingSink) stateNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.states {
		names = append(names, e.State)
	}
	return names
}

func (s *recordingSink) lastState() events.RecorderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

func (s *recordingSink) progressEvents() []events.RecorderProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.RecorderProgress(nil), s.progress...)
}

type harness struct {
	ctrl       *Controller
	driver     *fakeDriver
	service    *fakeService
	guard      *foreground.Guard
	manager    *focus.Manager
	competitor *focus.Arbiter
	sink       *recordingSink
	clock      *fakeClock
	log        *callLog
}

func newHarness(t *testing.T, cfg Config, perm permission.Checker) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		driver:  &fakeDriver{log: log},
		service: &fakeService{log: log},
		manager: focus.NewManager(),
		sink:    &recordingSink{},
		clock:   newFakeClock(),
		log:     log,
	}
	h.guard = foreground.NewGuard(h.service)
	h.competitor = h.manager.NewArbiter("competitor")
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 20 * time.Millisecond
	}
	h.ctrl = New(h.driver, h.manager.NewArbiter("recorder"), h.guard, perm, h.sink, cfg, WithClock(h.clock.Now))
	t.Cleanup(func() {
		h.competitor.Release()
		h.ctrl.Close(context.Background())
	})
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	return st.State
}

func (h *harness) start(t *testing.T, target string, metering bool) string {
	t.Helper()
	loc, err := h.ctrl.Start(context.Background(), StartRequest{Target: target, Metering: metering})
	require.NoError(t, err)
	return loc
}

func TestController_StartStop(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	loc := h.start(t, "take1.wav", false)
	assert.Equal(t, "take1.wav", loc)
	assert.True(t, h.guard.IsActive())
	assert.Equal(t, "recorder", h.manager.Holder())

	final, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "take1.wav", final)

	dev := h.driver.last()
	assert.True(t, dev.called("stop"))
	assert.True(t, dev.called("release"))
	assert.False(t, h.guard.IsActive())
	assert.Equal(t, "", h.manager.Holder())
	assert.Equal(t, []string{"recording", "stopped"}, h.sink.stateNames())
	assert.Equal(t, StateStopped, h.state(t))

	// a new session may start after stop
	h.start(t, "take2.wav", false)
	assert.Equal(t, StateRecording, h.state(t))
}

func TestController_MergesConfigDefaults(t *testing.T) {
	h := newHarness(t, Config{Defaults: audio.RecorderConfig{Source: "silence", SampleRate: 44100, Channels: 1}}, nil)

	_, err := h.ctrl.Start(context.Background(), StartRequest{
		Target: "a.wav",
		Config: &audio.RecorderConfig{SampleRate: 16000},
	})
	require.NoError(t, err)

	assert.Equal(t, "silence", h.driver.lastCfg.Source)
	assert.Equal(t, 16000, h.driver.lastCfg.SampleRate)
	assert.Equal(t, 1, h.driver.lastCfg.Channels)
}

func TestController_PauseAccountingIsExact(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	h.clock.Advance(1 * time.Second)
	require.NoError(t, h.ctrl.Pause(ctx))
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.ctrl.Resume(ctx))
	h.clock.Advance(1 * time.Second)
	require.NoError(t, h.ctrl.Pause(ctx))
	h.clock.Advance(3 * time.Second)

	st, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.PausedMillis)
	assert.Equal(t, int64(2000), st.ElapsedMillis)

	require.NoError(t, h.ctrl.Resume(ctx))
	h.clock.Advance(1 * time.Second)

	st, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), st.PausedMillis)
	assert.Equal(t, int64(3000), st.ElapsedMillis)

	_, err = h.ctrl.Stop(ctx)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	st, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), st.ElapsedMillis, "elapsed freezes at stop")
}

func TestController_SecondStartRejected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "first.wav", false)
	before, err := h.ctrl.Status(ctx)
	require.NoError(t, err)

	_, err = h.ctrl.Start(ctx, StartRequest{Target: "second.wav"})
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	after, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, StateRecording, after.State)
	assert.Equal(t, "first.wav", after.Location)
	assert.Equal(t, 1, h.driver.opens)
}

func TestController_PermissionDenied(t *testing.T) {
	h := newHarness(t, Config{}, permission.Static(false))

	_, err := h.ctrl.Start(context.Background(), StartRequest{Target: "a.wav"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 0, h.driver.opens)
	assert.Equal(t, StateIdle, h.state(t))
	assert.Empty(t, h.sink.stateNames())
}

func TestController_CommandsWithoutSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.ctrl.Stop(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrNoActiveSession)
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrNoActiveSession)

	h.start(t, "a.wav", false)
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrInvalidState)
	require.NoError(t, h.ctrl.Pause(ctx))
	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrInvalidState)
}

func TestController_FocusLossAndRegain(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	h.clock.Advance(time.Second)

	h.competitor.Request(nil)
	require.Eventually(t, func() bool { return h.state(t) == StateInterrupted }, time.Second, 5*time.Millisecond)
	assert.False(t, h.ctrl.ticker.Running())
	assert.True(t, h.driver.last().called("pause"))

	st, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.WasInterrupted)

	ticks := len(h.sink.progressEvents())
	h.clock.Advance(4 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sink.progressEvents(), ticks, "no progress while interrupted")

	h.competitor.Release()
	require.Eventually(t, func() bool { return h.state(t) == StateRecording }, time.Second, 5*time.Millisecond)

	st, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), st.PausedMillis)
	assert.False(t, st.WasInterrupted)
	assert.True(t, h.driver.last().called("resume"))
	assert.Equal(t, []string{"recording", "interrupted", "recording"}, h.sink.stateNames())
	assert.Equal(t, "focus_gained", h.sink.lastState().Reason)
	assert.True(t, h.ctrl.ticker.Running())
}

func TestController_FocusEventsWhilePausedDoNotResume(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	require.NoError(t, h.ctrl.Pause(ctx))

	h.competitor.Request(nil)
	h.competitor.Release()
	time.Sleep(100 * time.Millisecond)

	st, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
	assert.False(t, st.WasInterrupted)
	assert.Equal(t, []string{"recording", "paused"}, h.sink.stateNames())
	assert.False(t, h.driver.last().called("resume"))
}

func TestController_PauseDuringInterruptionCancelsAutoResume(t *testing.T) {
	h := newHarness(t, Config{SettleDelay: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	h.competitor.Request(nil)
	require.Eventually(t, func() bool { return h.state(t) == StateInterrupted }, time.Second, 5*time.Millisecond)

	h.competitor.Release()
	require.NoError(t, h.ctrl.Pause(ctx))
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, StatePaused, h.state(t))
	assert.Equal(t, []string{"recording", "interrupted", "paused"}, h.sink.stateNames())
}

func TestController_ManualResumeFromInterrupted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	h.competitor.Request(nil)
	require.Eventually(t, func() bool { return h.state(t) == StateInterrupted }, time.Second, 5*time.Millisecond)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.ctrl.Resume(ctx))

	st, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, int64(2000), st.PausedMillis)

	// focus coming back later changes nothing
	h.competitor.Release()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{"recording", "interrupted", "recording"}, h.sink.stateNames())
}

func TestController_AutoResumeDemotesWhenGuardLost(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.start(t, "a.wav", false)
	h.competitor.Request(nil)
	require.Eventually(t, func() bool { return h.state(t) == StateInterrupted }, time.Second, 5*time.Millisecond)

	h.service.crash()
	h.competitor.Release()

	require.Eventually(t, func() bool { return h.state(t) == StatePaused }, time.Second, 5*time.Millisecond)
	last := h.sink.lastState()
	assert.Equal(t, "paused", last.State)
	assert.Equal(t, "resume_unavailable", last.Reason)
	assert.False(t, h.driver.last().called("resume"))

	// still a user-resumable session
	require.NoError(t, h.ctrl.Resume(context.Background()))
	assert.Equal(t, StateRecording, h.state(t))
}

func TestController_LimitFollowsStopPath(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.start(t, "a.wav", false)
	dev := h.driver.last()
	dev.callbacks().OnLimit(audio.LimitMaxDuration)

	require.Eventually(t, func() bool { return h.state(t) == StateStopped }, time.Second, 5*time.Millisecond)
	last := h.sink.lastState()
	assert.Equal(t, "stopped", last.State)
	assert.Equal(t, "limit:duration", last.Reason)
	assert.Equal(t, "a.wav", last.Location)
	assert.True(t, dev.called("stop"))
	assert.True(t, dev.called("release"))
	assert.False(t, h.guard.IsActive())

	_, err := h.ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestController_AsyncDeviceErrorTearsDown(t *testing.T) {
	h := newHarness(t, Config{ReportErrorAsStopped: true}, nil)

	h.start(t, "a.wav", false)
	dev := h.driver.last()
	dev.callbacks().OnError(errors.New("disk full"))

	require.Eventually(t, func() bool { return h.state(t) == StateError }, time.Second, 5*time.Millisecond)
	last := h.sink.lastState()
	assert.Equal(t, "stopped", last.State)
	assert.Contains(t, last.Reason, "error: ")
	assert.Contains(t, last.Reason, "disk full")
	assert.True(t, dev.called("release"))
	assert.False(t, h.guard.IsActive())
	assert.Equal(t, "", h.manager.Holder())

	// a fresh session can start from Error
	h.start(t, "b.wav", false)
}

func TestController_StartDeviceFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.driver.errs = map[string]error{"start": errors.New("busy device")}

	_, err := h.ctrl.Start(context.Background(), StartRequest{Target: "a.wav"})
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDeviceFailure)

	dev := h.driver.last()
	assert.True(t, dev.called("release"))
	assert.False(t, h.guard.IsActive())
	assert.Equal(t, "", h.manager.Holder())
	assert.Equal(t, StateIdle, h.state(t))
	assert.Empty(t, h.sink.stateNames())
}

func TestController_OpenFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.driver.openErr = errors.New("unsupported container")

	_, err := h.ctrl.Start(context.Background(), StartRequest{Target: "a.wav"})
	assert.ErrorIs(t, err, audio.ErrDeviceFailure)
	assert.False(t, h.guard.IsActive())
	assert.Equal(t, StateIdle, h.state(t))
}

func TestController_PauseDeviceFailureMovesToError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	dev := h.driver.last()
	dev.setErr("pause", errors.New("i/o error"))

	err := h.ctrl.Pause(ctx)
	assert.ErrorIs(t, err, audio.ErrDeviceFailure)

	assert.Equal(t, StateError, h.state(t))
	last := h.sink.lastState()
	assert.Equal(t, "error", last.State)
	assert.True(t, dev.called("release"))
	assert.False(t, h.guard.IsActive())
}

func TestController_StopDeviceFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.start(t, "a.wav", false)
	dev := h.driver.last()
	dev.setErr("stop", errors.New("flush failed"))

	_, err := h.ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, audio.ErrDeviceFailure)
	assert.Equal(t, StateError, h.state(t))
	assert.True(t, dev.called("release"))
	assert.Equal(t, 1, dev.count("stop"), "a device that failed to stop is not stopped again")
}

func TestController_GuardBracketsDevice(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, h *harness)
	}{
		{"stop", func(t *testing.T, h *harness) {
			h.start(t, "a.wav", false)
			_, err := h.ctrl.Stop(context.Background())
			require.NoError(t, err)
		}},
		{"device failure", func(t *testing.T, h *harness) {
			h.start(t, "a.wav", false)
			h.driver.last().setErr("pause", errors.New("i/o error"))
			assert.ErrorIs(t, h.ctrl.Pause(context.Background()), audio.ErrDeviceFailure)
		}},
		{"aborted start", func(t *testing.T, h *harness) {
			h.driver.errs = map[string]error{"start": errors.New("busy device")}
			_, err := h.ctrl.Start(context.Background(), StartRequest{Target: "a.wav"})
			assert.ErrorIs(t, err, audio.ErrDeviceFailure)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, nil)
			tt.run(t, h)

			guardStart := h.log.index("guard.start", false)
			open := h.log.index("driver.open", false)
			release := h.log.index("device.release", true)
			guardStop := h.log.index("guard.stop", true)
			calls := h.log.snapshot()

			require.NotEqual(t, -1, guardStart, calls)
			require.NotEqual(t, -1, release, calls)
			require.NotEqual(t, -1, guardStop, calls)
			assert.Less(t, guardStart, open, "guard acquired before the device opens: %v", calls)
			assert.Less(t, release, guardStop, "guard released after the device: %v", calls)
			assert.False(t, h.guard.IsActive())
		})
	}
}

func TestController_CancelledStartLeavesNoSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.driver.setOpenDelay(150 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	loc, err := h.ctrl.Start(ctx, StartRequest{Target: "slow.wav"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, loc)

	assert.False(t, h.state(t).Open())
	assert.False(t, h.guard.IsActive())
	assert.Equal(t, "", h.manager.Holder())
	assert.True(t, h.driver.last().called("release"))

	// the caller was told the start failed, so a retry must succeed
	h.driver.setOpenDelay(0)
	loc = h.start(t, "retry.wav", false)
	assert.Equal(t, "retry.wav", loc)
	assert.Equal(t, StateRecording, h.state(t))
}

func TestController_FocusDeniedStillRecords(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	call := h.manager.NewExclusiveArbiter("call")
	require.True(t, call.Request(nil))
	defer call.Release()

	h.start(t, "a.wav", false)
	assert.Equal(t, StateRecording, h.state(t))
	assert.Equal(t, "call", h.manager.Holder())

	// the recorder never held focus, so the holder leaving changes nothing
	call.Release()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRecording, h.state(t))
	assert.Equal(t, []string{"recording"}, h.sink.stateNames())
}

func TestController_RecordingEndToEnd(t *testing.T) {
	sink := &recordingSink{}
	manager := focus.NewManager()
	driver := &fakeDriver{}
	ctrl := New(driver, manager.NewArbiter("recorder"), foreground.NewGuard(nil), permission.Static(true), sink,
		Config{TickInterval: 20 * time.Millisecond})
	defer ctrl.Close(context.Background())
	ctx := context.Background()

	loc, err := ctrl.Start(ctx, StartRequest{Target: "e2e.wav", Metering: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.progressEvents()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	progress := sink.progressEvents()
	for i, p := range progress {
		assert.True(t, p.IsRecording)
		require.NotNil(t, p.MeteringDB)
		assert.Equal(t, DefaultMeteringFloorDB, *p.MeteringDB)
		if i > 0 {
			assert.GreaterOrEqual(t, p.ElapsedMillis, progress[i-1].ElapsedMillis)
		}
	}

	require.NoError(t, ctrl.Pause(ctx))
	paused := len(sink.progressEvents())
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.progressEvents(), paused)

	require.NoError(t, ctrl.Resume(ctx))
	final, err := ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, loc, final)
	assert.Equal(t, "e2e.wav", final)
}

func TestController_SubscriptionDuration(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.start(t, "a.wav", false)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.sink.progressEvents(), "progress disabled without an interval")

	require.NoError(t, h.ctrl.SetSubscriptionDuration(ctx, 10*time.Millisecond))
	require.Eventually(t, func() bool { return len(h.sink.progressEvents()) > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.SetSubscriptionDuration(ctx, 0))
	n := len(h.sink.progressEvents())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sink.progressEvents(), n)
}

type blockingPermission struct {
	release chan struct{}
}

func (p *blockingPermission) Check(context.Context) permission.Status {
	return permission.StatusUndetermined
}

func (p *blockingPermission) Request(ctx context.Context) (bool, error) {
	select {
	case <-p.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestController_BusyWhileStarting(t *testing.T) {
	perm := &blockingPermission{release: make(chan struct{})}
	h := newHarness(t, Config{}, perm)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Start(ctx, StartRequest{Target: "a.wav"})
		done <- err
	}()
	require.Eventually(t, h.ctrl.starting.Load, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrBusy)
	_, err := h.ctrl.Stop(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.ctrl.Start(ctx, StartRequest{Target: "b.wav"})
	assert.ErrorIs(t, err, ErrBusy)

	close(perm.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateRecording, h.state(t))
}

func TestController_CloseStopsOpenSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.start(t, "a.wav", false)
	require.NoError(t, h.ctrl.Close(context.Background()))

	assert.True(t, h.driver.last().called("stop"))
	assert.Equal(t, "shutdown", h.sink.lastState().Reason)

	_, err := h.ctrl.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecibelsFromPeak(t *testing.T) {
	assert.Equal(t, -160.0, DecibelsFromPeak(0, -160))
	assert.Equal(t, -160.0, DecibelsFromPeak(-3, -160))
	assert.InDelta(t, 0.0, DecibelsFromPeak(FullScale, -160), 1e-9)
	assert.InDelta(t, -6.02, DecibelsFromPeak(16384, -160), 0.01)
	assert.Equal(t, -40.0, DecibelsFromPeak(1, -40))
}
