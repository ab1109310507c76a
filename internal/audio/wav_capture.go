package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavHeaderSize     = 44
	bitsPerSample     = 16
	defaultFramePulse = 20 * time.Millisecond
)

var errNotRunning = errors.New("capture not running")

// WAVCaptureDriver writes PCM16 WAV files fed by a synthetic or file-backed source.
type WAVCaptureDriver struct {
	// OutputDir resolves relative targets.
	OutputDir string
	// FramePeriod is the capture pulse; zero means 20ms.
	FramePeriod time.Duration
}

// NewWAVCaptureDriver creates a WAV capture driver rooted at outputDir
func NewWAVCaptureDriver(outputDir string) *WAVCaptureDriver {
	return &WAVCaptureDriver{OutputDir: outputDir}
}

// Open validates the configuration and returns an unprepared device.
func (d *WAVCaptureDriver) Open(target string, cfg RecorderConfig, cb CaptureCallbacks) (CaptureDevice, error) {
	if target == "" {
		return nil, NewDeviceError("open", errors.New("output target is required"))
	}
	if c := strings.ToLower(cfg.Container); c != "wav" {
		return nil, NewDeviceError("open", fmt.Errorf("unsupported container %q", cfg.Container))
	}
	switch strings.ToLower(cfg.Encoder) {
	case "pcm16", "pcm_s16le", "linear16":
	default:
		return nil, NewDeviceError("open", fmt.Errorf("unsupported encoder %q", cfg.Encoder))
	}
	if cfg.SampleRate < 8000 || cfg.SampleRate > 192000 {
		return nil, NewDeviceError("open", fmt.Errorf("sample rate %d out of range", cfg.SampleRate))
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, NewDeviceError("open", fmt.Errorf("channel count %d out of range", cfg.Channels))
	}
	if expected := cfg.SampleRate * cfg.Channels * bitsPerSample; cfg.BitRate != 0 && cfg.BitRate != expected {
		slog.Debug("Ignoring bit rate for uncompressed capture", "bit_rate", cfg.BitRate, "effective", expected)
	}

	sig, err := newSignal(cfg.Source, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, NewDeviceError("open", err)
	}

	location := target
	if !filepath.IsAbs(location) && d.OutputDir != "" {
		location = filepath.Join(d.OutputDir, location)
	}
	if filepath.Ext(location) == "" {
		location += ".wav"
	}

	period := d.FramePeriod
	if period <= 0 {
		period = defaultFramePulse
	}

	return &wavCapture{
		cfg:      cfg,
		cb:       cb,
		sig:      sig,
		location: location,
		period:   period,
	}, nil
}

type captureState int

const (
	captureOpened captureState = iota
	capturePrepared
	captureRunning
	capturePaused
	captureStopped
	captureReleased
)

type wavCapture struct {
	cfg      RecorderConfig
	cb       CaptureCallbacks
	sig      signal
	location string
	period   time.Duration

	mu     sync.Mutex
	state  captureState
	file   *os.File
	enc    *wav.Encoder
	peak   int
	frames int64

	stop chan struct{}
	done chan struct{}
}

func (c *wavCapture) Location() string { return c.location }

func (c *wavCapture) Prepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != captureOpened {
		return NewDeviceError("prepare", errors.New("device already prepared"))
	}
	if err := os.MkdirAll(filepath.Dir(c.location), 0755); err != nil {
		return NewDeviceError("prepare", fmt.Errorf("failed to create output directory: %w", err))
	}
	f, err := os.Create(c.location)
	if err != nil {
		return NewDeviceError("prepare", fmt.Errorf("failed to create output file: %w", err))
	}
	c.file = f
	c.enc = wav.NewEncoder(f, c.cfg.SampleRate, bitsPerSample, c.cfg.Channels, 1)
	c.state = capturePrepared
	return nil
}

func (c *wavCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != capturePrepared {
		return NewDeviceError("start", errors.New("device not prepared"))
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state = captureRunning
	go c.worker()
	return nil
}

func (c *wavCapture) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != captureRunning {
		return NewDeviceError("pause", errNotRunning)
	}
	c.state = capturePaused
	return nil
}

func (c *wavCapture) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != capturePaused {
		return NewDeviceError("resume", errors.New("capture not paused"))
	}
	c.state = captureRunning
	return nil
}

func (c *wavCapture) Stop() error {
	c.mu.Lock()
	if c.state != captureRunning && c.state != capturePaused {
		c.mu.Unlock()
		return NewDeviceError("stop", errNotRunning)
	}
	c.state = captureStopped
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return NewDeviceError("stop", c.closeFile())
}

func (c *wavCapture) Release() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	var err error
	switch state {
	case captureRunning, capturePaused:
		err = c.Stop()
	case capturePrepared:
		c.mu.Lock()
		err = NewDeviceError("release", c.closeFile())
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.state = captureReleased
	c.mu.Unlock()
	return err
}

func (c *wavCapture) PeakAmplitude() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != captureRunning && c.state != capturePaused {
		return 0, NewDeviceError("peak", errNotRunning)
	}
	p := c.peak
	c.peak = 0
	return p, nil
}

// closeFile finalises the WAV header and closes the file. Callers hold c.mu.
func (c *wavCapture) closeFile() error {
	if c.file == nil {
		return nil
	}
	var encErr error
	if c.enc != nil {
		encErr = c.enc.Close()
	}
	fileErr := c.file.Close()
	c.file, c.enc = nil, nil
	if encErr != nil {
		return encErr
	}
	return fileErr
}

func (c *wavCapture) worker() {
	defer close(c.done)

	framesPerPulse := int(int64(c.cfg.SampleRate) * int64(c.period) / int64(time.Second))
	if framesPerPulse < 1 {
		framesPerPulse = 1
	}
	buf := make([]int, framesPerPulse*c.cfg.Channels)
	pulse := time.NewTicker(c.period)
	defer pulse.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-pulse.C:
		}

		limit, err := c.capture(buf)
		if err != nil {
			slog.Error("WAV capture write failed", "location", c.location, "error", err)
			if c.cb.OnError != nil {
				c.cb.OnError(NewDeviceError("write", err))
			}
			return
		}
		if limit != "" {
			slog.Info("WAV capture limit reached", "location", c.location, "limit", limit)
			if c.cb.OnLimit != nil {
				c.cb.OnLimit(limit)
			}
			return
		}
	}
}

// capture writes one pulse of audio unless paused and reports a reached limit.
func (c *wavCapture) capture(buf []int) (LimitReason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != captureRunning {
		return "", nil
	}

	c.sig.fill(buf)
	err := c.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.cfg.Channels, SampleRate: c.cfg.SampleRate},
		Data:           buf,
		SourceBitDepth: bitsPerSample,
	})
	if err != nil {
		return "", err
	}

	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		if v > c.peak {
			c.peak = v
		}
	}
	c.frames += int64(len(buf) / c.cfg.Channels)

	written := time.Duration(c.frames) * time.Second / time.Duration(c.cfg.SampleRate)
	if c.cfg.MaxDuration > 0 && written >= c.cfg.MaxDuration {
		return LimitMaxDuration, nil
	}
	size := wavHeaderSize + c.frames*int64(c.cfg.Channels*bitsPerSample/8)
	if c.cfg.MaxFileSize > 0 && size >= c.cfg.MaxFileSize {
		return LimitMaxFileSize, nil
	}
	return "", nil
}
