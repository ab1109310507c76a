package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVPlaybackDriver plays local or remote WAV sources on a wall-clock timeline.
// It has no output device; position, seeking, speed and completion follow the clock.
type WAVPlaybackDriver struct {
	fetcher *Fetcher
	now     func() time.Time
}

// NewWAVPlaybackDriver creates a playback driver. A nil fetcher disables remote sources.
func NewWAVPlaybackDriver(fetcher *Fetcher) *WAVPlaybackDriver {
	return &WAVPlaybackDriver{fetcher: fetcher, now: time.Now}
}

// Open resolves the source, reads its WAV header and returns an unprepared device.
func (d *WAVPlaybackDriver) Open(ctx context.Context, req PlaybackRequest) (PlaybackDevice, error) {
	if req.Source == "" {
		return nil, NewDeviceError("open", errors.New("source is required"))
	}

	location := req.Source
	temp := false
	if IsRemoteSource(req.Source) {
		if d.fetcher == nil {
			return nil, NewDeviceError("open", fmt.Errorf("remote sources are disabled: %s", req.Source))
		}
		path, err := d.fetcher.Fetch(ctx, req.Source, req.Headers)
		if err != nil {
			return nil, NewDeviceError("fetch", err)
		}
		location, temp = path, true
	}

	duration, err := wavDuration(location)
	if err != nil {
		if temp {
			os.Remove(location)
		}
		return nil, NewDeviceError("open", err)
	}

	return &wavPlayback{
		req:      req,
		location: location,
		temp:     temp,
		duration: duration,
		speed:    1.0,
		volume:   1.0,
		now:      d.now,
	}, nil
}

func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("failed to locate PCM data: %w", err)
	}
	bytesPerSecond := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSecond == 0 {
		return 0, fmt.Errorf("%s has an empty audio format", path)
	}
	return time.Duration(dec.PCMLen() * int64(time.Second) / bytesPerSecond), nil
}

type playbackState int

const (
	playbackOpened playbackState = iota
	playbackPrepared
	playbackPlaying
	playbackPaused
	playbackStopped
	playbackReleased
)

type wavPlayback struct {
	req      PlaybackRequest
	location string
	temp     bool
	duration time.Duration
	now      func() time.Time

	mu     sync.Mutex
	state  playbackState
	base   time.Duration
	anchor time.Time
	speed  float64
	volume float64
	timer  *time.Timer
	gen    int
}

func (p *wavPlayback) Location() string        { return p.location }
func (p *wavPlayback) Duration() time.Duration { return p.duration }

func (p *wavPlayback) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *wavPlayback) positionLocked() time.Duration {
	if p.state != playbackPlaying {
		return p.base
	}
	pos := p.base + time.Duration(float64(p.now().Sub(p.anchor))*p.speed)
	if pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *wavPlayback) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != playbackOpened {
		return NewDeviceError("prepare", errors.New("device already prepared"))
	}
	p.state = playbackPrepared
	return nil
}

func (p *wavPlayback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case playbackPrepared, playbackPaused:
	case playbackPlaying:
		return nil
	default:
		return NewDeviceError("start", errors.New("device not prepared"))
	}
	p.state = playbackPlaying
	p.anchor = p.now()
	p.scheduleLocked()
	return nil
}

func (p *wavPlayback) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != playbackPlaying {
		return NewDeviceError("pause", errors.New("not playing"))
	}
	p.base = p.positionLocked()
	p.state = playbackPaused
	p.cancelLocked()
	return nil
}

func (p *wavPlayback) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case playbackPrepared, playbackPlaying, playbackPaused:
	default:
		return NewDeviceError("seek", errors.New("device not active"))
	}
	if position < 0 {
		position = 0
	}
	if position > p.duration {
		position = p.duration
	}
	p.base = position
	if p.state == playbackPlaying {
		p.anchor = p.now()
		p.scheduleLocked()
	}
	return nil
}

func (p *wavPlayback) SetVolume(level float64) error {
	if level < 0 || level > 1 {
		return NewDeviceError("volume", fmt.Errorf("volume %.2f out of range", level))
	}
	p.mu.Lock()
	p.volume = level
	p.mu.Unlock()
	return nil
}

func (p *wavPlayback) SetSpeed(rate float64) error {
	if rate <= 0 {
		return NewDeviceError("speed", fmt.Errorf("speed %.2f must be positive", rate))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == playbackPlaying {
		p.base = p.positionLocked()
		p.anchor = p.now()
		p.speed = rate
		p.scheduleLocked()
		return nil
	}
	p.speed = rate
	return nil
}

func (p *wavPlayback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == playbackStopped || p.state == playbackReleased {
		return nil
	}
	p.base = p.positionLocked()
	p.cancelLocked()
	p.state = playbackStopped
	return nil
}

func (p *wavPlayback) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == playbackReleased {
		return nil
	}
	p.cancelLocked()
	p.state = playbackReleased
	if p.temp {
		if err := os.Remove(p.location); err != nil && !os.IsNotExist(err) {
			return NewDeviceError("release", err)
		}
	}
	return nil
}

func (p *wavPlayback) cancelLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// scheduleLocked arms the completion timer for the remaining media at the current speed.
func (p *wavPlayback) scheduleLocked() {
	p.cancelLocked()
	gen := p.gen
	remaining := time.Duration(float64(p.duration-p.base) / p.speed)
	p.timer = time.AfterFunc(remaining, func() {
		p.mu.Lock()
		if p.gen != gen || p.state != playbackPlaying {
			p.mu.Unlock()
			return
		}
		p.base = p.duration
		p.state = playbackStopped
		p.timer = nil
		p.mu.Unlock()

		if p.req.OnCompletion != nil {
			p.req.OnCompletion()
		}
	})
}
