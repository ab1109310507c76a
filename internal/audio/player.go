package audio

import (
	"context"
	"time"
)

// PlaybackRequest describes the source a playback device should read from.
type PlaybackRequest struct {
	Source  string
	Headers map[string]string

	// OnCompletion fires once when the source plays to its end.
	OnCompletion func()
	// OnError fires when playback fails asynchronously.
	OnError func(err error)
}

// PlaybackDevice is an opened playback handle
type PlaybackDevice interface {
	Prepare() error
	Start() error
	Pause() error
	Seek(position time.Duration) error
	Stop() error
	Release() error

	Duration() time.Duration
	Position() time.Duration

	SetVolume(level float64) error
	SetSpeed(rate float64) error

	// Location is the resolved local path of the source.
	Location() string
}

// PlaybackDriver opens playback devices. Opening may fetch remote sources, so it takes a context.
type PlaybackDriver interface {
	Open(ctx context.Context, req PlaybackRequest) (PlaybackDevice, error)
}
