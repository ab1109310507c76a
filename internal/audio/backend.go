package audio

import (
	"fmt"
	"strings"
	"time"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeWAV  BackendType = "wav"
	BackendTypeAuto BackendType = "auto"
)

// BackendOptions carries the settings a backend needs to build its drivers
type BackendOptions struct {
	Type         string
	OutputDir    string
	CacheDir     string
	FetchTimeout time.Duration
	RemoteFetch  bool
}

// Backend bundles the capture and playback drivers of one audio implementation
type Backend interface {
	CaptureDriver() CaptureDriver
	PlaybackDriver() PlaybackDriver
	ListSources() []SourceInfo
	GetType() BackendType
}

// NewBackend creates the backend selected by opts.Type
func NewBackend(opts BackendOptions) (Backend, error) {
	bt, err := ParseBackendType(opts.Type)
	if err != nil {
		return nil, err
	}
	switch bt {
	case BackendTypeWAV:
		var fetcher *Fetcher
		if opts.RemoteFetch {
			fetcher = NewFetcher(opts.CacheDir, opts.FetchTimeout)
		}
		return &WAVBackend{
			capture:  NewWAVCaptureDriver(opts.OutputDir),
			playback: NewWAVPlaybackDriver(fetcher),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported audio backend %q", opts.Type)
	}
}

// ParseBackendType resolves a configured backend name; "auto" picks the best available one.
func ParseBackendType(name string) (BackendType, error) {
	switch strings.ToLower(name) {
	case "", string(BackendTypeAuto), string(BackendTypeWAV):
		return BackendTypeWAV, nil
	default:
		return "", fmt.Errorf("unsupported audio backend %q (available: %v)", name, GetAvailableBackends())
	}
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeWAV}
}

// WAVBackend implements Backend with the WAV drivers
type WAVBackend struct {
	capture  *WAVCaptureDriver
	playback *WAVPlaybackDriver
}

func (b *WAVBackend) CaptureDriver() CaptureDriver   { return b.capture }
func (b *WAVBackend) PlaybackDriver() PlaybackDriver { return b.playback }
func (b *WAVBackend) ListSources() []SourceInfo      { return ListSources() }
func (b *WAVBackend) GetType() BackendType           { return BackendTypeWAV }
