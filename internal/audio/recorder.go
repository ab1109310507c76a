package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeviceFailure is matched by every error a capture or playback device reports.
var ErrDeviceFailure = errors.New("device failure")

// DeviceError describes a driver operation that failed.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes both the failure class and the driver error.
func (e *DeviceError) Unwrap() []error {
	return []error{ErrDeviceFailure, e.Err}
}

// NewDeviceError wraps err as a failure of operation op. A nil err stays nil.
func NewDeviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}

// LimitReason identifies which capture limit ended a recording
type LimitReason string

const (
	LimitMaxDuration LimitReason = "duration"
	LimitMaxFileSize LimitReason = "size"
)

// RecorderConfig is the capture configuration handed to a driver
type RecorderConfig struct {
	Source      string        `mapstructure:"source" yaml:"source" json:"source"`
	Container   string        `mapstructure:"container" yaml:"container" json:"container"`
	Encoder     string        `mapstructure:"encoder" yaml:"encoder" json:"encoder"`
	SampleRate  int           `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
	BitRate     int           `mapstructure:"bit_rate" yaml:"bit_rate" json:"bit_rate"`
	Channels    int           `mapstructure:"channels" yaml:"channels" json:"channels"`
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration" json:"max_duration"`
	MaxFileSize int64         `mapstructure:"max_file_size" yaml:"max_file_size" json:"max_file_size"`
}

// Merge returns c with every zero field taken from defaults.
func (c RecorderConfig) Merge(defaults RecorderConfig) RecorderConfig {
	if c.Source == "" {
		c.Source = defaults.Source
	}
	if c.Container == "" {
		c.Container = defaults.Container
	}
	if c.Encoder == "" {
		c.Encoder = defaults.Encoder
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaults.SampleRate
	}
	if c.BitRate == 0 {
		c.BitRate = defaults.BitRate
	}
	if c.Channels == 0 {
		c.Channels = defaults.Channels
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = defaults.MaxDuration
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaults.MaxFileSize
	}
	return c
}

// CaptureCallbacks carries the asynchronous notifications of a capture device.
// They may be invoked from any goroutine.
type CaptureCallbacks struct {
	OnError func(err error)
	OnLimit func(reason LimitReason)
}

// CaptureDevice is an opened capture sink. It has no state notifications of its own;
// callers track its state.
type CaptureDevice interface {
	Prepare() error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Release() error

	// PeakAmplitude returns the largest absolute sample seen since the previous call.
	PeakAmplitude() (int, error)

	// Location is where the sink writes.
	Location() string
}

// CaptureDriver opens capture devices
type CaptureDriver interface {
	Open(target string, cfg RecorderConfig, cb CaptureCallbacks) (CaptureDevice, error)
}
