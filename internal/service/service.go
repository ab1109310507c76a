package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/config"
	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/focus"
	"github.com/audiolibrelab/audiobridge/internal/foreground"
	"github.com/audiolibrelab/audiobridge/internal/metrics"
	"github.com/audiolibrelab/audiobridge/internal/permission"
	"github.com/audiolibrelab/audiobridge/internal/player"
	"github.com/audiolibrelab/audiobridge/internal/recorder"
)

// Service represents the audiobridge command surface
type Service interface {
	// Recording operations
	StartRecorder(ctx context.Context, req StartRecorderRequest) (string, error)
	PauseRecorder(ctx context.Context) error
	ResumeRecorder(ctx context.Context) error
	StopRecorder(ctx context.Context) (string, error)
	RecorderStatus(ctx context.Context) (recorder.Status, error)

	// Playback operations
	StartPlayer(ctx context.Context, req StartPlayerRequest) (player.StartResult, error)
	PausePlayer(ctx context.Context) error
	ResumePlayer(ctx context.Context) error
	StopPlayer(ctx context.Context) (alreadyStopped bool, err error)
	SeekPlayer(ctx context.Context, positionMillis int64) error
	SetVolume(ctx context.Context, level float64) error
	SetPlaybackSpeed(ctx context.Context, rate float64) error
	PlayerStatus(ctx context.Context) (player.Status, error)

	// SetSubscriptionDuration sets the progress interval of both controllers; 0 disables progress.
	SetSubscriptionDuration(ctx context.Context, seconds float64) error

	// Focus simulation: a named competing client claims or abandons audio focus.
	// An exclusive claim cannot be preempted, so a recorder starting under it is denied focus.
	ClaimFocus(client string, exclusive bool) error
	AbandonFocus(client string) error
	FocusHolder() string

	// Information operations
	Subscribe(buffer int) *events.Subscription
	ListSources() []audio.SourceInfo
	GetConfig() *config.Config
}

// StartRecorderRequest is the input of StartRecorder. An empty Target gets a generated name.
type StartRecorderRequest struct {
	Target   string                `json:"target"`
	Config   *audio.RecorderConfig `json:"config,omitempty"`
	Metering bool                  `json:"metering"`
}

// StartPlayerRequest is the input of StartPlayer
type StartPlayerRequest struct {
	Source  string            `json:"source"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Options carries collaborators that callers may replace
type Options struct {
	Permission permission.Checker
	Foreground foreground.Service
	Metrics    *metrics.Collector
	Backend    audio.Backend

	// PromptIn and PromptOut serve the "prompt" permission mode
	PromptIn  io.Reader
	PromptOut io.Writer
}

// AudioService implements Service
type AudioService struct {
	cfg      *config.Config
	backend  audio.Backend
	hub      *events.Hub
	focus    *focus.Manager
	recorder *recorder.Controller
	player   *player.Controller
	logger   *slog.Logger

	mu          sync.Mutex
	competitors map[string]*focus.Arbiter
}

// New wires the controllers described by cfg
func New(cfg *config.Config, opts Options) (*AudioService, error) {
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = audio.NewBackend(audio.BackendOptions{
			Type:         cfg.Audio.Backend,
			OutputDir:    cfg.Output.Directory,
			CacheDir:     cfg.Player.CacheDir,
			FetchTimeout: cfg.Player.FetchTimeout,
			RemoteFetch:  cfg.RemoteFetch(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create audio backend: %w", err)
		}
	}

	perm := opts.Permission
	if perm == nil {
		in, out := opts.PromptIn, opts.PromptOut
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stderr
		}
		var err error
		perm, err = permission.FromMode(cfg.Permissions.Microphone, in, out)
		if err != nil {
			return nil, err
		}
	}

	fgService := opts.Foreground
	if fgService == nil && cfg.Foreground.Mode == "inhibit" {
		fgService = foreground.NewInhibitorService(cfg.Foreground.Command)
	}

	s := &AudioService{
		cfg:         cfg,
		backend:     backend,
		hub:         events.NewHub(),
		focus:       focus.NewManager(),
		logger:      slog.Default().With("component", "service"),
		competitors: make(map[string]*focus.Arbiter),
	}

	s.recorder = recorder.New(
		backend.CaptureDriver(),
		s.focus.NewArbiter("recorder"),
		foreground.NewGuard(fgService),
		perm,
		s.hub,
		recorder.Config{
			Defaults:             cfg.Recorder.RecorderConfig,
			TickInterval:         cfg.Progress.Interval,
			SettleDelay:          cfg.Recorder.SettleDelay,
			MeteringFloorDB:      cfg.Recorder.MeteringFloorDB,
			ReportErrorAsStopped: cfg.ReportErrorAsStopped(),
		},
		recorder.WithMetrics(opts.Metrics),
	)
	s.player = player.New(
		backend.PlaybackDriver(),
		s.hub,
		player.Config{
			TickInterval: cfg.Progress.Interval,
			Volume:       cfg.PlayerVolume(),
			Speed:        cfg.Player.Speed,
		},
		player.WithMetrics(opts.Metrics),
	)

	slog.Debug("Audio service created", "backend", backend.GetType(), "output", cfg.Output.Directory)
	return s, nil
}

func (s *AudioService) StartRecorder(ctx context.Context, req StartRecorderRequest) (string, error) {
	target := req.Target
	if target == "" {
		target = defaultRecordingName(time.Now())
	}
	return s.recorder.Start(ctx, recorder.StartRequest{Target: target, Config: req.Config, Metering: req.Metering})
}

func (s *AudioService) PauseRecorder(ctx context.Context) error {
	return s.recorder.Pause(ctx)
}

func (s *AudioService) ResumeRecorder(ctx context.Context) error {
	return s.recorder.Resume(ctx)
}

func (s *AudioService) StopRecorder(ctx context.Context) (string, error) {
	return s.recorder.Stop(ctx)
}

func (s *AudioService) RecorderStatus(ctx context.Context) (recorder.Status, error) {
	return s.recorder.Status(ctx)
}

func (s *AudioService) StartPlayer(ctx context.Context, req StartPlayerRequest) (player.StartResult, error) {
	return s.player.Start(ctx, player.StartRequest{Source: req.Source, Headers: req.Headers})
}

func (s *AudioService) PausePlayer(ctx context.Context) error {
	return s.player.Pause(ctx)
}

func (s *AudioService) ResumePlayer(ctx context.Context) error {
	return s.player.Resume(ctx)
}

func (s *AudioService) StopPlayer(ctx context.Context) (bool, error) {
	return s.player.Stop(ctx)
}

func (s *AudioService) SeekPlayer(ctx context.Context, positionMillis int64) error {
	return s.player.Seek(ctx, time.Duration(positionMillis)*time.Millisecond)
}

func (s *AudioService) SetVolume(ctx context.Context, level float64) error {
	return s.player.SetVolume(ctx, level)
}

func (s *AudioService) SetPlaybackSpeed(ctx context.Context, rate float64) error {
	return s.player.SetSpeed(ctx, rate)
}

func (s *AudioService) PlayerStatus(ctx context.Context) (player.Status, error) {
	return s.player.Status(ctx)
}

func (s *AudioService) SetSubscriptionDuration(ctx context.Context, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: subscription duration must be >= 0, got %.3f", player.ErrInvalidArgument, seconds)
	}
	interval := time.Duration(seconds * float64(time.Second))
	return multierr.Append(
		s.recorder.SetSubscriptionDuration(ctx, interval),
		s.player.SetSubscriptionDuration(ctx, interval),
	)
}

// ClaimFocus makes client the focus holder, interrupting whoever held it. It fails
// when another exclusive client holds focus.
func (s *AudioService) ClaimFocus(client string, exclusive bool) error {
	client = strings.TrimSpace(client)
	if client == "" || client == "recorder" {
		return fmt.Errorf("%w: invalid focus client name %q", player.ErrInvalidArgument, client)
	}

	s.mu.Lock()
	a, ok := s.competitors[client]
	if ok && a.Exclusive() != exclusive {
		a.Release()
		ok = false
	}
	if !ok {
		if exclusive {
			a = s.focus.NewExclusiveArbiter(client)
		} else {
			a = s.focus.NewArbiter(client)
		}
		s.competitors[client] = a
	}
	s.mu.Unlock()

	if !a.Request(func(ev focus.Event) {
		s.logger.Debug("Focus event for simulated client", "client", client, "event", ev)
	}) {
		s.mu.Lock()
		delete(s.competitors, client)
		s.mu.Unlock()
		a.Release()
		return fmt.Errorf("%w: focus is held exclusively by %q", recorder.ErrInvalidState, s.focus.Holder())
	}
	s.logger.Info("Focus claimed", "client", client, "exclusive", exclusive)
	return nil
}

// AbandonFocus releases a focus claim made with ClaimFocus.
func (s *AudioService) AbandonFocus(client string) error {
	s.mu.Lock()
	a, ok := s.competitors[client]
	delete(s.competitors, client)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: focus client %q holds no claim", player.ErrInvalidArgument, client)
	}
	a.Release()
	s.logger.Info("Focus abandoned", "client", client)
	return nil
}

func (s *AudioService) FocusHolder() string {
	return s.focus.Holder()
}

func (s *AudioService) Subscribe(buffer int) *events.Subscription {
	return s.hub.Subscribe(buffer)
}

func (s *AudioService) ListSources() []audio.SourceInfo {
	return s.backend.ListSources()
}

func (s *AudioService) GetConfig() *config.Config {
	return s.cfg
}

// Close stops open sessions and releases every resource.
func (s *AudioService) Close(ctx context.Context) error {
	err := multierr.Append(s.recorder.Close(ctx), s.player.Close(ctx))

	s.mu.Lock()
	for name, a := range s.competitors {
		a.Release()
		delete(s.competitors, name)
	}
	s.mu.Unlock()

	s.hub.Close()
	return err
}

func defaultRecordingName(now time.Time) string {
	return fmt.Sprintf("recording-%s-%s.wav", now.Format("20060102-150405"), uuid.NewString()[:8])
}
