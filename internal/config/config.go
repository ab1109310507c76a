package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/audiobridge/internal/audio"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio       AudioConfig       `mapstructure:"audio" yaml:"audio"`
	Recorder    RecorderConfig    `mapstructure:"recorder" yaml:"recorder"`
	Player      PlayerConfig      `mapstructure:"player" yaml:"player"`
	Progress    ProgressConfig    `mapstructure:"progress" yaml:"progress"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Permissions PermissionsConfig `mapstructure:"permissions" yaml:"permissions"`
	Foreground  ForegroundConfig  `mapstructure:"foreground" yaml:"foreground"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo maps a dotted setting key to "inherited" or "profile-specific"
type InheritanceInfo struct {
	Profile string
	Fields  map[string]string
}

type AudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "wav", "auto"
}

type RecorderConfig struct {
	audio.RecorderConfig `mapstructure:",squash" yaml:",inline"`

	SettleDelay          time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MeteringFloorDB      float64       `mapstructure:"metering_floor_db" yaml:"metering_floor_db"`
	ReportErrorAsStopped *bool         `mapstructure:"report_error_as_stopped" yaml:"report_error_as_stopped,omitempty"`
}

type PlayerConfig struct {
	Volume       *float64      `mapstructure:"volume" yaml:"volume,omitempty"`
	Speed        float64       `mapstructure:"speed" yaml:"speed"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RemoteFetch  *bool         `mapstructure:"remote_fetch" yaml:"remote_fetch,omitempty"`
	CacheDir     string        `mapstructure:"cache_dir" yaml:"cache_dir"`
}

type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type PermissionsConfig struct {
	Microphone string `mapstructure:"microphone" yaml:"microphone"` // "granted", "denied", "prompt"
}

type ForegroundConfig struct {
	Mode    string   `mapstructure:"mode" yaml:"mode"` // "none", "inhibit"
	Command []string `mapstructure:"command" yaml:"command,omitempty"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

var defaultConfig = Config{
	Audio: AudioConfig{Backend: "auto"},
	Recorder: RecorderConfig{
		RecorderConfig: audio.RecorderConfig{
			Source:     "tone:440",
			Container:  "wav",
			Encoder:    "pcm16",
			SampleRate: 44100,
			BitRate:    705600,
			Channels:   1,
		},
		SettleDelay:          500 * time.Millisecond,
		MeteringFloorDB:      -160,
		ReportErrorAsStopped: boolPtr(true),
	},
	Player: PlayerConfig{
		Volume:       floatPtr(1),
		Speed:        1,
		FetchTimeout: 30 * time.Second,
		RemoteFetch:  boolPtr(true),
		CacheDir:     os.TempDir(),
	},
	Progress:    ProgressConfig{Interval: 500 * time.Millisecond},
	Output:      OutputConfig{Directory: filepath.Join(os.Getenv("HOME"), "Audio", "audiobridge")},
	Permissions: PermissionsConfig{Microphone: "granted"},
	Foreground:  ForegroundConfig{Mode: "none"},
	Server:      ServerConfig{Listen: "127.0.0.1:8765"},
	Log:         LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
}

// Default returns the built-in configuration, used when no config file exists
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	return cfg
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedConfig, exists := rootConfig.Configs[configName]
	if !exists || selectedConfig == nil {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists && defaultProfile != nil {
			selectedConfig = mergeConfigs(defaultProfile, selectedConfig)
		}
	}
	if selectedConfig.Inheritance == nil {
		selectedConfig.Inheritance = &InheritanceInfo{Fields: map[string]string{}}
	}
	selectedConfig.Inheritance.Profile = configName

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
		selectedConfig.Inheritance.Fields["output.directory"] = "global"
	}

	applyDefaults(selectedConfig)
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Player.CacheDir = expandPath(selectedConfig.Player.CacheDir)
	selectedConfig.Log.File = expandPath(selectedConfig.Log.File)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ValidateConfigurationFormat reads the configuration file and returns the parsed root
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("AUDIOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Unmarshal drops empty profiles such as "default: {}"; they are valid and mean
	// "all defaults", so restore them from the raw keys.
	if raw, ok := v.Get("configs").(map[string]interface{}); ok {
		if rootConfig.Configs == nil {
			rootConfig.Configs = make(map[string]*Config, len(raw))
		}
		for name := range raw {
			if rootConfig.Configs[name] == nil {
				rootConfig.Configs[name] = &Config{}
			}
		}
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}
	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// mergeConfigs lays profile over base: every setting the profile leaves unset is
// inherited from base.
func mergeConfigs(base, profile *Config) *Config {
	info := &InheritanceInfo{Fields: make(map[string]string)}
	r := &Config{Inheritance: info}

	r.Audio.Backend = pick(info, "audio.backend", base.Audio.Backend, profile.Audio.Backend)

	br, pr := base.Recorder, profile.Recorder
	r.Recorder.Source = pick(info, "recorder.source", br.Source, pr.Source)
	r.Recorder.Container = pick(info, "recorder.container", br.Container, pr.Container)
	r.Recorder.Encoder = pick(info, "recorder.encoder", br.Encoder, pr.Encoder)
	r.Recorder.SampleRate = pick(info, "recorder.sample_rate", br.SampleRate, pr.SampleRate)
	r.Recorder.BitRate = pick(info, "recorder.bit_rate", br.BitRate, pr.BitRate)
	r.Recorder.Channels = pick(info, "recorder.channels", br.Channels, pr.Channels)
	r.Recorder.MaxDuration = pick(info, "recorder.max_duration", br.MaxDuration, pr.MaxDuration)
	r.Recorder.MaxFileSize = pick(info, "recorder.max_file_size", br.MaxFileSize, pr.MaxFileSize)
	r.Recorder.SettleDelay = pick(info, "recorder.settle_delay", br.SettleDelay, pr.SettleDelay)
	r.Recorder.MeteringFloorDB = pick(info, "recorder.metering_floor_db", br.MeteringFloorDB, pr.MeteringFloorDB)
	r.Recorder.ReportErrorAsStopped = pick(info, "recorder.report_error_as_stopped", br.ReportErrorAsStopped, pr.ReportErrorAsStopped)

	bp, pp := base.Player, profile.Player
	r.Player.Volume = pick(info, "player.volume", bp.Volume, pp.Volume)
	r.Player.Speed = pick(info, "player.speed", bp.Speed, pp.Speed)
	r.Player.FetchTimeout = pick(info, "player.fetch_timeout", bp.FetchTimeout, pp.FetchTimeout)
	r.Player.RemoteFetch = pick(info, "player.remote_fetch", bp.RemoteFetch, pp.RemoteFetch)
	r.Player.CacheDir = pick(info, "player.cache_dir", bp.CacheDir, pp.CacheDir)

	r.Progress.Interval = pick(info, "progress.interval", base.Progress.Interval, profile.Progress.Interval)
	r.Output.Directory = pick(info, "output.directory", base.Output.Directory, profile.Output.Directory)
	r.Permissions.Microphone = pick(info, "permissions.microphone", base.Permissions.Microphone, profile.Permissions.Microphone)

	r.Foreground.Mode = pick(info, "foreground.mode", base.Foreground.Mode, profile.Foreground.Mode)
	r.Foreground.Command = base.Foreground.Command
	info.Fields["foreground.command"] = "inherited"
	if len(profile.Foreground.Command) > 0 {
		r.Foreground.Command = profile.Foreground.Command
		info.Fields["foreground.command"] = "profile-specific"
	}

	r.Server.Listen = pick(info, "server.listen", base.Server.Listen, profile.Server.Listen)

	r.Log.File = pick(info, "log.file", base.Log.File, profile.Log.File)
	r.Log.MaxSizeMB = pick(info, "log.max_size_mb", base.Log.MaxSizeMB, profile.Log.MaxSizeMB)
	r.Log.MaxBackups = pick(info, "log.max_backups", base.Log.MaxBackups, profile.Log.MaxBackups)
	r.Log.MaxAgeDays = pick(info, "log.max_age_days", base.Log.MaxAgeDays, profile.Log.MaxAgeDays)

	return r
}

func pick[T comparable](info *InheritanceInfo, key string, base, profile T) T {
	var zero T
	if profile != zero {
		info.Fields[key] = "profile-specific"
		return profile
	}
	info.Fields[key] = "inherited"
	return base
}

// applyDefaults fills every unset setting from the built-in defaults
func applyDefaults(cfg *Config) {
	inheritance := cfg.Inheritance
	cfg.Inheritance = nil
	merged := mergeConfigs(&defaultConfig, cfg)
	*cfg = *merged
	cfg.Inheritance = inheritance
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(cfg *Config) error {
	if _, err := audio.ParseBackendType(cfg.Audio.Backend); err != nil {
		return fmt.Errorf("audio.backend: %w", err)
	}

	r := cfg.Recorder
	if r.SampleRate < 8000 || r.SampleRate > 192000 {
		return fmt.Errorf("recorder.sample_rate must be between 8000 and 192000, got: %d", r.SampleRate)
	}
	if r.Channels < 1 || r.Channels > 2 {
		return fmt.Errorf("recorder.channels must be 1 or 2, got: %d", r.Channels)
	}
	if r.MaxDuration < 0 {
		return fmt.Errorf("recorder.max_duration must be >= 0, got: %s", r.MaxDuration)
	}
	if r.MaxFileSize < 0 {
		return fmt.Errorf("recorder.max_file_size must be >= 0, got: %d", r.MaxFileSize)
	}
	if r.SettleDelay <= 0 {
		return fmt.Errorf("recorder.settle_delay must be > 0, got: %s", r.SettleDelay)
	}
	if r.MeteringFloorDB >= 0 {
		return fmt.Errorf("recorder.metering_floor_db must be negative, got: %.1f", r.MeteringFloorDB)
	}

	p := cfg.Player
	if p.Volume != nil && (*p.Volume < 0 || *p.Volume > 1) {
		return fmt.Errorf("player.volume must be between 0 and 1, got: %.2f", *p.Volume)
	}
	if p.Speed <= 0 {
		return fmt.Errorf("player.speed must be > 0, got: %.2f", p.Speed)
	}
	if p.FetchTimeout <= 0 {
		return fmt.Errorf("player.fetch_timeout must be > 0, got: %s", p.FetchTimeout)
	}

	if cfg.Progress.Interval < 0 {
		return fmt.Errorf("progress.interval must be >= 0, got: %s", cfg.Progress.Interval)
	}
	if cfg.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	switch cfg.Permissions.Microphone {
	case "granted", "denied", "prompt":
	default:
		return fmt.Errorf("permissions.microphone must be 'granted', 'denied' or 'prompt', got: %s", cfg.Permissions.Microphone)
	}
	switch cfg.Foreground.Mode {
	case "none", "inhibit":
	default:
		return fmt.Errorf("foreground.mode must be 'none' or 'inhibit', got: %s", cfg.Foreground.Mode)
	}

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must be >= 0")
	}

	return nil
}

// ReportErrorAsStopped reports whether the recorder emits the Error state as "stopped"
func (c *Config) ReportErrorAsStopped() bool {
	return c.Recorder.ReportErrorAsStopped == nil || *c.Recorder.ReportErrorAsStopped
}

// RemoteFetch reports whether remote playback sources are allowed
func (c *Config) RemoteFetch() bool {
	return c.Player.RemoteFetch == nil || *c.Player.RemoteFetch
}

// PlayerVolume returns the initial playback volume
func (c *Config) PlayerVolume() float64 {
	if c.Player.Volume == nil {
		return 1
	}
	return *c.Player.Volume
}
