package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/audiobridge/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "audiobridge",
	Short: "Audio recording and playback bridge",
	Long: `AudioBridge records and plays audio on behalf of a managed caller.

The recorder and player run as state machines that emit state and progress
events. Recording pauses automatically when another client takes audio focus
and resumes once focus comes back.

Run 'audiobridge serve' to expose the controllers over HTTP and WebSocket, or
use the record and play commands directly from a terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, nil)

		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded

		// Re-configure with the file sink now that the config is known
		setupLogging(verboseLevel, &cfg.Log)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/audiobridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=debug with source locations")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file, falling back to built-in defaults when the
// default location does not exist. An explicit --config must exist.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	explicit := path != ""
	if !explicit {
		path = os.ExpandEnv("$HOME/.config/audiobridge.yaml")
	}

	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if profile != "" {
			return nil, fmt.Errorf("profile %q requested but no config file found at %s", profile, path)
		}
		slog.Debug("No config file found, using built-in defaults", "path", path)
		return config.Default(), nil
	}

	loaded, err := config.LoadWithProfile(path, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfgFile = path
	return loaded, nil
}

// setupLogging configures slog based on the verbose level. When logCfg names a
// file, records are also written to it with rotation.
func setupLogging(level int, logCfg *config.LogConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: level >= 2,
	}

	var out io.Writer = os.Stderr
	if logCfg != nil && logCfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		})
	}

	handler := slog.NewTextHandler(out, opts)
	slog.SetDefault(slog.New(handler))
}
