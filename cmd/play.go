package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [source]",
	Short: "Play a WAV file or URL",
	Long: `Play a local PCM WAV file or an http(s) URL until it finishes or Ctrl+C is
pressed. Remote sources are downloaded to the cache directory first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		volume, _ := cmd.Flags().GetFloat64("volume")
		speed, _ := cmd.Flags().GetFloat64("speed")
		seek, _ := cmd.Flags().GetDuration("seek")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(cfg, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close(context.Background())

		sub := svc.Subscribe(64)
		defer sub.Close()

		if cmd.Flags().Changed("volume") {
			if err := svc.SetVolume(ctx, volume); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("speed") {
			if err := svc.SetPlaybackSpeed(ctx, speed); err != nil {
				return err
			}
		}

		res, err := svc.StartPlayer(ctx, service.StartPlayerRequest{Source: source})
		if err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		slog.Info("Playing", "source", source, "location", res.Location)

		if seek > 0 {
			if err := svc.SeekPlayer(ctx, seek.Milliseconds()); err != nil {
				return fmt.Errorf("seek failed: %w", err)
			}
		}

		for {
			select {
			case <-ctx.Done():
				if _, err := svc.StopPlayer(context.Background()); err != nil {
					return fmt.Errorf("failed to stop playback: %w", err)
				}
				fmt.Println()
				return nil
			case env := <-sub.C():
				ev, ok := env.Payload.(events.PlayerProgress)
				if !ok {
					continue
				}
				pos := time.Duration(ev.PositionMillis) * time.Millisecond
				dur := time.Duration(ev.DurationMillis) * time.Millisecond
				fmt.Printf("\r%s / %s ", pos.Truncate(100*time.Millisecond), dur.Truncate(100*time.Millisecond))
				if ev.IsFinished {
					fmt.Println()
					return nil
				}
			}
		}
	},
}

func init() {
	playCmd.Flags().Float64("volume", 1, "playback volume between 0 and 1")
	playCmd.Flags().Float64("speed", 1, "playback speed factor")
	playCmd.Flags().Duration("seek", 0, "start position")
}
