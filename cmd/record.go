package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/events"
	"github.com/audiolibrelab/audiobridge/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record [target]",
	Short: "Record audio to a file",
	Long: `Record from the configured source into a WAV file. The target is a file
name relative to the output directory or an absolute path; without one a
timestamped name is generated.

While recording, type p + Enter to pause, r + Enter to resume and s + Enter
(or Ctrl+C) to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target string
		if len(args) == 1 {
			target = args[0]
		}

		source, _ := cmd.Flags().GetString("source")
		maxDuration, _ := cmd.Flags().GetDuration("max-duration")
		metering, _ := cmd.Flags().GetBool("metering")
		if output, _ := cmd.Flags().GetString("output"); output != "" {
			cfg.Output.Directory = output
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(cfg, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close(context.Background())

		sub := svc.Subscribe(64)
		defer sub.Close()

		location, err := svc.StartRecorder(ctx, service.StartRecorderRequest{
			Target:   target,
			Metering: metering,
			Config:   &audio.RecorderConfig{Source: source, MaxDuration: maxDuration},
		})
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording started - p=pause r=resume s=stop", "location", location)

		commands := make(chan string)
		go readCommands(commands)

		for {
			select {
			case <-ctx.Done():
				return stopRecording(svc)
			case line, ok := <-commands:
				if !ok {
					// stdin closed, only a signal or a limit ends the session now
					commands = nil
					continue
				}
				if done, err := handleRecordCommand(svc, line); done || err != nil {
					return err
				}
			case env := <-sub.C():
				if finished := printRecorderEvent(env); finished {
					return nil
				}
			}
		}
	},
}

func handleRecordCommand(svc *service.AudioService, line string) (bool, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "p", "pause":
		if err := svc.PauseRecorder(ctx); err != nil {
			slog.Warn("Pause failed", "error", err)
		}
	case "r", "resume":
		if err := svc.ResumeRecorder(ctx); err != nil {
			slog.Warn("Resume failed", "error", err)
		}
	case "s", "stop", "q":
		return true, stopRecording(svc)
	case "":
	default:
		fmt.Println("unknown command, use p, r or s")
	}
	return false, nil
}

func stopRecording(svc *service.AudioService) error {
	location, err := svc.StopRecorder(context.Background())
	if err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	fmt.Printf("Saved recording to %s\n", location)
	return nil
}

// printRecorderEvent reports whether the session has closed on its own.
func printRecorderEvent(env events.Envelope) bool {
	switch ev := env.Payload.(type) {
	case events.RecorderState:
		if ev.Reason != "" {
			fmt.Printf("\n[%s] %s\n", ev.State, ev.Reason)
		} else {
			fmt.Printf("\n[%s]\n", ev.State)
		}
		if ev.State == "stopped" || ev.State == "error" {
			if ev.Location != "" {
				fmt.Printf("Saved recording to %s\n", ev.Location)
			}
			return true
		}
	case events.RecorderProgress:
		elapsed := time.Duration(ev.ElapsedMillis) * time.Millisecond
		if ev.MeteringDB != nil {
			fmt.Printf("\r%s  %6.1f dB ", elapsed.Truncate(100*time.Millisecond), *ev.MeteringDB)
		} else {
			fmt.Printf("\r%s ", elapsed.Truncate(100*time.Millisecond))
		}
	}
	return false
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("source", "s", "", "capture source, see 'audiobridge sources' (overrides config)")
	recordCmd.Flags().Duration("max-duration", 0, "stop automatically after this duration")
	recordCmd.Flags().BoolP("metering", "m", false, "report input level in dBFS")
}
