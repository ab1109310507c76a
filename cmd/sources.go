package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiobridge/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture sources",
	Long:  `List the capture sources the configured audio backend can record from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := audio.NewBackend(audio.BackendOptions{
			Type:      cfg.Audio.Backend,
			OutputDir: cfg.Output.Directory,
		})
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}
		return listAvailableSources(backend)
	},
}

func listAvailableSources(backend audio.Backend) error {
	sources := backend.ListSources()

	fmt.Printf("Audio Sources (%s, backend %s)\n", runtime.GOOS, backend.GetType())
	fmt.Printf("═══════════════════════════════════════\n\n")

	for i, source := range sources {
		fmt.Printf("  %d. %-8s %s\n", i+1, source.Name, source.Description)
		fmt.Printf("     example: %s\n", source.Example)
	}

	fmt.Printf("\nUsage:\n")
	fmt.Printf("  • Configure in recorder.source, e.g. source: \"tone:440\"\n")
	fmt.Printf("  • Or pass --source to 'audiobridge record'\n\n")
	return nil
}
