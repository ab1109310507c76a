package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [target]",
	Short: "Show resolved configuration and the file path for a recording",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from the default profile and which are profile-specific. When a target is given, its resolved recording path is shown too.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			target := args[0]
			if !filepath.IsAbs(target) {
				target = filepath.Join(cfg.Output.Directory, target)
			}
			if filepath.Ext(target) == "" {
				target += ".wav"
			}
			fmt.Printf("=== FILE PATHS ===\n")
			fmt.Printf("recording: %s\n\n", target)
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		if cfg.Inheritance == nil {
			fmt.Printf("profile: (built-in defaults)\n")
			return nil
		}
		fmt.Printf("profile: %s\n\n", cfg.Inheritance.Profile)

		keys := make([]string, 0, len(cfg.Inheritance.Fields))
		for k := range cfg.Inheritance.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Printf("%-32s %s\n", k, getInheritanceIndicator(cfg.Inheritance.Fields[k]))
		}
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
