package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"whale-mirror/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run discovery rounds, the trade watcher and the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	discoverModes      string
	discoverNoAdaptive bool
	discoverRounds     int
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run discovery rounds in the foreground and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if discoverRounds <= 0 {
			return fmt.Errorf("--rounds must be greater than zero")
		}
		return getApp().Discover(cmd.Context(), app.DiscoverOptions{
			Modes:      splitList(discoverModes),
			NoAdaptive: discoverNoAdaptive,
			Rounds:     discoverRounds,
		})
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverModes, "modes", "", "Comma separated discovery modes (defaults to config)")
	discoverCmd.Flags().BoolVar(&discoverNoAdaptive, "no-adaptive", false, "Disable adaptive thresholds")
	discoverCmd.Flags().IntVar(&discoverRounds, "rounds", 1, "Number of rounds to run")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
