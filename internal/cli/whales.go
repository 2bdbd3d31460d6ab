package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"whale-mirror/internal/app"
)

var (
	showLimit            int
	showIncludeDiscarded bool
	showJSON             bool
	recalcOnlyDiscarded  bool
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List tracked whales by score",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Top(cmd.Context(), app.ShowOptions{
			Limit:            showLimit,
			IncludeDiscarded: showIncludeDiscarded,
			JSON:             showJSON,
		})
	},
}

var discardedCmd = &cobra.Command{
	Use:   "discarded",
	Short: "List whales rejected by the score gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Discarded(cmd.Context(), app.ShowOptions{Limit: showLimit, JSON: showJSON})
	},
}

var detailsCmd = &cobra.Command{
	Use:   "details <address>",
	Short: "Show one whale with its token breakdown and suitability report",
	Args:  addressArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Details(cmd.Context(), args[0], showJSON)
	},
}

var rescanCmd = &cobra.Command{
	Use:   "rescan <address>",
	Short: "Clear a discard, refetch token data and rescore a whale",
	Args:  addressArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rescan(cmd.Context(), args[0])
	},
}

var recalculateCmd = &cobra.Command{
	Use:   "recalculate",
	Short: "Recompute scores from stored token data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Recalculate(cmd.Context(), app.RecalculateOptions{OnlyDiscarded: recalcOnlyDiscarded})
	},
}

func init() {
	for _, c := range []*cobra.Command{topCmd, discardedCmd} {
		c.Flags().IntVar(&showLimit, "limit", 20, "Number of whales to display")
	}
	topCmd.Flags().BoolVar(&showIncludeDiscarded, "include-discarded", false, "Include discarded whales")
	for _, c := range []*cobra.Command{topCmd, discardedCmd, detailsCmd} {
		c.Flags().BoolVar(&showJSON, "json", false, "Print JSON instead of a table")
	}
	recalculateCmd.Flags().BoolVar(&recalcOnlyDiscarded, "only-discarded", false, "Only rescore discarded whales")
}

func addressArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("invalid address %q", args[0])
	}
	return nil
}
