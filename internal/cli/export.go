package cli

import (
	"github.com/spf13/cobra"

	"whale-mirror/internal/app"
)

var (
	exportPNGPath          string
	exportCSVPath          string
	exportLimit            int
	exportIncludeDiscarded bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whale ranking as CSV and/or a PNG score chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			PNGPath:          exportPNGPath,
			CSVPath:          exportCSVPath,
			Limit:            exportLimit,
			IncludeDiscarded: exportIncludeDiscarded,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum whales to export (defaults to config)")
	exportCmd.Flags().BoolVar(&exportIncludeDiscarded, "include-discarded", false, "Include discarded whales")
}
