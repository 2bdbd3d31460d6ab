package cli

import (
	"github.com/spf13/cobra"
)

var settlePnL float64

var settleCmd = &cobra.Command{
	Use:   "settle <address>",
	Short: "Record the realized PnL of a mirrored position",
	Args:  addressArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Settle(cmd.Context(), args[0], settlePnL)
	},
}

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Show risk limits and per-whale multipliers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Risk(cmd.Context())
	},
}

func init() {
	settleCmd.Flags().Float64Var(&settlePnL, "pnl", 0, "Realized PnL in ETH (negative for a loss)")
	_ = settleCmd.MarkFlagRequired("pnl")
}
