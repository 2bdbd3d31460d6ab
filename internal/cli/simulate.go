package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"whale-mirror/internal/app"
)

var (
	simulateWhale    string
	simulateRouter   string
	simulateFunction string
	simulateTokenIn  string
	simulateTokenOut string
	simulateAmount   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-trade",
	Short: "Run a hypothetical whale swap through risk checks and sizing",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(simulateAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		return getApp().SimulateTrade(cmd.Context(), app.SimulateOptions{
			Whale:    simulateWhale,
			Router:   simulateRouter,
			Function: simulateFunction,
			TokenIn:  simulateTokenIn,
			TokenOut: simulateTokenOut,
			Amount:   amount,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateWhale, "whale", "", "Tracked whale address")
	simulateCmd.Flags().StringVar(&simulateRouter, "router", "0xE592427A0AEce92De3Edee1F18E0157C05861564", "Router the swap goes through")
	simulateCmd.Flags().StringVar(&simulateFunction, "function", "exactInputSingle", "Router function name")
	simulateCmd.Flags().StringVar(&simulateTokenIn, "token-in", "WETH", "Input token symbol")
	simulateCmd.Flags().StringVar(&simulateTokenOut, "token-out", "USDC", "Output token symbol")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "1", "Input amount in whole tokens")
	_ = simulateCmd.MarkFlagRequired("whale")
}
