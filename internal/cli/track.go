package cli

import (
	"github.com/spf13/cobra"

	"token-trader/internal/app"
)

var trackOpts app.TrackOptions

var trackCmd = &cobra.Command{
	Use:   "track <token-address>",
	Short: "Start tracking a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := trackOpts
		opts.Address = args[0]
		return getApp().Track(cmd.Context(), opts)
	},
}

func init() {
	trackCmd.Flags().StringVar(&trackOpts.Symbol, "symbol", "", "Token symbol")
	trackCmd.Flags().StringVar(&trackOpts.Name, "name", "", "Token name")
	trackCmd.Flags().StringVar(&trackOpts.PairAddress, "pair", "", "Liquidity pair address, if already known")
}
