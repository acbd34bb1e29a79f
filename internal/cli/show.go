package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"token-trader/internal/app"
)

var (
	showLimit int
	showAll   bool

	positionsLimit int
	positionsOpen  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tracked assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, All: showAll})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Display the position journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if positionsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Positions(cmd.Context(), app.PositionsOptions{Limit: positionsLimit, OpenOnly: positionsOpen})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of assets to display")
	showCmd.Flags().BoolVar(&showAll, "all", false, "Include archived assets")

	positionsCmd.Flags().IntVar(&positionsLimit, "limit", 50, "Number of positions to display")
	positionsCmd.Flags().BoolVar(&positionsOpen, "open", false, "Only show open positions")
}
