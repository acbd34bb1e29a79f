package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"token-trader/internal/app"
)

var (
	overrideReason   string
	overrideArchive  bool
	overrideWriteOff bool
)

func parseAssetID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid asset id %q", arg)
	}
	return id, nil
}

var enterCmd = &cobra.Command{
	Use:   "enter <asset-id>",
	Short: "Force an entry into an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAssetID(args[0])
		if err != nil {
			return err
		}
		return getApp().Enter(cmd.Context(), app.OverrideOptions{AssetID: id, Reason: overrideReason})
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit <asset-id>",
	Short: "Force an exit of an asset's open position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAssetID(args[0])
		if err != nil {
			return err
		}
		return getApp().Exit(cmd.Context(), app.OverrideOptions{AssetID: id, Reason: overrideReason, Archive: overrideArchive})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <asset-id>",
	Short: "Sell out of an asset and stop tracking it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAssetID(args[0])
		if err != nil {
			return err
		}
		return getApp().Archive(cmd.Context(), app.OverrideOptions{AssetID: id, Reason: overrideReason, WriteOff: overrideWriteOff})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{enterCmd, exitCmd, archiveCmd} {
		cmd.Flags().StringVar(&overrideReason, "reason", "", "Reason recorded with the execution")
	}
	exitCmd.Flags().BoolVar(&overrideArchive, "archive", false, "Archive the asset once the position is closed")
	archiveCmd.Flags().BoolVar(&overrideWriteOff, "write-off", false, "Journal an unsellable position at zero (dead market)")
}
