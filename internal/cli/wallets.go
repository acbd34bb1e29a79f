package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Manage the wallet registry",
}

var walletsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets with their bindings and realized profit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Wallets(cmd.Context())
	},
}

var walletsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Provision configured wallets into the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SyncWallets(cmd.Context())
	},
}

func walletToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <wallet-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			return getApp().SetWalletEnabled(cmd.Context(), id, enabled)
		},
	}
}

func init() {
	walletsCmd.AddCommand(walletsListCmd)
	walletsCmd.AddCommand(walletsSyncCmd)
	walletsCmd.AddCommand(walletToggleCmd("enable", "Allow a wallet to fund new entries", true))
	walletsCmd.AddCommand(walletToggleCmd("disable", "Stop a wallet from funding new entries", false))
}
