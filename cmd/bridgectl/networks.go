package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List the networks the daemon knows",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")

		var networks []*chain.Network
		if err := call(cmd.Context(), "Loading networks...", "networks_list", rpc.NetworksListParams{Type: typ}, &networks); err != nil {
			printError(err)
			return err
		}
		if jsonOutput() {
			return printJSON(networks)
		}
		printNetworks(os.Stdout, networks)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon information",
	RunE: func(cmd *cobra.Command, args []string) error {
		var info rpc.NodeInfoResult
		if err := call(cmd.Context(), "Contacting daemon...", "node_info", nil, &info); err != nil {
			printError(err)
			return err
		}
		if jsonOutput() {
			return printJSON(info)
		}
		printInfo(os.Stdout, &info)
		return nil
	},
}

func init() {
	networksCmd.Flags().String("type", "", "Filter by network type (mainnet, testnet)")
	rootCmd.AddCommand(networksCmd, infoCmd)
}
