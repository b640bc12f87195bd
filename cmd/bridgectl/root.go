package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
)

const defaultRPCAddr = "127.0.0.1:8645"

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Drive HTLC atomic swaps through a bridged daemon",
	Long: `bridgectl talks to a running bridged daemon over JSON-RPC.

Examples:
  bridgectl networks --type testnet
  bridgectl create --source ETHEREUM_SEPOLIA --source-asset ETH --destination SOLANA_DEVNET \
    --destination-asset SOL --amount 0.01 --source-address 0x... --destination-address ...
  bridgectl commit <session-id>
  bridgectl status --commit 0x...
  bridgectl watch <session-id>`,
	Version:       rpc.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().String("rpc", defaultRPCAddr, "Daemon JSON-RPC address")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")

	_ = viper.BindPFlag("rpc", rootCmd.PersistentFlags().Lookup("rpc"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads ~/.bridgectl.yaml and BRIDGE_* environment variables.
func initConfig() error {
	viper.SetConfigName(".bridgectl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func newClient() *rpc.Client {
	return rpc.NewClient(viper.GetString("rpc"), viper.GetDuration("timeout"))
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// call runs one RPC with a spinner unless JSON output is requested.
func call(ctx context.Context, label, method string, params, out interface{}) error {
	var s *spinner.Spinner
	if !jsonOutput() {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " " + label
		s.Start()
	}
	err := newClient().Call(ctx, method, params, out)
	if s != nil {
		s.Stop()
	}
	return err
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "\n%s %s\n\n", color.RedString("Error:"), errorText(err))
}
