package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

var createReq swap.CreateRequest

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a swap session",
	Long: `Create a swap session from the source network to the destination network.

The session starts with status "none"; run "bridgectl commit <id>" to lock
the source funds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd.Context(), "Creating swap...", "swap_create", createReq)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <query>",
	Short: "Resume a swap from its resume query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd.Context(), "Resuming swap...", "swap_resume", rpc.ResumeParams{Query: args[0]})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a swap session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd.Context(), "Checking swap status...", "swap_get", sessionParams(cmd, args[0]))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List live swap sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var snaps []*swap.Snapshot
		if err := call(cmd.Context(), "Loading swaps...", "swap_list", nil, &snaps); err != nil {
			printError(err)
			return err
		}
		if jsonOutput() {
			return printJSON(snaps)
		}
		printSnapshotList(os.Stdout, snaps)
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Stop tracking a swap session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res rpc.AbandonResult
		if err := call(cmd.Context(), "Abandoning swap...", "swap_abandon", sessionParams(cmd, args[0]), &res); err != nil {
			printError(err)
			return err
		}
		if jsonOutput() {
			return printJSON(res)
		}
		printSuccess("Swap " + res.ID + " abandoned")
		return nil
	},
}

// actionCmd builds a command that runs one swap action on a session.
func actionCmd(use, short, label, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), label, method, sessionParams(cmd, args[0]))
		},
	}
}

func runSnapshot(ctx context.Context, label, method string, params interface{}) error {
	var snap swap.Snapshot
	if err := call(ctx, label, method, params, &snap); err != nil {
		printError(err)
		return err
	}
	if jsonOutput() {
		return printJSON(snap)
	}
	printSnapshot(os.Stdout, &snap)
	return nil
}

// sessionParams identifies the session by id, or by commit id with --commit.
func sessionParams(cmd *cobra.Command, arg string) rpc.SessionParams {
	byCommit, _ := cmd.Flags().GetBool("commit")
	return newSessionParams(arg, byCommit)
}

func newSessionParams(arg string, byCommit bool) rpc.SessionParams {
	if byCommit {
		return rpc.SessionParams{CommitID: arg}
	}
	return rpc.SessionParams{ID: arg}
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createReq.SourceNetwork, "source", "", "Source network")
	f.StringVar(&createReq.SourceAsset, "source-asset", "", "Source asset symbol")
	f.StringVar(&createReq.SourceAddress, "source-address", "", "Sender address on the source network")
	f.StringVar(&createReq.DestinationNetwork, "destination", "", "Destination network")
	f.StringVar(&createReq.DestinationAsset, "destination-asset", "", "Destination asset symbol")
	f.StringVar(&createReq.DestinationAddress, "destination-address", "", "Receiver address on the destination network")
	f.StringVar(&createReq.Amount, "amount", "", "Amount in display units")
	f.StringVar(&createReq.SourceLP, "source-lp", "", "Solver address on the source network")
	f.StringVar(&createReq.DestinationLP, "destination-lp", "", "Solver address on the destination network")
	for _, name := range []string{"source", "source-asset", "destination", "destination-asset", "amount"} {
		_ = createCmd.MarkFlagRequired(name)
	}

	actions := []*cobra.Command{
		statusCmd,
		abandonCmd,
		actionCmd("commit", "Create the source HTLC", "Committing...", "swap_commit"),
		actionCmd("lock", "Lock the source HTLC with the solver's hashlock", "Locking...", "swap_addLock"),
		actionCmd("redeem", "Redeem the destination HTLC manually", "Redeeming...", "swap_redeem"),
		actionCmd("refund", "Refund expired HTLCs", "Refunding...", "swap_refund"),
		actionCmd("retry", "Clear the last action error", "Clearing error...", "swap_clearError"),
	}
	for _, c := range actions {
		c.Flags().Bool("commit", false, "Treat the argument as a commit id")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(createCmd, resumeCmd, listCmd)
}
