package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

const ruleWidth = 70

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", color.GreenString(message))
}

// errorText renders an RPC failure with its classification when present.
func errorText(err error) string {
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		return err.Error()
	}
	if data, ok := rpcErr.Data.(map[string]interface{}); ok {
		if kind, ok := data["kind"].(string); ok && kind != "" {
			return fmt.Sprintf("%s (%s)", rpcErr.Message, kind)
		}
	}
	return rpcErr.Message
}

func coloredStatus(status swap.CommitStatus) string {
	s := strings.ToUpper(string(status))
	switch status {
	case swap.StatusRedeemCompleted:
		return color.GreenString(s)
	case swap.StatusCommited, swap.StatusLpLockDetected, swap.StatusUserLocked, swap.StatusAssetsLocked:
		return color.YellowString(s)
	case swap.StatusTimelockExpired:
		return color.RedString(s)
	default:
		return s
	}
}

func printInfo(w io.Writer, info *rpc.NodeInfoResult) {
	fmt.Fprintf(w, "\n  Version:         %s\n", info.Version)
	fmt.Fprintf(w, "  Network type:    %s\n", info.NetworkType)
	fmt.Fprintf(w, "  Data dir:        %s\n", info.DataDir)
	fmt.Fprintf(w, "  Uptime:          %s\n", info.Uptime)
	fmt.Fprintf(w, "  Live sessions:   %d (%d stored)\n", info.Sessions, info.StoredSessions)
	fmt.Fprintf(w, "  WS clients:      %d\n\n", info.WSClients)
}

func printNetworks(w io.Writer, networks []*chain.Network) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFAMILY\tTYPE\tCHAIN ID\tTOKENS\tHTLC")
	for _, n := range networks {
		symbols := make([]string, 0, len(n.Tokens))
		for _, t := range n.Tokens {
			symbols = append(symbols, t.Symbol)
		}
		htlcReady := "-"
		if n.Contract(chain.HTLCNativeContractAddress) != "" || n.Contract(chain.HTLCTokenContractAddress) != "" {
			htlcReady = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", n.Name, n.Group, n.Type, n.ChainID, strings.Join(symbols, ","), htlcReady)
	}
	tw.Flush()
}

func printSnapshotList(w io.Writer, snaps []*swap.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No live swaps")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROUTE\tAMOUNT\tSTATUS\tACTION")
	for _, snap := range snaps {
		s := snap.Session
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, route(s), s.Amount, snap.Resolution.Status, snap.Resolution.Action)
	}
	tw.Flush()
}

func route(s *swap.Session) string {
	return fmt.Sprintf("%s %s -> %s %s", s.Source.Network, s.Source.Asset.Symbol, s.Destination.Network, s.Destination.Asset.Symbol)
}

func printSnapshot(w io.Writer, snap *swap.Snapshot) {
	s := snap.Session
	r := snap.Resolution

	fmt.Fprintln(w, "\n"+strings.Repeat("=", ruleWidth))
	fmt.Fprintf(w, "  Swap:            %s\n", color.CyanString(s.ID))
	if s.CommitID != "" {
		fmt.Fprintf(w, "  Commit ID:       %s\n", s.CommitID)
	}
	fmt.Fprintf(w, "  Route:           %s\n", route(s))
	fmt.Fprintf(w, "  Amount:          %s %s\n", s.Amount, s.Source.Asset.Symbol)
	fmt.Fprintf(w, "  Status:          %s\n", coloredStatus(r.Status))

	next := string(r.Action)
	if r.Action == swap.ActionRedeem && r.ManualClaim {
		next += " (manual claim)"
	}
	if snap.Pending != "" && snap.Pending != swap.ActionNone {
		next = fmt.Sprintf("%s in progress", snap.Pending)
	}
	fmt.Fprintf(w, "  Next action:     %s\n", next)

	printLeg(w, "Source leg", s.SourceLeg)
	printLeg(w, "Destination leg", s.DestinationLeg)

	for _, tx := range []struct{ label, hash string }{
		{"Commit tx", s.CommitTxHash},
		{"Lock tx", s.LockTxHash},
		{"Redeem tx", s.RedeemTxHash},
		{"Refund tx", s.RefundTxID},
		{"Dest refund tx", s.DestinationRefundTxID},
	} {
		if tx.hash != "" {
			fmt.Fprintf(w, "  %-17s%s\n", tx.label+":", color.HiBlackString(tx.hash))
		}
	}

	if s.Error != nil {
		fmt.Fprintf(w, "  Error:           %s\n", color.RedString("%s failed: %s", s.Error.Action, htlc.UserMessage(s.Error.Kind, s.Error.Message)))
		fmt.Fprintf(w, "                   run \"bridgectl retry %s\" to try again\n", s.ID)
	}
	if snap.Resume != "" {
		fmt.Fprintf(w, "  Resume:          %s\n", snap.Resume)
	}
	fmt.Fprintln(w, strings.Repeat("=", ruleWidth))
}

func printLeg(w io.Writer, label string, d *htlc.Details) {
	if !d.HasSender() {
		return
	}
	state := d.Claimed.String()
	if d.HasHashlock() {
		state += ", hashlock set"
	}
	if d.Timelock > 0 {
		state += ", expires " + time.Unix(d.Timelock, 0).Format(time.DateTime)
	}
	fmt.Fprintf(w, "  %-17s%s\n", label+":", state)
}

// eventFields holds the fields shared by session and telemetry events.
type eventFields struct {
	SessionID  string          `json:"session_id"`
	CommitID   string          `json:"commit_id"`
	TxHash     string          `json:"tx_hash"`
	Reason     string          `json:"reason"`
	Resolution swap.Resolution `json:"resolution"`
	Session    *swap.Session   `json:"session"`
}

func decodeEvent(ev rpc.WSEvent) eventFields {
	var f eventFields
	data, err := json.Marshal(ev.Data)
	if err == nil {
		_ = json.Unmarshal(data, &f)
	}
	return f
}

// eventSessionID prefers the session named on the envelope.
func eventSessionID(ev rpc.WSEvent, f eventFields) string {
	if ev.SessionID != "" {
		return ev.SessionID
	}
	return f.SessionID
}

// formatEvent renders one event as a single line.
func formatEvent(ev rpc.WSEvent) string {
	f := decodeEvent(ev)
	ts := time.Unix(ev.Timestamp, 0).Format(time.TimeOnly)

	var detail string
	switch ev.Type {
	case rpc.EventSwapCreated, rpc.EventSwapStatus, rpc.EventSwapSnapshot:
		detail = fmt.Sprintf("status=%s action=%s", coloredStatus(f.Resolution.Status), f.Resolution.Action)
	case rpc.EventSwapError:
		if f.Session != nil && f.Session.Error != nil {
			detail = color.RedString("%s failed: %s", f.Session.Error.Action, htlc.UserMessage(f.Session.Error.Kind, f.Session.Error.Message))
		}
	case rpc.EventSwapDestroyed:
		detail = fmt.Sprintf("status=%s reason=%s", coloredStatus(f.Resolution.Status), f.Reason)
	default:
		detail = fmt.Sprintf("commit_id=%s tx=%s", f.CommitID, f.TxHash)
	}
	return fmt.Sprintf("%s  %-16s %s  %s", ts, ev.Type, eventSessionID(ev, f), detail)
}
