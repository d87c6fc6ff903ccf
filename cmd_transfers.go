package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"linkbridge/server"
	"linkbridge/transfer"
)

var transfersLimit int

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "Inspect and manage persisted transfers",
}

var transfersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent transfers, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineEngine(func(_ *app, engine *transfer.Engine) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tSTATUS\tPROGRESS\tFILE\tUPDATED")
			for _, rec := range engine.History(transfersLimit) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					rec.TransferID,
					rec.Direction,
					rec.Status,
					rec.Percent(),
					rec.FileName,
					time.UnixMilli(rec.UpdatedAt).Format(time.DateTime),
				)
			}
			return w.Flush()
		})
	},
}

var transfersCancelCmd = &cobra.Command{
	Use:   "cancel <transfer-id>",
	Short: "Cancel a pending or paused transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineEngine(func(_ *app, engine *transfer.Engine) error {
			if err := engine.Cancel(args[0]); err != nil {
				return fmt.Errorf("cancel %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			return nil
		})
	},
}

var transfersClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget completed and cancelled transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineEngine(func(_ *app, engine *transfer.Engine) error {
			n, err := engine.ClearCompleted()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d transfer(s) cleared\n", n)
			return nil
		})
	},
}

var resumeFlags peerFlags

var transfersResumeCmd = &cobra.Command{
	Use:   "resume <transfer-id>",
	Short: "Reconnect and continue a paused or failed transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		t, err := resumeFlags.resolve(ctx, a)
		if err != nil {
			return err
		}
		s, err := a.dial(ctx, t, resumeFlags.transport, string(server.RoleViewer), "")
		if err != nil {
			return err
		}
		defer s.Close()

		done := newCompletions()
		s.engine.AddListener(progressPrinter(cmd.OutOrStdout(), done))
		if err := s.engine.Resume(args[0]); err != nil {
			return fmt.Errorf("resume %s: %w", args[0], err)
		}
		done.expect(args[0])
		return done.wait(ctx)
	},
}

func init() {
	transfersListCmd.Flags().IntVar(&transfersLimit, "limit", 50, "maximum number of transfers to list")
	resumeFlags.register(transfersResumeCmd)

	transfersCmd.AddCommand(transfersListCmd)
	transfersCmd.AddCommand(transfersCancelCmd)
	transfersCmd.AddCommand(transfersClearCmd)
	transfersCmd.AddCommand(transfersResumeCmd)
}

// withOfflineEngine runs fn against the persisted records without starting
// any transfer.
func withOfflineEngine(fn func(a *app, engine *transfer.Engine) error) (err error) {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	engine, err := a.newEngine(offline{}, "", true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, engine.Close()) }()
	return fn(a, engine)
}
