package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/stagesync/internal/admin"
	"github.com/tonimelisma/stagesync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger counts, watcher state, and worker progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			st, err := daemonClient(cc).Status(cmd.Context())
			if err != nil {
				return explainDaemonErr(cc, err)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, st)
			}

			printStatus(cc.Out, &st)

			return nil
		},
	}
}

func newWatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch-status",
		Short: "Follow the daemon status as it changes",
		Long: `Subscribe to the daemon's status stream and print each snapshot until
interrupted. With --json, each snapshot is one JSON document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			return watchStatus(ctx, cc)
		},
	}
}

func watchStatus(ctx context.Context, cc *CLIContext) error {
	err := daemonClient(cc).WatchStatus(ctx, func(st sync.EngineStatus) error {
		if cc.Flags.JSON {
			return printJSON(cc.Out, st)
		}

		fmt.Fprintln(cc.Out, "---")
		printStatus(cc.Out, &st)

		return nil
	})
	if err != nil {
		return explainDaemonErr(cc, err)
	}

	return nil
}

// printStatus renders a status snapshot as a two-column table.
func printStatus(w io.Writer, st *sync.EngineStatus) {
	watcher := "inactive"
	if st.WatcherActive {
		watcher = "active"
	}

	rows := [][]string{
		{"watcher", watcher},
		{"pending sync", strconv.Itoa(st.Pending)},
		{"syncing", strconv.Itoa(st.Syncing)},
		{"synced", strconv.Itoa(st.Synced)},
		{"error copying", strconv.Itoa(st.ErrorCopying)},
		{"error syncing", strconv.Itoa(st.ErrorSyncing)},
		{"pending deletion", strconv.Itoa(st.PendingDeletion)},
		{"worker", string(st.Worker.State)},
	}

	if st.Worker.RunID != "" {
		rows = append(rows,
			[]string{"run id", st.Worker.RunID},
			[]string{"run started", formatTime(st.Worker.StartedAt)},
			[]string{"published", strconv.FormatInt(st.Worker.Succeeded, 10)},
			[]string{"failed", strconv.FormatInt(st.Worker.Failed, 10)},
		)
	}

	if st.Worker.LastError != "" {
		rows = append(rows, []string{"last error", st.Worker.LastError})
	}

	if r := st.LastReconcile; r != nil {
		rows = append(rows,
			[]string{"last reconcile", formatTime(r.StartedAt) + " (" + formatDuration(r.Duration) + ")"},
			[]string{"  scanned", strconv.Itoa(r.Scanned)},
			[]string{"  staged", strconv.Itoa(r.Staged)},
			[]string{"  failed", strconv.Itoa(r.Failed)},
			[]string{"  marked for deletion", strconv.Itoa(r.MarkedForDeletion)},
		)
	}

	printTable(w, []string{"FIELD", "VALUE"}, rows)
}

// daemonClient returns an admin client for the configured address.
func daemonClient(cc *CLIContext) *admin.Client {
	return admin.NewClient(cc.Cfg.Admin.ListenAddr)
}

// explainDaemonErr adds a hint based on the PID file when the daemon could
// not be reached.
func explainDaemonErr(cc *CLIContext, err error) error {
	if !errors.Is(err, admin.ErrUnreachable) {
		return err
	}

	return fmt.Errorf("%w\n%s", err, daemonHint(cc.Cfg.PIDFilePath()))
}
