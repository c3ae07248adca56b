package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a full reconciliation now",
		Long: `Ask the daemon to compare the source tree with the ledger immediately,
staging new and modified files and marking vanished ones for deletion. If a
reconciliation is already running, this waits for it and prints its report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			cc.Statusf("Reconciling...\n")

			report, err := daemonClient(cc).Reconcile(cmd.Context())
			if err != nil {
				return explainDaemonErr(cc, err)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, report)
			}

			printTable(cc.Out, []string{"FIELD", "VALUE"}, [][]string{
				{"duration", formatDuration(report.Duration)},
				{"scanned", strconv.Itoa(report.Scanned)},
				{"staged", strconv.Itoa(report.Staged)},
				{"failed", strconv.Itoa(report.Failed)},
				{"marked for deletion", strconv.Itoa(report.MarkedForDeletion)},
				{"skipped dirs", strconv.Itoa(report.SkippedDirs)},
			})

			return nil
		},
	}
}
