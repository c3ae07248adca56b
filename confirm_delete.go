package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/stagesync/internal/sync"
)

// errDeletionsFailed makes confirm-delete exit non-zero when any id failed.
var errDeletionsFailed = errors.New("some deletions failed")

func newConfirmDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm-delete ID...",
		Short: "Permanently delete pending_deletion records and their files",
		Long: `Confirm deletion of records whose source files are gone. For each id, the
published file, the staged file, and the ledger record are removed. Ids not
in pending_deletion are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			results, err := daemonClient(cc).ConfirmDeletion(cmd.Context(), ids)
			if err != nil {
				return explainDaemonErr(cc, err)
			}

			if cc.Flags.JSON {
				if err := printJSON(cc.Out, results); err != nil {
					return err
				}
			} else {
				printDeletionResults(cc.Out, results)
			}

			for _, r := range results {
				if r.Outcome == sync.DeletionFailed {
					return errDeletionsFailed
				}
			}

			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))

	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("invalid record id %q", a)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func printDeletionResults(w io.Writer, results []sync.DeletionResult) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{strconv.FormatInt(r.ID, 10), string(r.Outcome), r.Message})
	}

	printTable(w, []string{"ID", "OUTCOME", "MESSAGE"}, rows)
}
