package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/stagesync/internal/sync"
)

const defaultPendingPageSize = 50

func newPendingCmd() *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List records waiting to be published or deleted",
		Long: `List pending_sync and pending_deletion records, ordered by id. Use the ids
with 'stagesync confirm-delete' to confirm deletions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if page < 1 || size < 1 {
				return errors.New("--page and --size must be positive")
			}

			result, err := daemonClient(cc).PendingRecords(cmd.Context(), page, size)
			if err != nil {
				return explainDaemonErr(cc, err)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, result)
			}

			printPending(cc.Out, &result)

			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number (1-based)")
	cmd.Flags().IntVar(&size, "size", defaultPendingPageSize, "records per page")

	return cmd
}

func printPending(w io.Writer, p *sync.RecordPage) {
	if len(p.Records) == 0 {
		fmt.Fprintln(w, "No pending records.")
		return
	}

	rows := make([][]string, 0, len(p.Records))
	for i := range p.Records {
		rec := &p.Records[i]
		rows = append(rows, []string{
			strconv.FormatInt(rec.ID, 10),
			string(rec.Status),
			rec.Dir + rec.OriginalFilename,
			rec.TempFilename,
			formatUnixNano(rec.SourceLastModified),
		})
	}

	printTable(w, []string{"ID", "STATUS", "PATH", "STAGED AS", "MODIFIED"}, rows)

	pages := 1
	if p.Size > 0 {
		pages = max((p.Total+p.Size-1)/p.Size, 1)
	}

	fmt.Fprintf(w, "\npage %d of %d (%d records)\n", p.Page, pages, p.Total)
}
