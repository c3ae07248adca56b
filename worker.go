package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Control the publish worker",
		Long: `Start, pause, resume, or stop the worker that moves staged files into the
target tree. Commands that are not valid in the worker's current state are
rejected and report that state.`,
	}

	for _, action := range []struct{ name, short string }{
		{"start", "Start publishing pending records"},
		{"pause", "Pause the running worker before its next record"},
		{"resume", "Resume a paused worker"},
		{"stop", "Stop the worker; unfinished records return to pending"},
	} {
		cmd.AddCommand(newWorkerActionCmd(action.name, action.short))
	}

	return cmd
}

func newWorkerActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			res, err := daemonClient(cc).Worker(cmd.Context(), action)
			if err != nil {
				return explainDaemonErr(cc, err)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, res)
			}

			fmt.Fprintf(cc.Out, "worker %s\n", res.State)

			return nil
		},
	}
}
