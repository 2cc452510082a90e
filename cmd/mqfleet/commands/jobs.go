package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job board",
	}

	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsShowCommand())
	cmd.AddCommand(newJobsDeleteCommand())

	return cmd
}

func newJobsListCommand() *cobra.Command {
	var opts jobboard.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posted jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				jobs, err := rt.board.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(jobs)
				}
				now := time.Now()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tFACTORY\tSTATE\tOWNER\tCLAIMS\tCREATED")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						j.ID, j.Factory, j.StateAt(now), j.Owner, j.Claims, j.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&opts.UnclaimedOnly, "unclaimed", false, "only list jobs without a live claim")
	cmd.Flags().StringVar(&opts.Factory, "factory", "", "only list jobs of this flow factory")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of jobs")

	return cmd
}

func newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				job, err := rt.board.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func newJobsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Remove a job from the board regardless of its claim",
		Long: `Remove a job from the board regardless of its claim.

A worker currently running the job notices on its next heartbeat and
stops; steps it already completed are not rolled back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.board.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted job %s\n", args[0])
				return nil
			})
		},
	}
}
