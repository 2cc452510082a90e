package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/flows"
)

func newFlowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect flow factories and flow executions",
	}

	cmd.AddCommand(newFlowsListCommand())
	cmd.AddCommand(newFlowsShowCommand())
	cmd.AddCommand(newFlowsLogbookCommand())

	return cmd
}

func newFlowsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flow factories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				for _, name := range rt.registry.Names() {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}

func newFlowsShowCommand() *cobra.Command {
	var (
		clusterID string
		nodeIDs   []string
		dot       bool
	)

	cmd := &cobra.Command{
		Use:   "show <factory>",
		Short: "Show the flow graph a factory builds",
		Example: `  # Outline of a three node create_cluster flow
  mqfleet flows show create_cluster --cluster-id c1 --node n1 --node n2 --node n3

  # Render with Graphviz
  mqfleet flows show delete_cluster_node --cluster-id c1 --node n1 --dot | dot -Tsvg > flow.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				kwargs := map[string]any{"cluster_id": clusterID, "node_ids": nodeIDs}
				switch args[0] {
				case flows.CreateClusterNode, flows.DeleteClusterNode:
					if len(nodeIDs) != 1 {
						return fmt.Errorf("%s takes exactly one --node", args[0])
					}
					kwargs = map[string]any{"cluster_id": clusterID, "node_id": nodeIDs[0]}
				}
				flow, err := rt.registry.Build(args[0], nil, kwargs)
				if err != nil {
					return err
				}
				if dot {
					fmt.Print(engine.ToDOT(flow))
				} else {
					fmt.Print(engine.Describe(flow))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&clusterID, "cluster-id", "example", "cluster ID argument")
	cmd.Flags().StringSliceVar(&nodeIDs, "node", []string{"node-1"}, "node ID arguments")
	cmd.Flags().BoolVar(&dot, "dot", false, "output Graphviz DOT")

	return cmd
}

func newFlowsLogbookCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logbook <job-id>",
		Short: "Show the recorded execution of a job's flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				flow, err := rt.logbook.LoadFlow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(flow)
				}
				fmt.Printf("Job:      %s\n", flow.JobID)
				fmt.Printf("Factory:  %s\n", flow.Factory)
				fmt.Printf("State:    %s\n", flow.State)
				if flow.Failure != "" {
					fmt.Printf("Failure:  %s\n", flow.Failure)
				}
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tSTEP\tSTATE\tFAILURE")
				for _, s := range flow.Steps {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Seq, s.Name, s.State, s.Failure)
				}
				return w.Flush()
			})
		},
	}
}
