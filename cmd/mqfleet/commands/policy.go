package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func openPolicies(cmd *cobra.Command) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newCLILogger(cfg)
	eng, err := policy.NewEngine(logger, cfg.Policy.Limits)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPaths(cmd.Context(), cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openPolicies(cmd)
			if err != nil {
				return err
			}
			policies := eng.List()
			if jsonOutput {
				return printJSON(policies)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				src := p.Source
				if src == "" {
					src = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, src, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var in policy.Input

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate policies against a hypothetical request",
		Example: `  mqfleet policy check --operation create_cluster --name orders --flavor m1.small --size 9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openPolicies(cmd)
			if err != nil {
				return err
			}
			res, err := eng.Evaluate(cmd.Context(), in)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			for _, v := range res.Violations {
				fmt.Printf("DENY  %s: %s\n", v.Policy, v.Message)
			}
			for _, v := range res.Warnings {
				fmt.Printf("WARN  %s: %s\n", v.Policy, v.Message)
			}
			if !res.Allowed {
				return fmt.Errorf("%w: %d violations", policy.ErrDenied, len(res.Violations))
			}
			fmt.Printf("Allowed (%d policies evaluated)\n", len(res.EvaluatedPolicies))
			return nil
		},
	}

	cmd.Flags().StringVar(&in.Operation, "operation", "create_cluster", "flow factory of the request")
	cmd.Flags().StringVar(&in.Cluster.Name, "name", "", "cluster name")
	cmd.Flags().StringVar(&in.Cluster.NetworkID, "network", "", "network ID")
	cmd.Flags().StringVar(&in.Cluster.Flavor, "flavor", "", "VM flavor")
	cmd.Flags().StringVar(&in.Cluster.Image, "image", "", "broker image")
	cmd.Flags().IntVar(&in.Cluster.VolumeSize, "volume-size", 0, "volume size in GB")
	cmd.Flags().IntVar(&in.NodeCount, "size", 3, "number of nodes")

	return cmd
}
