package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/models"
)

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage broker clusters",
		Long: `Create, delete and inspect RabbitMQ clusters.

Mutating commands record the change in the inventory and post a job; a
worker carries it out. The printed job ID can be followed with
"mqfleet flows logbook".`,
	}

	cmd.AddCommand(newClusterCreateCommand())
	cmd.AddCommand(newClusterDeleteCommand())
	cmd.AddCommand(newClusterCheckCommand())
	cmd.AddCommand(newClusterAddNodeCommand())
	cmd.AddCommand(newClusterRemoveNodeCommand())
	cmd.AddCommand(newClusterListCommand())
	cmd.AddCommand(newClusterShowCommand())

	return cmd
}

// clusterSpec is the user input for a new cluster.
type clusterSpec struct {
	ProjectID  string
	Name       string
	NetworkID  string
	Flavor     string
	Image      string
	Size       int
	VolumeSize int
}

func newClusterCreateCommand() *cobra.Command {
	var spec clusterSpec

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cluster",
		Example: `  mqfleet cluster create --name orders --network net-1 --flavor m1.small \
    --image rabbitmq-3.13 --size 3 --volume-size 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				cluster, job, err := createCluster(cmd.Context(), rt.store, rt.client, spec)
				if err != nil {
					return err
				}
				return printPosted(cluster, job)
			})
		},
	}

	cmd.Flags().StringVar(&spec.Name, "name", "", "cluster name")
	cmd.Flags().StringVar(&spec.ProjectID, "project", "", "owning project")
	cmd.Flags().StringVar(&spec.NetworkID, "network", "", "network the nodes attach to")
	cmd.Flags().StringVar(&spec.Flavor, "flavor", "", "VM flavor")
	cmd.Flags().StringVar(&spec.Image, "image", "", "broker image")
	cmd.Flags().IntVar(&spec.Size, "size", 3, "number of nodes")
	cmd.Flags().IntVar(&spec.VolumeSize, "volume-size", 0, "data volume size in GB (0 for none)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("network")
	_ = cmd.MarkFlagRequired("flavor")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

// createCluster records a BUILDING cluster with its nodes and posts the
// create_cluster job. A request refused by policy leaves the records in
// ERROR with the refusal as detail.
func createCluster(ctx context.Context, storage models.Storage, client *conductor.Client, spec clusterSpec) (*models.Cluster, *jobboard.Job, error) {
	if spec.Size < 1 {
		return nil, nil, fmt.Errorf("cluster size must be at least 1, got %d", spec.Size)
	}
	cluster := &models.Cluster{
		ID:         uuid.New().String(),
		ProjectID:  spec.ProjectID,
		Name:       spec.Name,
		NetworkID:  spec.NetworkID,
		Flavor:     spec.Flavor,
		Image:      spec.Image,
		Size:       spec.Size,
		VolumeSize: spec.VolumeSize,
		Status:     models.StatusBuilding,
	}
	if err := storage.CreateCluster(ctx, cluster); err != nil {
		return nil, nil, fmt.Errorf("failed to record cluster: %w", err)
	}

	nodeIDs := make([]string, 0, spec.Size)
	for i := 0; i < spec.Size; i++ {
		node := &models.Node{
			ID:        uuid.New().String(),
			ClusterID: cluster.ID,
			Flavor:    spec.Flavor,
			Status:    models.StatusBuilding,
		}
		if err := storage.CreateNode(ctx, node); err != nil {
			return nil, nil, fmt.Errorf("failed to record node: %w", err)
		}
		nodeIDs = append(nodeIDs, node.ID)
	}

	job, err := client.CreateCluster(ctx, cluster, nodeIDs)
	if err != nil {
		if errors.Is(err, conductor.ErrRejected) {
			markRejected(ctx, storage, cluster.ID, nodeIDs, err)
		}
		return cluster, nil, err
	}
	return cluster, job, nil
}

func markRejected(ctx context.Context, storage models.Storage, clusterID string, nodeIDs []string, cause error) {
	_ = storage.UpdateCluster(ctx, clusterID, models.ClusterUpdate{
		Status:      models.Ptr(models.StatusError),
		ErrorDetail: models.Ptr(cause.Error()),
	})
	for _, id := range nodeIDs {
		_ = storage.UpdateNode(ctx, id, models.NodeUpdate{Status: models.Ptr(models.StatusError)})
	}
}

func newClusterDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cluster-id>",
		Short: "Delete a cluster and all of its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				cluster, job, err := deleteCluster(cmd.Context(), rt.store, rt.client, args[0])
				if err != nil {
					return err
				}
				return printPosted(cluster, job)
			})
		},
	}
}

func deleteCluster(ctx context.Context, storage models.Storage, client *conductor.Client, id string) (*models.Cluster, *jobboard.Job, error) {
	cluster, err := storage.GetCluster(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cluster.Status == models.StatusDeleted {
		return nil, nil, fmt.Errorf("cluster %s is already deleted", id)
	}
	nodeIDs, err := nodeIDsWhere(ctx, storage, id, func(n *models.Node) bool { return n.Status != models.StatusDeleted })
	if err != nil {
		return nil, nil, err
	}
	job, err := client.DeleteCluster(ctx, cluster, nodeIDs)
	return cluster, job, err
}

func newClusterCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <cluster-id>",
		Short: "Check the health of every node of a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				ctx := cmd.Context()
				cluster, err := rt.store.GetCluster(ctx, args[0])
				if err != nil {
					return err
				}
				nodeIDs, err := nodeIDsWhere(ctx, rt.store, cluster.ID, isLive)
				if err != nil {
					return err
				}
				if len(nodeIDs) == 0 {
					return fmt.Errorf("cluster %s has no live nodes", cluster.ID)
				}
				job, err := rt.client.CheckClusterStatus(ctx, cluster, nodeIDs)
				if err != nil {
					return err
				}
				return printPosted(cluster, job)
			})
		},
	}
}

func newClusterAddNodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-node <cluster-id>",
		Short: "Add a node to a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				ctx := cmd.Context()
				cluster, err := rt.store.GetCluster(ctx, args[0])
				if err != nil {
					return err
				}
				if cluster.Status != models.StatusActive && cluster.Status != models.StatusDown {
					return fmt.Errorf("cluster %s is %s; nodes can only be added to ACTIVE or DOWN clusters", cluster.ID, cluster.Status)
				}
				node := &models.Node{
					ID:        uuid.New().String(),
					ClusterID: cluster.ID,
					Flavor:    cluster.Flavor,
					Status:    models.StatusBuilding,
				}
				if err := rt.store.CreateNode(ctx, node); err != nil {
					return err
				}
				job, err := rt.client.CreateClusterNode(ctx, cluster, node.ID)
				if err != nil {
					if errors.Is(err, conductor.ErrRejected) {
						_ = rt.store.UpdateNode(ctx, node.ID, models.NodeUpdate{Status: models.Ptr(models.StatusError)})
					}
					return err
				}
				fmt.Printf("Node %s\n", node.ID)
				return printPosted(cluster, job)
			})
		},
	}
}

func newClusterRemoveNodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-node <cluster-id> <node-id>",
		Short: "Remove one node from a cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				ctx := cmd.Context()
				cluster, err := rt.store.GetCluster(ctx, args[0])
				if err != nil {
					return err
				}
				node, err := rt.store.GetNode(ctx, args[1])
				if err != nil {
					return err
				}
				if node.ClusterID != cluster.ID {
					return fmt.Errorf("node %s does not belong to cluster %s", node.ID, cluster.ID)
				}
				job, err := rt.client.DeleteClusterNode(ctx, cluster, node.ID)
				if err != nil {
					return err
				}
				return printPosted(cluster, job)
			})
		},
	}
}

func newClusterListCommand() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				filter := make([]models.Status, 0, len(statuses))
				for _, s := range statuses {
					st := models.Status(s)
					if err := st.Validate(); err != nil {
						return err
					}
					filter = append(filter, st)
				}
				clusters, err := rt.store.ListClusters(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(clusters)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSIZE\tFLAVOR\tUPDATED")
				for _, c := range clusters {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", c.ID, c.Name, c.Status, c.Size, c.Flavor, c.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list clusters in these statuses")
	return cmd
}

func newClusterShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <cluster-id>",
		Short: "Show a cluster with its nodes and endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				view, err := describeCluster(cmd.Context(), rt.store, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(view)
				}
				c := view.Cluster
				fmt.Printf("Cluster:  %s (%s)\n", c.Name, c.ID)
				fmt.Printf("Status:   %s\n", c.Status)
				if c.ErrorDetail != "" {
					fmt.Printf("Error:    %s\n", c.ErrorDetail)
				}
				fmt.Printf("Network:  %s\n", c.NetworkID)
				fmt.Printf("Flavor:   %s\n", c.Flavor)
				fmt.Printf("Image:    %s\n", c.Image)
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NODE\tSTATUS\tINSTANCE\tENDPOINTS")
				for _, n := range view.Nodes {
					var uris []string
					for _, e := range n.Endpoints {
						if !e.Deleted {
							uris = append(uris, e.URI)
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", n.ID, n.Status, n.InstanceID, uris)
				}
				return w.Flush()
			})
		},
	}
}

type nodeView struct {
	*models.Node
	Endpoints []*models.Endpoint `json:"endpoints"`
}

type clusterView struct {
	Cluster *models.Cluster `json:"cluster"`
	Nodes   []nodeView      `json:"nodes"`
}

func describeCluster(ctx context.Context, storage models.Storage, id string) (*clusterView, error) {
	cluster, err := storage.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes, err := storage.ListNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &clusterView{Cluster: cluster}
	for _, n := range nodes {
		eps, err := storage.ListEndpoints(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		view.Nodes = append(view.Nodes, nodeView{Node: n, Endpoints: eps})
	}
	return view, nil
}

func isLive(n *models.Node) bool {
	return n.Status != models.StatusDeleting && n.Status != models.StatusDeleted
}

func nodeIDsWhere(ctx context.Context, storage models.Storage, clusterID string, keep func(*models.Node) bool) ([]string, error) {
	nodes, err := storage.ListNodes(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range nodes {
		if keep(n) {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

func printPosted(cluster *models.Cluster, job *jobboard.Job) error {
	if jsonOutput {
		return printJSON(map[string]any{"cluster": cluster, "job": job})
	}
	fmt.Printf("Cluster %s (%s)\n", cluster.ID, cluster.Name)
	fmt.Printf("Posted %s job %s\n", job.Factory, job.ID)
	return nil
}
