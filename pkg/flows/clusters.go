package flows

import (
	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/tasks"
)

// ClusterArgs are the arguments of the cluster-wide factories. Positional
// form is (cluster_id, node_ids).
type ClusterArgs struct {
	ClusterID string   `json:"cluster_id" validate:"required"`
	NodeIDs   []string `json:"node_ids" validate:"unique,dive,required"`
}

// NodeArgs are the arguments of the per-node factories. Positional form is
// (cluster_id, node_id).
type NodeArgs struct {
	ClusterID string `json:"cluster_id" validate:"required"`
	NodeID    string `json:"node_id" validate:"required"`
}

var (
	clusterPositional = []string{"cluster_id", "node_ids"}
	nodePositional    = []string{"cluster_id", "node_id"}
)

func (r *Registry) createCluster(args []any, kwargs map[string]any) (engine.Node, error) {
	var a ClusterArgs
	if err := r.decode(args, kwargs, clusterPositional, &a); err != nil {
		return nil, err
	}
	if len(a.NodeIDs) == 0 {
		return nil, errNoNodes(CreateCluster)
	}
	d := r.deps

	nodes := engine.Unordered("create-nodes")
	for _, id := range a.NodeIDs {
		nodes.Add(r.nodeCreate(id))
	}

	return engine.Linear("create-cluster",
		tasks.SetClusterStatus(d.Storage, "mark-cluster-building", models.StatusBuilding, models.StatusError),
		engine.WithRetry("create-vm-group-retry", r.callPolicy(), tasks.CreateVMGroup(d.Cloud, d.Storage)),
		nodes,
		tasks.SetClusterStatus(d.Storage, "mark-cluster-active", models.StatusActive, ""),
	), nil
}

func (r *Registry) deleteCluster(args []any, kwargs map[string]any) (engine.Node, error) {
	var a ClusterArgs
	if err := r.decode(args, kwargs, clusterPositional, &a); err != nil {
		return nil, err
	}
	d := r.deps

	nodes := engine.Unordered("delete-nodes")
	for _, id := range a.NodeIDs {
		nodes.Add(r.nodeDelete(id))
	}

	return engine.Linear("delete-cluster",
		tasks.SetClusterStatus(d.Storage, "mark-cluster-deleting", models.StatusDeleting, models.StatusError),
		tasks.LoadCluster(d.Storage),
		nodes,
		engine.WithRetry("delete-vm-group-retry", r.callPolicy(), tasks.DeleteVMGroup(d.Cloud)),
		tasks.SetClusterStatus(d.Storage, "mark-cluster-deleted", models.StatusDeleted, ""),
	), nil
}

func (r *Registry) checkClusterStatus(args []any, kwargs map[string]any) (engine.Node, error) {
	var a ClusterArgs
	if err := r.decode(args, kwargs, clusterPositional, &a); err != nil {
		return nil, err
	}
	d := r.deps

	checks := engine.Unordered("check-nodes")
	for _, id := range a.NodeIDs {
		checks.Add(engine.WithRetry("check-node-retry-"+id, r.callPolicy(),
			tasks.CheckNode(d.Cloud, d.Broker, d.Storage, id)))
	}

	return engine.Linear("check-cluster-status",
		checks,
		tasks.ReduceStatus(a.NodeIDs),
		tasks.ApplyClusterStatus(d.Storage),
	), nil
}

func (r *Registry) createClusterNode(args []any, kwargs map[string]any) (engine.Node, error) {
	var a NodeArgs
	if err := r.decode(args, kwargs, nodePositional, &a); err != nil {
		return nil, err
	}
	return engine.Linear("create-cluster-node", r.nodeCreate(a.NodeID)), nil
}

func (r *Registry) deleteClusterNode(args []any, kwargs map[string]any) (engine.Node, error) {
	var a NodeArgs
	if err := r.decode(args, kwargs, nodePositional, &a); err != nil {
		return nil, err
	}
	return engine.Linear("delete-cluster-node", r.nodeDelete(a.NodeID)), nil
}

// nodeCreate provisions one node. Port and volume are created together;
// the VM waits for both, then the node must boot and its broker must answer
// before the endpoint is recorded.
func (r *Registry) nodeCreate(id string) engine.Node {
	d := r.deps
	call := r.callPolicy()
	return engine.Linear("create-node-"+id,
		tasks.SetNodeStatus(d.Storage, "mark-node-building-"+id, id, models.StatusBuilding, models.StatusError),
		engine.Unordered("provision-"+id,
			engine.WithRetry("create-port-retry-"+id, call, tasks.CreatePort(d.Cloud, id)),
			engine.WithRetry("create-volume-retry-"+id, call, tasks.CreateVolume(d.Cloud, id)),
		),
		engine.WithRetry("create-vm-retry-"+id, call, tasks.CreateVM(d.Cloud, d.Storage, id)),
		engine.WithRetry("wait-vm-active-"+id,
			r.policy(d.Retry.VMPollAttempts, d.Retry.VMPollInterval), tasks.WaitVMActive(d.Cloud, id)),
		engine.WithRetry("wait-broker-"+id,
			r.policy(d.Retry.BrokerCheckAttempts, d.Retry.BrokerCheckInterval), tasks.CheckBroker(d.Broker, id)),
		tasks.RecordEndpoint(d.Storage, id),
		tasks.SetNodeStatus(d.Storage, "mark-node-active-"+id, id, models.StatusActive, ""),
	)
}

// nodeDelete tears one node down. Interfaces are listed before the VM goes
// away and deleted once it is gone.
func (r *Registry) nodeDelete(id string) engine.Node {
	d := r.deps
	call := r.callPolicy()
	return engine.Linear("delete-node-"+id,
		tasks.LoadNode(d.Storage, id),
		engine.WithRetry("list-interfaces-retry-"+id, call, tasks.ListInterfaces(d.Cloud, id)),
		engine.WithRetry("delete-vm-retry-"+id, call, tasks.DeleteVM(d.Cloud, id)),
		engine.WithRetry("wait-vm-deleted-"+id,
			r.policy(d.Retry.DeletePollAttempts, d.Retry.DeletePollInterval), tasks.WaitVMDeleted(d.Cloud, id)),
		engine.WithRetry("delete-ports-retry-"+id, call, tasks.DeletePorts(d.Cloud, id)),
		tasks.SetNodeStatus(d.Storage, "mark-node-deleted-"+id, id, models.StatusDeleted, ""),
		tasks.MarkEndpointsDeleted(d.Storage, id),
	)
}
