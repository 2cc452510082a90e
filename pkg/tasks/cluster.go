package tasks

import (
	"context"
	"errors"

	"github.com/mqfleet/mqfleet/pkg/cloud"
	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/models"
)

// VMGroupPolicy spreads a cluster's VMs across hypervisors.
const VMGroupPolicy = "anti-affinity"

// VMGroupName is the name of a cluster's VM group.
func VMGroupName(clusterID string) string {
	return "mq-" + clusterID
}

// SetClusterStatus moves the cluster to status. When onRevert is non-empty
// the compensation moves it there and records the failure.
func SetClusterStatus(storage models.Storage, name string, status, onRevert models.Status) *engine.Task {
	opts := []engine.TaskOption{engine.Requires(KeyClusterID)}
	if onRevert != "" {
		opts = append(opts, engine.OnCompensate(func(ctx context.Context, in engine.Inputs, cc engine.CompensationContext) error {
			id, err := in.String(KeyClusterID)
			if err != nil {
				return err
			}
			return classify("revert cluster status", storage.UpdateCluster(ctx, id, models.ClusterUpdate{
				Status:      models.Ptr(onRevert),
				ErrorDetail: models.Ptr(failureDetail(cc.Failure)),
			}))
		}))
	}

	return engine.NewTask(name, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id, err := in.String(KeyClusterID)
		if err != nil {
			return nil, err
		}
		u := models.ClusterUpdate{Status: models.Ptr(status)}
		if status == models.StatusActive {
			u.ErrorDetail = models.Ptr("")
		}
		return nil, classify("update cluster", storage.UpdateCluster(ctx, id, u))
	}, opts...)
}

// CreateVMGroup creates the cluster's anti-affinity group and records it on
// the cluster. Compensation deletes the group, looking it up by name when
// the step was interrupted before reporting it.
func CreateVMGroup(provider cloud.Provider, storage models.Storage) *engine.Task {
	return engine.NewTask("create-vm-group", func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id, err := in.String(KeyClusterID)
		if err != nil {
			return nil, err
		}
		groupID, err := provider.CreateVMGroup(ctx, VMGroupName(id), VMGroupPolicy)
		if err != nil {
			return nil, classify("create vm group", err)
		}
		if err := storage.UpdateCluster(ctx, id, models.ClusterUpdate{GroupID: models.Ptr(groupID)}); err != nil {
			derr := provider.DeleteVMGroup(context.WithoutCancel(ctx), groupID)
			return nil, errors.Join(classify("record vm group", err), derr)
		}
		return engine.Outputs{KeyGroupID: groupID}, nil
	},
		engine.Requires(KeyClusterID),
		engine.Provides(KeyGroupID),
		engine.OnCompensate(func(ctx context.Context, in engine.Inputs, cc engine.CompensationContext) error {
			id, err := in.String(KeyClusterID)
			if err != nil {
				return err
			}
			return deleteCreated(ctx, provider, cc, KeyGroupID, cloud.KindVMGroup, VMGroupName(id), provider.DeleteVMGroup)
		}),
	)
}

// LoadCluster publishes the cluster's VM group for teardown.
func LoadCluster(storage models.Storage) *engine.Task {
	return engine.NewTask("load-cluster", func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id, err := in.String(KeyClusterID)
		if err != nil {
			return nil, err
		}
		c, err := storage.GetCluster(ctx, id)
		if err != nil {
			return nil, classify("get cluster", err)
		}
		return engine.Outputs{KeyGroupID: c.GroupID}, nil
	}, engine.Requires(KeyClusterID), engine.Provides(KeyGroupID))
}

// DeleteVMGroup removes the cluster's VM group, if any.
func DeleteVMGroup(provider cloud.Provider) *engine.Task {
	return engine.NewTask("delete-vm-group", func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		groupID := in.OptionalString(KeyGroupID)
		if groupID == "" {
			return nil, nil
		}
		return nil, classify("delete vm group", ignoreNotFound(provider.DeleteVMGroup(ctx, groupID)))
	}, engine.Requires(KeyGroupID))
}

// ReduceStatus folds every node's status into the worst one.
func ReduceStatus(nodeIDs []string) *engine.Task {
	requires := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		requires = append(requires, NodeKey(KeyNodeStatus, id))
	}
	return engine.NewTask("reduce-status", func(_ context.Context, in engine.Inputs) (engine.Outputs, error) {
		status := models.StatusActive
		if len(nodeIDs) == 0 {
			status = models.StatusError
		}
		for _, key := range requires {
			s, err := in.String(key)
			if err != nil {
				return nil, err
			}
			status = models.Worst(status, models.Status(s))
		}
		return engine.Outputs{KeyClusterStatus: string(status)}, nil
	}, engine.Requires(requires...), engine.Provides(KeyClusterStatus))
}

// ApplyClusterStatus stores the reduced status. Clusters that moved into a
// lifecycle transition meanwhile are left alone.
func ApplyClusterStatus(storage models.Storage) *engine.Task {
	return engine.NewTask("update-cluster-status", func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id, err := in.String(KeyClusterID)
		if err != nil {
			return nil, err
		}
		status, err := in.String(KeyClusterStatus)
		if err != nil {
			return nil, err
		}
		c, err := storage.GetCluster(ctx, id)
		if err != nil {
			return nil, classify("get cluster", err)
		}
		switch c.Status {
		case models.StatusActive, models.StatusDown, models.StatusError:
		default:
			return nil, nil
		}
		if c.Status == models.Status(status) {
			return nil, nil
		}
		return nil, classify("update cluster", storage.UpdateCluster(ctx, id, models.ClusterUpdate{
			Status: models.Ptr(models.Status(status)),
		}))
	}, engine.Requires(KeyClusterID, KeyClusterStatus))
}
