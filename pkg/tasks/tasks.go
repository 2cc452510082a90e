// Package tasks builds the engine steps used by the cluster flows. Each
// constructor captures its collaborator and the node it acts on, reads its
// inputs from the flow store and maps collaborator errors onto engine
// failure kinds.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqfleet/mqfleet/pkg/cloud"
	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/models"
)

// Flow store keys.
const (
	KeyClusterID      = "cluster_id"
	KeyClusterName    = "cluster_name"
	KeyNetworkID      = "network_id"
	KeyFlavor         = "flavor"
	KeyImage          = "image"
	KeyVolumeSize     = "volume_size"
	KeyUserData       = "user_data"
	KeyBrokerUsername = "broker_username"
	KeyBrokerPassword = "broker_password"
	KeyGroupID        = "group_id"
	KeyClusterStatus  = "cluster_status"

	// Node scoped; see NodeKey.
	KeyPortID     = "port_id"
	KeyVolumeID   = "volume_id"
	KeyVMID       = "vm_id"
	KeyVMAddress  = "vm_address"
	KeyPortIDs    = "port_ids"
	KeyNodeStatus = "node_status"
)

// AMQP endpoint defaults.
const (
	EndpointPort = 5672
	EndpointType = "AMQP"
)

// NodeKey returns the store key holding key for one node.
func NodeKey(key, nodeID string) string {
	return key + ":" + nodeID
}

// VMName is the instance name used for a node.
func VMName(nodeID string) string {
	return "mq-" + nodeID
}

// nodeScoped binds the generic input and output names to the node's keys.
func nodeScoped(nodeID string, keys ...string) []engine.TaskOption {
	bindings := make(map[string]string, len(keys))
	for _, k := range keys {
		bindings[k] = NodeKey(k, nodeID)
	}
	return []engine.TaskOption{engine.Rebind(bindings), engine.ProvideAs(bindings)}
}

// classify maps collaborator errors onto engine failure kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var f *engine.Failure
	if errors.As(err, &f) {
		return err
	}
	msg := fmt.Sprintf("%s failed", op)
	switch cloud.CodeOf(err) {
	case cloud.CodeOverLimit:
		return engine.NewTransientFailure(msg, err).WithCode(engine.CodeRateLimited)
	case cloud.CodeUnavailable:
		return engine.NewTransientFailure(msg, err).WithCode(engine.CodeUnavailable)
	case cloud.CodeNotFound:
		return engine.NewNotFoundFailure(msg, err).WithCode(engine.CodeNotFound)
	case cloud.CodeBadRequest:
		return engine.NewBadInputFailure(msg, err).WithCode(engine.CodeValidation)
	case cloud.CodeConflict:
		return engine.NewConflictFailure(msg, err).WithCode(engine.CodeAlreadyExists)
	}
	if errors.Is(err, models.ErrNotFound) {
		return engine.NewNotFoundFailure(msg, err).WithCode(engine.CodeNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// ignoreNotFound treats already-missing resources as done.
func ignoreNotFound(err error) error {
	if cloud.IsNotFound(err) || errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func failureDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// createdIDs returns what a create step made: the ID in its result, or
// for a step caught in flight every resource carrying its name.
func createdIDs(ctx context.Context, provider cloud.Provider, cc engine.CompensationContext, key string, kind cloud.Kind, name string) ([]string, error) {
	if cc.Executed {
		id, _ := cc.Result[key].(string)
		if id == "" {
			return nil, nil
		}
		return []string{id}, nil
	}
	ids, err := provider.FindByName(ctx, kind, name)
	if err != nil {
		return nil, classify("find "+string(kind), err)
	}
	return ids, nil
}

// deleteCreated removes the resources a create step made.
func deleteCreated(ctx context.Context, provider cloud.Provider, cc engine.CompensationContext, key string, kind cloud.Kind, name string,
	del func(context.Context, string) error) error {
	ids, err := createdIDs(ctx, provider, cc, key, kind, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := ignoreNotFound(del(ctx, id)); err != nil {
			errs = append(errs, classify("delete "+string(kind)+" "+id, err))
		}
	}
	return errors.Join(errs...)
}
