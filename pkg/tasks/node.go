package tasks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/mqfleet/mqfleet/pkg/broker"
	"github.com/mqfleet/mqfleet/pkg/cloud"
	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/models"
)

// SetNodeStatus moves a node to status. When onRevert is non-empty the
// compensation moves it there.
func SetNodeStatus(storage models.Storage, name, nodeID string, status, onRevert models.Status) *engine.Task {
	var opts []engine.TaskOption
	if onRevert != "" {
		opts = append(opts, engine.OnCompensate(func(ctx context.Context, _ engine.Inputs, _ engine.CompensationContext) error {
			return classify("revert node status", storage.UpdateNode(ctx, nodeID, models.NodeUpdate{Status: models.Ptr(onRevert)}))
		}))
	}
	return engine.NewTask(name, func(ctx context.Context, _ engine.Inputs) (engine.Outputs, error) {
		return nil, classify("update node", storage.UpdateNode(ctx, nodeID, models.NodeUpdate{Status: models.Ptr(status)}))
	}, opts...)
}

// CreatePort creates the node's network port.
func CreatePort(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyNetworkID),
		engine.Provides(KeyPortID),
		engine.OnCompensate(func(ctx context.Context, _ engine.Inputs, cc engine.CompensationContext) error {
			return deleteCreated(ctx, provider, cc, KeyPortID, cloud.KindPort, VMName(nodeID), provider.DeletePort)
		}),
	}, nodeScoped(nodeID, KeyPortID)...)

	return engine.NewTask("create-port-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		networkID, err := in.String(KeyNetworkID)
		if err != nil {
			return nil, err
		}
		port, err := provider.CreatePort(ctx, networkID, VMName(nodeID))
		if err != nil {
			return nil, classify("create port", err)
		}
		return engine.Outputs{KeyPortID: port.ID}, nil
	}, opts...)
}

// CreateVolume creates the node's data volume. A zero size creates none.
func CreateVolume(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyVolumeSize),
		engine.Provides(KeyVolumeID),
		engine.OnCompensate(func(ctx context.Context, _ engine.Inputs, cc engine.CompensationContext) error {
			return deleteCreated(ctx, provider, cc, KeyVolumeID, cloud.KindVolume, VMName(nodeID), provider.DeleteVolume)
		}),
	}, nodeScoped(nodeID, KeyVolumeID)...)

	return engine.NewTask("create-volume-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		size, err := in.Int(KeyVolumeSize)
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			return engine.Outputs{KeyVolumeID: ""}, nil
		}
		vol, err := provider.CreateVolume(ctx, VMName(nodeID), size)
		if err != nil {
			return nil, classify("create volume", err)
		}
		return engine.Outputs{KeyVolumeID: vol.ID}, nil
	}, opts...)
}

// CreateVM boots the node's instance and records it on the node.
// Compensation deletes the instance. Ports, volumes and instances of an
// interrupted create are found by the node's VM name.
func CreateVM(provider cloud.Provider, storage models.Storage, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyFlavor, KeyImage, KeyGroupID, KeyUserData, KeyPortID, KeyVolumeID),
		engine.Provides(KeyVMID),
		engine.OnCompensate(func(ctx context.Context, _ engine.Inputs, cc engine.CompensationContext) error {
			return deleteCreated(ctx, provider, cc, KeyVMID, cloud.KindVM, VMName(nodeID), provider.DeleteVM)
		}),
	}, nodeScoped(nodeID, KeyPortID, KeyVolumeID, KeyVMID)...)

	return engine.NewTask("create-vm-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		flavor, err := in.String(KeyFlavor)
		if err != nil {
			return nil, err
		}
		image, err := in.String(KeyImage)
		if err != nil {
			return nil, err
		}
		portID, err := in.String(KeyPortID)
		if err != nil {
			return nil, err
		}
		vm, err := provider.CreateVM(ctx, cloud.CreateVMRequest{
			Name:     VMName(nodeID),
			Flavor:   flavor,
			Image:    image,
			PortIDs:  []string{portID},
			VolumeID: in.OptionalString(KeyVolumeID),
			GroupID:  in.OptionalString(KeyGroupID),
			UserData: in.OptionalString(KeyUserData),
		})
		if err != nil {
			return nil, classify("create vm", err)
		}
		if err := storage.UpdateNode(ctx, nodeID, models.NodeUpdate{InstanceID: models.Ptr(vm.ID)}); err != nil {
			derr := provider.DeleteVM(context.WithoutCancel(ctx), vm.ID)
			return nil, errors.Join(classify("record instance", err), derr)
		}
		return engine.Outputs{KeyVMID: vm.ID}, nil
	}, opts...)
}

// WaitVMActive polls the instance once. It reports not_ready while the VM
// builds and a resource error when it lands in ERROR; wrap it in a retry.
func WaitVMActive(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyVMID),
		engine.Provides(KeyVMAddress),
	}, nodeScoped(nodeID, KeyVMID, KeyVMAddress)...)

	return engine.NewTask("check-vm-active-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id, err := in.String(KeyVMID)
		if err != nil {
			return nil, err
		}
		vm, err := provider.GetVM(ctx, id)
		if cloud.IsNotFound(err) {
			return nil, engine.NewResourceFailure(fmt.Sprintf("vm %s disappeared while building", id), err).
				WithCode(engine.CodeResourceFailed)
		}
		if err != nil {
			return nil, classify("get vm", err)
		}
		switch vm.Status {
		case cloud.VMActive:
			if len(vm.Addresses) == 0 {
				return nil, engine.NewNotReadyFailure(fmt.Sprintf("vm %s has no address yet", id), nil)
			}
			return engine.Outputs{KeyVMAddress: vm.Addresses[0]}, nil
		case cloud.VMError:
			return nil, engine.NewResourceFailure(fmt.Sprintf("vm %s failed to boot", id), nil).
				WithCode(engine.CodeResourceFailed).WithDetail("vm_id", id)
		default:
			return nil, engine.NewNotReadyFailure(fmt.Sprintf("vm %s is %s", id, vm.Status), nil)
		}
	}, opts...)
}

func brokerTarget(in engine.Inputs, address string) broker.Target {
	return broker.Target{
		Address:  address,
		Username: in.OptionalString(KeyBrokerUsername),
		Password: in.OptionalString(KeyBrokerPassword),
	}
}

// CheckBroker verifies the node's broker answers and is running. Both an
// unreachable and an unhealthy broker report not_ready; wrap it in a retry.
func CheckBroker(checker broker.Checker, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyVMAddress, KeyBrokerUsername, KeyBrokerPassword),
	}, nodeScoped(nodeID, KeyVMAddress)...)

	return engine.NewTask("check-broker-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		addr, err := in.String(KeyVMAddress)
		if err != nil {
			return nil, err
		}
		h, err := checker.Check(ctx, brokerTarget(in, addr))
		if errors.Is(err, broker.ErrUnreachable) {
			return nil, engine.NewNotReadyFailure("broker unreachable", err)
		}
		if err != nil {
			return nil, classify("check broker", err)
		}
		if !h.Healthy() {
			return nil, engine.NewNotReadyFailure("broker unhealthy: "+h.Detail, nil).WithCode(engine.CodeUnhealthy)
		}
		return nil, nil
	}, opts...)
}

// RecordEndpoint stores the node's AMQP endpoint. Compensation marks the
// node's endpoints deleted.
func RecordEndpoint(storage models.Storage, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyVMAddress),
		engine.OnCompensate(func(ctx context.Context, _ engine.Inputs, _ engine.CompensationContext) error {
			return classify("delete endpoints", storage.UpdateEndpoints(ctx, nodeID, models.EndpointUpdate{Deleted: models.Ptr(true)}))
		}),
	}, nodeScoped(nodeID, KeyVMAddress)...)

	return engine.NewTask("record-endpoint-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		addr, err := in.String(KeyVMAddress)
		if err != nil {
			return nil, err
		}
		return nil, classify("create endpoint", storage.CreateEndpoint(ctx, &models.Endpoint{
			NodeID: nodeID,
			URI:    net.JoinHostPort(addr, strconv.Itoa(EndpointPort)),
			Type:   EndpointType,
		}))
	}, opts...)
}

// LoadNode publishes the node's instance ID for teardown.
func LoadNode(storage models.Storage, nodeID string) *engine.Task {
	return engine.NewTask("load-node-"+nodeID, func(ctx context.Context, _ engine.Inputs) (engine.Outputs, error) {
		n, err := storage.GetNode(ctx, nodeID)
		if err != nil {
			return nil, classify("get node", err)
		}
		return engine.Outputs{KeyVMID: n.InstanceID}, nil
	}, append([]engine.TaskOption{engine.Provides(KeyVMID)}, nodeScoped(nodeID, KeyVMID)...)...)
}

// ListInterfaces publishes the ports attached to the node's instance.
func ListInterfaces(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyVMID),
		engine.Provides(KeyPortIDs),
	}, nodeScoped(nodeID, KeyVMID, KeyPortIDs)...)

	return engine.NewTask("list-interfaces-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id := in.OptionalString(KeyVMID)
		if id == "" {
			return engine.Outputs{KeyPortIDs: []string{}}, nil
		}
		ports, err := provider.ListVMInterfaces(ctx, id)
		if cloud.IsNotFound(err) {
			return engine.Outputs{KeyPortIDs: []string{}}, nil
		}
		if err != nil {
			return nil, classify("list vm interfaces", err)
		}
		return engine.Outputs{KeyPortIDs: ports}, nil
	}, opts...)
}

// DeleteVM deletes the node's instance. Missing instances are ignored.
func DeleteVM(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{engine.Requires(KeyVMID)}, nodeScoped(nodeID, KeyVMID)...)
	return engine.NewTask("delete-vm-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id := in.OptionalString(KeyVMID)
		if id == "" {
			return nil, nil
		}
		return nil, classify("delete vm", ignoreNotFound(provider.DeleteVM(ctx, id)))
	}, opts...)
}

// WaitVMDeleted reports not_ready until the instance is gone; wrap it in a
// retry.
func WaitVMDeleted(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{engine.Requires(KeyVMID)}, nodeScoped(nodeID, KeyVMID)...)
	return engine.NewTask("wait-vm-deleted-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		id := in.OptionalString(KeyVMID)
		if id == "" {
			return nil, nil
		}
		vm, err := provider.GetVM(ctx, id)
		if cloud.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("get vm", err)
		}
		return nil, engine.NewNotReadyFailure(fmt.Sprintf("vm %s still %s", id, vm.Status), nil)
	}, opts...)
}

// DeletePorts deletes the ports listed for the node.
func DeletePorts(provider cloud.Provider, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{engine.Requires(KeyPortIDs)}, nodeScoped(nodeID, KeyPortIDs)...)
	return engine.NewTask("delete-ports-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		ids, err := in.Strings(KeyPortIDs)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return nil, classify("delete ports", provider.DeletePorts(ctx, ids))
	}, opts...)
}

// MarkEndpointsDeleted flags every endpoint of the node as deleted.
func MarkEndpointsDeleted(storage models.Storage, nodeID string) *engine.Task {
	return engine.NewTask("delete-endpoints-"+nodeID, func(ctx context.Context, _ engine.Inputs) (engine.Outputs, error) {
		return nil, classify("delete endpoints", storage.UpdateEndpoints(ctx, nodeID, models.EndpointUpdate{Deleted: models.Ptr(true)}))
	})
}

// CheckNode derives one node's health: ERROR when its instance is missing
// or failed, DOWN when the broker is unreachable or unhealthy, ACTIVE
// otherwise. The node record is updated and the status published. Only
// cloud API failures fail the step.
func CheckNode(provider cloud.Provider, checker broker.Checker, storage models.Storage, nodeID string) *engine.Task {
	opts := append([]engine.TaskOption{
		engine.Requires(KeyBrokerUsername, KeyBrokerPassword),
		engine.Provides(KeyNodeStatus),
	}, nodeScoped(nodeID, KeyNodeStatus)...)

	return engine.NewTask("check-node-"+nodeID, func(ctx context.Context, in engine.Inputs) (engine.Outputs, error) {
		n, err := storage.GetNode(ctx, nodeID)
		if err != nil {
			return nil, classify("get node", err)
		}

		status, err := nodeHealth(ctx, provider, checker, in, n)
		if err != nil {
			return nil, err
		}
		if n.Status != status {
			if err := storage.UpdateNode(ctx, nodeID, models.NodeUpdate{Status: models.Ptr(status)}); err != nil {
				return nil, classify("update node", err)
			}
		}
		return engine.Outputs{KeyNodeStatus: string(status)}, nil
	}, opts...)
}

func nodeHealth(ctx context.Context, provider cloud.Provider, checker broker.Checker, in engine.Inputs, n *models.Node) (models.Status, error) {
	if n.InstanceID == "" {
		return models.StatusError, nil
	}
	vm, err := provider.GetVM(ctx, n.InstanceID)
	if cloud.IsNotFound(err) {
		return models.StatusError, nil
	}
	if err != nil {
		return "", classify("get vm", err)
	}
	if vm.Status != cloud.VMActive || len(vm.Addresses) == 0 {
		return models.StatusError, nil
	}

	h, err := checker.Check(ctx, brokerTarget(in, vm.Addresses[0]))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return models.StatusDown, nil
	}
	if !h.Healthy() {
		return models.StatusDown, nil
	}
	return models.StatusActive, nil
}
