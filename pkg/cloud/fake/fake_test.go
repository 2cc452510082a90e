package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/cloud"
)

func TestVMLifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	group, err := p.CreateVMGroup(ctx, "cluster", "anti-affinity")
	require.NoError(t, err)
	port, err := p.CreatePort(ctx, "net-1", "mq-n1")
	require.NoError(t, err)
	vol, err := p.CreateVolume(ctx, "mq-n1", 10)
	require.NoError(t, err)

	p.SetBoot("mq-n1", cloud.VMBuild, cloud.VMBuild, cloud.VMActive)
	vm, err := p.CreateVM(ctx, cloud.CreateVMRequest{
		Name: "mq-n1", Flavor: "m1", Image: "rabbit",
		PortIDs: []string{port.ID}, VolumeID: vol.ID, GroupID: group,
	})
	require.NoError(t, err)
	assert.Equal(t, cloud.VMBuild, vm.Status)

	var seen []string
	for i := 0; i < 4; i++ {
		got, err := p.GetVM(ctx, vm.ID)
		require.NoError(t, err)
		seen = append(seen, got.Status)
	}
	assert.Equal(t, []string{cloud.VMBuild, cloud.VMBuild, cloud.VMActive, cloud.VMActive}, seen)

	ifaces, err := p.ListVMInterfaces(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{port.ID}, ifaces)

	err = p.DeleteVolume(ctx, vol.ID)
	assert.Equal(t, cloud.CodeConflict, cloud.CodeOf(err))

	require.NoError(t, p.DeleteVM(ctx, vm.ID))
	_, err = p.GetVM(ctx, vm.ID)
	assert.True(t, cloud.IsNotFound(err))

	require.NoError(t, p.DeletePorts(ctx, []string{port.ID, "port-gone"}))
	require.NoError(t, p.DeleteVMGroup(ctx, group))
	assert.Equal(t, Inventory{}, p.Inventory())
}

func TestFaultInjection(t *testing.T) {
	p := New()
	ctx := context.Background()
	quota := cloud.NewError(cloud.CodeOverLimit, OpCreatePort, "quota")

	p.Fail(OpCreatePort, quota, 2)
	for i := 0; i < 2; i++ {
		_, err := p.CreatePort(ctx, "net", "a")
		assert.True(t, errors.Is(err, quota))
	}
	_, err := p.CreatePort(ctx, "net", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls(OpCreatePort))

	p.FailMatching(OpCreateVolume, "mq-bad", quota, 0)
	_, err = p.CreateVolume(ctx, "mq-good", 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = p.CreateVolume(ctx, "mq-bad", 1)
		assert.Error(t, err)
	}
	p.Reset()
	_, err = p.CreateVolume(ctx, "mq-bad", 1)
	require.NoError(t, err)
}

func TestValidation(t *testing.T) {
	p := New()
	ctx := context.Background()

	_, err := p.CreatePort(ctx, "", "x")
	assert.Equal(t, cloud.CodeBadRequest, cloud.CodeOf(err))
	_, err = p.CreateVolume(ctx, "x", 0)
	assert.Equal(t, cloud.CodeBadRequest, cloud.CodeOf(err))
	_, err = p.CreateVM(ctx, cloud.CreateVMRequest{Name: "x", Flavor: "f", Image: "i", PortIDs: []string{"nope"}})
	assert.True(t, cloud.IsNotFound(err))
}

func TestFindByName(t *testing.T) {
	p := New()
	ctx := context.Background()

	group, err := p.CreateVMGroup(ctx, "mq-c1", "anti-affinity")
	require.NoError(t, err)
	_, err = p.CreateVMGroup(ctx, "mq-c2", "anti-affinity")
	require.NoError(t, err)
	port, err := p.CreatePort(ctx, "net-1", "mq-n1")
	require.NoError(t, err)

	ids, err := p.FindByName(ctx, cloud.KindVMGroup, "mq-c1")
	require.NoError(t, err)
	assert.Equal(t, []string{group}, ids)

	ids, err = p.FindByName(ctx, cloud.KindPort, "mq-n1")
	require.NoError(t, err)
	assert.Equal(t, []string{port.ID}, ids)

	ids, err = p.FindByName(ctx, cloud.KindVM, "mq-n1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = p.FindByName(ctx, cloud.Kind("router"), "x")
	assert.Equal(t, cloud.CodeBadRequest, cloud.CodeOf(err))
	assert.Equal(t, 4, p.Calls(OpFindByName))
}
