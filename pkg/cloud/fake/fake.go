// Package fake is an in-memory cloud.Provider with scriptable VM boot
// outcomes and fault injection.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mqfleet/mqfleet/pkg/cloud"
)

// Operation names accepted by Fail and Calls.
const (
	OpCreatePort       = "create_port"
	OpDeletePort       = "delete_port"
	OpCreateVolume     = "create_volume"
	OpDeleteVolume     = "delete_volume"
	OpCreateVM         = "create_vm"
	OpGetVM            = "get_vm"
	OpDeleteVM         = "delete_vm"
	OpListVMInterfaces = "list_vm_interfaces"
	OpCreateVMGroup    = "create_vm_group"
	OpDeleteVMGroup    = "delete_vm_group"
	OpFindByName       = "find_by_name"
)

type fault struct {
	err       error
	remaining int // <= 0 means every call
	match     string
}

// Inventory counts the resources that currently exist.
type Inventory struct {
	Ports   int
	Volumes int
	VMs     int
	Groups  int
}

// Provider simulates a compute cloud in memory.
type Provider struct {
	mu      sync.Mutex
	seq     int
	ports   map[string]*cloud.Port
	volumes map[string]*cloud.Volume
	vms     map[string]*vmState
	groups  map[string]vmGroup
	boot    map[string][]string
	faults  map[string][]*fault
	calls   map[string]int
}

type vmGroup struct {
	name   string
	policy string
}

type vmState struct {
	vm       cloud.VM
	ports    []string
	volumeID string
	boot     []string
}

var _ cloud.Provider = (*Provider)(nil)

// New returns an empty cloud.
func New() *Provider {
	return &Provider{
		ports:   make(map[string]*cloud.Port),
		volumes: make(map[string]*cloud.Volume),
		vms:     make(map[string]*vmState),
		groups:  make(map[string]vmGroup),
		boot:    make(map[string][]string),
		faults:  make(map[string][]*fault),
		calls:   make(map[string]int),
	}
}

// SetBoot scripts the statuses GetVM reports for the VM named name, one per
// call. The last status repeats. VMs without a script are ACTIVE at once.
func (p *Provider) SetBoot(name string, statuses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boot[name] = append([]string(nil), statuses...)
	for _, st := range p.vms {
		if st.vm.Name == name {
			st.boot = append([]string(nil), statuses...)
		}
	}
}

// Fail makes the next times calls of op return err. times <= 0 fails every
// call until Reset.
func (p *Provider) Fail(op string, err error, times int) {
	p.FailMatching(op, "", err, times)
}

// FailMatching is Fail restricted to calls whose name or ID argument equals
// match.
func (p *Provider) FailMatching(op, match string, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], &fault{err: err, remaining: times, match: match})
}

// Reset clears injected faults.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[string][]*fault)
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Inventory reports live resources.
func (p *Provider) Inventory() Inventory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Inventory{Ports: len(p.ports), Volumes: len(p.volumes), VMs: len(p.vms), Groups: len(p.groups)}
}

// VMByName returns the live VM called name.
func (p *Provider) VMByName(name string) (*cloud.VM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.vms {
		if st.vm.Name == name {
			vm := st.vm
			return &vm, true
		}
	}
	return nil, false
}

// enter records the call and returns an injected fault, if any. Callers
// hold p.mu.
func (p *Provider) enter(op, arg string) error {
	p.calls[op]++
	for i, f := range p.faults[op] {
		if f.match != "" && f.match != arg {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				p.faults[op] = append(p.faults[op][:i], p.faults[op][i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func notFound(op, kind, id string) error {
	return cloud.NewError(cloud.CodeNotFound, op, "%s %s not found", kind, id)
}

func (p *Provider) CreatePort(_ context.Context, networkID, name string) (*cloud.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCreatePort, name); err != nil {
		return nil, err
	}
	if networkID == "" {
		return nil, cloud.NewError(cloud.CodeBadRequest, OpCreatePort, "network id is required")
	}
	id := p.nextID("port")
	port := &cloud.Port{
		ID:        id,
		NetworkID: networkID,
		Name:      name,
		Address:   fmt.Sprintf("10.0.%d.%d", p.seq/250, p.seq%250+1),
	}
	p.ports[id] = port
	out := *port
	return &out, nil
}

func (p *Provider) DeletePort(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDeletePort, id); err != nil {
		return err
	}
	if _, ok := p.ports[id]; !ok {
		return notFound(OpDeletePort, "port", id)
	}
	delete(p.ports, id)
	return nil
}

// DeletePorts deletes every listed port, ignoring ports already gone.
func (p *Provider) DeletePorts(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := p.DeletePort(ctx, id); err != nil && !cloud.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *Provider) CreateVolume(_ context.Context, name string, sizeGB int) (*cloud.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCreateVolume, name); err != nil {
		return nil, err
	}
	if sizeGB <= 0 {
		return nil, cloud.NewError(cloud.CodeBadRequest, OpCreateVolume, "invalid size %d", sizeGB)
	}
	vol := &cloud.Volume{ID: p.nextID("vol"), Name: name, SizeGB: sizeGB}
	p.volumes[vol.ID] = vol
	out := *vol
	return &out, nil
}

func (p *Provider) DeleteVolume(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDeleteVolume, id); err != nil {
		return err
	}
	if _, ok := p.volumes[id]; !ok {
		return notFound(OpDeleteVolume, "volume", id)
	}
	for _, st := range p.vms {
		if st.volumeID == id {
			return cloud.NewError(cloud.CodeConflict, OpDeleteVolume, "volume %s is attached", id)
		}
	}
	delete(p.volumes, id)
	return nil
}

func (p *Provider) CreateVM(_ context.Context, req cloud.CreateVMRequest) (*cloud.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCreateVM, req.Name); err != nil {
		return nil, err
	}
	if req.Flavor == "" || req.Image == "" {
		return nil, cloud.NewError(cloud.CodeBadRequest, OpCreateVM, "flavor and image are required")
	}
	var addrs []string
	for _, id := range req.PortIDs {
		port, ok := p.ports[id]
		if !ok {
			return nil, notFound(OpCreateVM, "port", id)
		}
		addrs = append(addrs, port.Address)
	}
	if req.VolumeID != "" {
		if _, ok := p.volumes[req.VolumeID]; !ok {
			return nil, notFound(OpCreateVM, "volume", req.VolumeID)
		}
	}
	if req.GroupID != "" {
		if _, ok := p.groups[req.GroupID]; !ok {
			return nil, notFound(OpCreateVM, "vm group", req.GroupID)
		}
	}

	st := &vmState{
		vm:       cloud.VM{ID: p.nextID("vm"), Name: req.Name, Status: cloud.VMBuild, Addresses: addrs},
		ports:    append([]string(nil), req.PortIDs...),
		volumeID: req.VolumeID,
		boot:     append([]string(nil), p.boot[req.Name]...),
	}
	p.vms[st.vm.ID] = st
	vm := st.vm
	return &vm, nil
}

func (p *Provider) GetVM(_ context.Context, id string) (*cloud.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpGetVM, id); err != nil {
		return nil, err
	}
	st, ok := p.vms[id]
	if !ok {
		return nil, notFound(OpGetVM, "vm", id)
	}
	switch len(st.boot) {
	case 0:
		st.vm.Status = cloud.VMActive
	case 1:
		st.vm.Status = st.boot[0]
	default:
		st.vm.Status = st.boot[0]
		st.boot = st.boot[1:]
	}
	vm := st.vm
	vm.Addresses = append([]string(nil), st.vm.Addresses...)
	return &vm, nil
}

// DeleteVM removes the VM and its boot volume. Ports stay until deleted.
func (p *Provider) DeleteVM(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDeleteVM, id); err != nil {
		return err
	}
	st, ok := p.vms[id]
	if !ok {
		return notFound(OpDeleteVM, "vm", id)
	}
	delete(p.vms, id)
	if st.volumeID != "" {
		delete(p.volumes, st.volumeID)
	}
	return nil
}

func (p *Provider) ListVMInterfaces(_ context.Context, vmID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpListVMInterfaces, vmID); err != nil {
		return nil, err
	}
	st, ok := p.vms[vmID]
	if !ok {
		return nil, notFound(OpListVMInterfaces, "vm", vmID)
	}
	var ids []string
	for _, id := range st.ports {
		if _, ok := p.ports[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) CreateVMGroup(_ context.Context, name, policy string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCreateVMGroup, name); err != nil {
		return "", err
	}
	id := p.nextID("group")
	p.groups[id] = vmGroup{name: name, policy: policy}
	return id, nil
}

func (p *Provider) DeleteVMGroup(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDeleteVMGroup, id); err != nil {
		return err
	}
	if _, ok := p.groups[id]; !ok {
		return notFound(OpDeleteVMGroup, "vm group", id)
	}
	delete(p.groups, id)
	return nil
}

func (p *Provider) FindByName(_ context.Context, kind cloud.Kind, name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpFindByName, name); err != nil {
		return nil, err
	}
	var ids []string
	switch kind {
	case cloud.KindPort:
		for id, port := range p.ports {
			if port.Name == name {
				ids = append(ids, id)
			}
		}
	case cloud.KindVolume:
		for id, vol := range p.volumes {
			if vol.Name == name {
				ids = append(ids, id)
			}
		}
	case cloud.KindVM:
		for id, st := range p.vms {
			if st.vm.Name == name {
				ids = append(ids, id)
			}
		}
	case cloud.KindVMGroup:
		for id, g := range p.groups {
			if g.name == name {
				ids = append(ids, id)
			}
		}
	default:
		return nil, cloud.NewError(cloud.CodeBadRequest, OpFindByName, "unknown kind %q", kind)
	}
	sort.Strings(ids)
	return ids, nil
}
