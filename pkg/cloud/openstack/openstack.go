// Package openstack implements cloud.Provider against the Nova, Neutron
// and Cinder REST APIs using a pre-issued Keystone token.
package openstack

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mqfleet/mqfleet/pkg/cloud"
)

// Config holds the service endpoints and credentials.
type Config struct {
	ComputeURL string        `yaml:"compute_url" json:"compute_url" validate:"required,url"`
	NetworkURL string        `yaml:"network_url" json:"network_url" validate:"required,url"`
	VolumeURL  string        `yaml:"volume_url" json:"volume_url" validate:"required,url"`
	Token      string        `yaml:"token" json:"token" validate:"required"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" default:"30s"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries" default:"2" validate:"gte=0,lte=10"`
}

// Provider talks to OpenStack.
type Provider struct {
	cfg    Config
	client *resty.Client
}

var _ cloud.Provider = (*Provider)(nil)

// New creates a provider. Transport-level retries only cover connection
// failures; API errors are returned to the caller for classification.
func New(cfg Config) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("X-Auth-Token", cfg.Token).
		SetHeader("Accept", "application/json")
	return &Provider{cfg: cfg, client: client}
}

type apiError struct {
	Message string `json:"message"`
}

// do runs a request and maps failures to *cloud.Error.
func (p *Provider) do(ctx context.Context, op, method, url string, body, result any) error {
	req := p.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &cloud.Error{Code: cloud.CodeUnavailable, Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}
	return &cloud.Error{Code: codeFor(resp.StatusCode()), Op: op, Message: errorMessage(resp)}
}

func codeFor(status int) cloud.Code {
	switch status {
	case http.StatusNotFound:
		return cloud.CodeNotFound
	case http.StatusForbidden, http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return cloud.CodeOverLimit
	case http.StatusBadRequest:
		return cloud.CodeBadRequest
	case http.StatusConflict:
		return cloud.CodeConflict
	default:
		return cloud.CodeUnavailable
	}
}

// errorMessage extracts the message of the single-key fault envelope
// OpenStack services return, e.g. {"itemNotFound": {"message": ...}}.
func errorMessage(resp *resty.Response) string {
	var envelope map[string]apiError
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil {
		for _, e := range envelope {
			if e.Message != "" {
				return e.Message
			}
		}
	}
	return resp.Status()
}

func (p *Provider) CreatePort(ctx context.Context, networkID, name string) (*cloud.Port, error) {
	var out struct {
		Port struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			FixedIPs []struct {
				IPAddress string `json:"ip_address"`
			} `json:"fixed_ips"`
		} `json:"port"`
	}
	body := map[string]any{"port": map[string]any{"network_id": networkID, "name": name}}
	if err := p.do(ctx, "create port", http.MethodPost, p.cfg.NetworkURL+"/v2.0/ports", body, &out); err != nil {
		return nil, err
	}
	port := &cloud.Port{ID: out.Port.ID, NetworkID: networkID, Name: out.Port.Name}
	if len(out.Port.FixedIPs) > 0 {
		port.Address = out.Port.FixedIPs[0].IPAddress
	}
	return port, nil
}

func (p *Provider) DeletePort(ctx context.Context, id string) error {
	return p.do(ctx, "delete port", http.MethodDelete, p.cfg.NetworkURL+"/v2.0/ports/"+id, nil, nil)
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

func (p *Provider) CreateVolume(ctx context.Context, name string, sizeGB int) (*cloud.Volume, error) {
	var out struct {
		Volume struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Size int    `json:"size"`
		} `json:"volume"`
	}
	body := map[string]any{"volume": map[string]any{"name": name, "size": sizeGB}}
	if err := p.do(ctx, "create volume", http.MethodPost, p.cfg.VolumeURL+"/volumes", body, &out); err != nil {
		return nil, err
	}
	return &cloud.Volume{ID: out.Volume.ID, Name: out.Volume.Name, SizeGB: out.Volume.Size}, nil
}

func (p *Provider) DeleteVolume(ctx context.Context, id string) error {
	return p.do(ctx, "delete volume", http.MethodDelete, p.cfg.VolumeURL+"/volumes/"+id, nil, nil)
}

type server struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Addresses map[string][]struct {
		Addr string `json:"addr"`
	} `json:"addresses"`
}

func (s server) toVM() *cloud.VM {
	vm := &cloud.VM{ID: s.ID, Name: s.Name, Status: s.Status}
	nets := make([]string, 0, len(s.Addresses))
	for net := range s.Addresses {
		nets = append(nets, net)
	}
	sort.Strings(nets)
	for _, net := range nets {
		for _, a := range s.Addresses[net] {
			vm.Addresses = append(vm.Addresses, a.Addr)
		}
	}
	return vm
}

func (p *Provider) CreateVM(ctx context.Context, req cloud.CreateVMRequest) (*cloud.VM, error) {
	networks := make([]map[string]string, 0, len(req.PortIDs))
	for _, id := range req.PortIDs {
		networks = append(networks, map[string]string{"port": id})
	}
	srv := map[string]any{
		"name":      req.Name,
		"flavorRef": req.Flavor,
		"imageRef":  req.Image,
		"networks":  networks,
	}
	if req.VolumeID != "" {
		srv["block_device_mapping_v2"] = []map[string]any{{
			"uuid":                  req.VolumeID,
			"source_type":           "volume",
			"destination_type":      "volume",
			"boot_index":            -1,
			"delete_on_termination": true,
		}}
	}
	if req.UserData != "" {
		srv["user_data"] = base64.StdEncoding.EncodeToString([]byte(req.UserData))
	}
	body := map[string]any{"server": srv}
	if req.GroupID != "" {
		body["os:scheduler_hints"] = map[string]string{"group": req.GroupID}
	}

	var out struct {
		Server server `json:"server"`
	}
	if err := p.do(ctx, "create vm", http.MethodPost, p.cfg.ComputeURL+"/servers", body, &out); err != nil {
		return nil, err
	}
	vm := out.Server.toVM()
	if vm.Name == "" {
		vm.Name = req.Name
	}
	if vm.Status == "" {
		vm.Status = cloud.VMBuild
	}
	return vm, nil
}

func (p *Provider) GetVM(ctx context.Context, id string) (*cloud.VM, error) {
	var out struct {
		Server server `json:"server"`
	}
	if err := p.do(ctx, "get vm", http.MethodGet, p.cfg.ComputeURL+"/servers/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Server.toVM(), nil
}

func (p *Provider) DeleteVM(ctx context.Context, id string) error {
	return p.do(ctx, "delete vm", http.MethodDelete, p.cfg.ComputeURL+"/servers/"+id, nil, nil)
}

func (p *Provider) ListVMInterfaces(ctx context.Context, vmID string) ([]string, error) {
	var out struct {
		Interfaces []struct {
			PortID string `json:"port_id"`
		} `json:"interfaceAttachments"`
	}
	url := fmt.Sprintf("%s/servers/%s/os-interface", p.cfg.ComputeURL, vmID)
	if err := p.do(ctx, "list vm interfaces", http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Interfaces))
	for _, iface := range out.Interfaces {
		ids = append(ids, iface.PortID)
	}
	return ids, nil
}

func (p *Provider) CreateVMGroup(ctx context.Context, name, policy string) (string, error) {
	var out struct {
		Group struct {
			ID string `json:"id"`
		} `json:"server_group"`
	}
	body := map[string]any{"server_group": map[string]any{"name": name, "policies": []string{policy}}}
	if err := p.do(ctx, "create vm group", http.MethodPost, p.cfg.ComputeURL+"/os-server-groups", body, &out); err != nil {
		return "", err
	}
	return out.Group.ID, nil
}

func (p *Provider) DeleteVMGroup(ctx context.Context, id string) error {
	return p.do(ctx, "delete vm group", http.MethodDelete, p.cfg.ComputeURL+"/os-server-groups/"+id, nil, nil)
}

type named struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FindByName lists resources by name. Nova treats the server name filter as
// a regular expression, so matches are narrowed to exact names here.
func (p *Provider) FindByName(ctx context.Context, kind cloud.Kind, name string) ([]string, error) {
	query := url.Values{"name": {name}}.Encode()
	var (
		out   map[string][]named
		key   string
		found string
	)
	switch kind {
	case cloud.KindPort:
		key, found = "ports", p.cfg.NetworkURL+"/v2.0/ports?"+query
	case cloud.KindVolume:
		key, found = "volumes", p.cfg.VolumeURL+"/volumes?"+query
	case cloud.KindVM:
		key, found = "servers", p.cfg.ComputeURL+"/servers?"+query
	case cloud.KindVMGroup:
		key, found = "server_groups", p.cfg.ComputeURL+"/os-server-groups"
	default:
		return nil, cloud.NewError(cloud.CodeBadRequest, "find by name", "unknown kind %q", kind)
	}
	if err := p.do(ctx, "find "+string(kind), http.MethodGet, found, nil, &out); err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range out[key] {
		if r.Name == name {
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
