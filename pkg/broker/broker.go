// Package broker checks the health of RabbitMQ nodes through the
// management HTTP API.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnreachable is returned when the management API cannot be reached,
// typically because the node is still booting.
var ErrUnreachable = errors.New("broker unreachable")

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Target identifies a broker node.
type Target struct {
	Address  string
	Port     int
	Username string
	Password string
}

// Health is the result of a check.
type Health struct {
	Status Status   `json:"status"`
	Detail string   `json:"detail,omitempty"`
	Nodes  []string `json:"nodes,omitempty"`
}

// Healthy reports whether the node answered and is running.
func (h Health) Healthy() bool {
	return h.Status == StatusHealthy
}

// Checker probes a broker node.
type Checker interface {
	Check(ctx context.Context, target Target) (Health, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, target Target) (Health, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, target Target) (Health, error) {
	return f(ctx, target)
}

// Config configures the management API client.
type Config struct {
	Port    int           `yaml:"port" json:"port" default:"15672" validate:"gte=0,lte=65535"`
	Scheme  string        `yaml:"scheme" json:"scheme" default:"http" validate:"oneof=http https"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" default:"5s"`
}

// ManagementChecker checks nodes via the RabbitMQ management plugin.
type ManagementChecker struct {
	cfg    Config
	client *resty.Client
}

// NewManagementChecker creates a checker.
func NewManagementChecker(cfg Config) *ManagementChecker {
	if cfg.Port == 0 {
		cfg.Port = 15672
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ManagementChecker{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout).SetHeader("Accept", "application/json"),
	}
}

type aliveness struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type nodeInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Check runs the aliveness test on the default vhost and lists the nodes the
// target sees. Transport failures return ErrUnreachable; answers that are
// not ok return an unhealthy Health and no error.
func (c *ManagementChecker) Check(ctx context.Context, target Target) (Health, error) {
	port := target.Port
	if port == 0 {
		port = c.cfg.Port
	}
	base := fmt.Sprintf("%s://%s", c.cfg.Scheme, net.JoinHostPort(target.Address, strconv.Itoa(port)))

	var alive aliveness
	resp, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(target.Username, target.Password).
		SetResult(&alive).
		Get(base + "/api/aliveness-test/%2F")
	if err != nil {
		if ctx.Err() != nil {
			return Health{}, ctx.Err()
		}
		return Health{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, target.Address, err)
	}
	if resp.StatusCode() >= 500 {
		return Health{}, fmt.Errorf("%w: %s: %s", ErrUnreachable, target.Address, resp.Status())
	}
	if resp.IsError() {
		return Health{Status: StatusUnhealthy, Detail: "aliveness test: " + resp.Status()}, nil
	}
	if alive.Status != "ok" {
		return Health{Status: StatusUnhealthy, Detail: "aliveness test: " + alive.Reason}, nil
	}

	var nodes []nodeInfo
	resp, err = c.client.R().
		SetContext(ctx).
		SetBasicAuth(target.Username, target.Password).
		SetResult(&nodes).
		Get(base + "/api/nodes")
	if err != nil {
		if ctx.Err() != nil {
			return Health{}, ctx.Err()
		}
		return Health{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, target.Address, err)
	}
	if resp.IsError() {
		return Health{Status: StatusUnhealthy, Detail: "list nodes: " + resp.Status()}, nil
	}

	h := Health{Status: StatusHealthy}
	for _, n := range nodes {
		if !n.Running {
			h.Status = StatusUnhealthy
			h.Detail = "node not running: " + n.Name
			continue
		}
		h.Nodes = append(h.Nodes, n.Name)
	}
	if len(nodes) == 0 {
		h.Status = StatusUnhealthy
		h.Detail = "no nodes reported"
	}
	return h, nil
}
