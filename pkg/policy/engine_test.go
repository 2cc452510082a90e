package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/tasks"
)

func newTestEngine(t *testing.T, limits Limits) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled), limits)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func defaultLimits() Limits {
	return Limits{MinClusterSize: 1, MaxClusterSize: 5, MaxVolumeGB: 100, AllowedFlavors: []string{"m1.small", "m1.large"}}
}

func validInput() Input {
	return Input{
		Operation: "create_cluster",
		Cluster:   ClusterInput{Name: "orders", Flavor: "m1.small", Image: "rabbitmq:3.13", VolumeSize: 20},
		NodeCount: 3,
	}
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())

	want := []string{"cluster-naming", "cluster-size", "flavor-allowlist", "image-pinned", "volume-size"}
	got := eng.List()
	if len(got) != len(want) {
		t.Fatalf("Expected %d policies, got %d", len(want), len(got))
	}
	for i, p := range got {
		if p.Name != want[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, want[i], p.Name)
		}
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())

	tests := []struct {
		name        string
		mutate      func(*Input)
		allowed     bool
		wantPolicy  string
		wantWarning bool
	}{
		{name: "valid", mutate: func(*Input) {}, allowed: true},
		{name: "too many nodes", mutate: func(in *Input) { in.NodeCount = 9 }, wantPolicy: "cluster-size"},
		{name: "no nodes", mutate: func(in *Input) { in.NodeCount = 0 }, wantPolicy: "cluster-size"},
		{name: "uppercase name", mutate: func(in *Input) { in.Cluster.Name = "Orders" }, wantPolicy: "cluster-naming"},
		{name: "name ends with hyphen", mutate: func(in *Input) { in.Cluster.Name = "orders-" }, wantPolicy: "cluster-naming"},
		{name: "flavor not allowed", mutate: func(in *Input) { in.Cluster.Flavor = "gpu.huge" }, wantPolicy: "flavor-allowlist"},
		{name: "volume too large", mutate: func(in *Input) { in.Cluster.VolumeSize = 1000 }, wantPolicy: "volume-size"},
		{name: "negative volume", mutate: func(in *Input) { in.Cluster.VolumeSize = -1 }, wantPolicy: "volume-size"},
		{name: "floating image warns", mutate: func(in *Input) { in.Cluster.Image = "rabbitmq:latest" }, allowed: true, wantWarning: true},
		{name: "delete is not size checked", mutate: func(in *Input) {
			in.Operation = "delete_cluster"
			in.NodeCount = 50
			in.Cluster.Name = "Legacy_Name"
		}, allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			res, err := eng.Evaluate(context.Background(), in)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Allowed != tt.allowed {
				t.Fatalf("Expected allowed=%v, got %v (violations: %s)", tt.allowed, res.Allowed, res.Summary())
			}
			if tt.wantPolicy != "" {
				if len(res.Violations) == 0 || res.Violations[0].Policy != tt.wantPolicy {
					t.Errorf("Expected violation of %s, got %+v", tt.wantPolicy, res.Violations)
				}
			}
			if tt.wantWarning && len(res.Warnings) != 1 {
				t.Errorf("Expected one warning, got %+v", res.Warnings)
			}
			if len(res.EvaluatedPolicies) != 5 {
				t.Errorf("Expected 5 evaluated policies, got %d", len(res.EvaluatedPolicies))
			}
		})
	}
}

func TestEmptyFlavorListAllowsAny(t *testing.T) {
	eng := newTestEngine(t, Limits{MinClusterSize: 1})

	in := validInput()
	in.Cluster.Flavor = "anything"
	res, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !res.Allowed {
		t.Errorf("Expected allowed, got %s", res.Summary())
	}
}

func TestSetLimits(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())
	ctx := context.Background()

	limits := defaultLimits()
	limits.MaxClusterSize = 2
	if err := eng.SetLimits(ctx, limits); err != nil {
		t.Fatalf("SetLimits failed: %v", err)
	}

	res, err := eng.Evaluate(ctx, validInput())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("Expected 3 nodes to exceed the new limit")
	}
	if !strings.Contains(res.Violations[0].Message, "at most 2") {
		t.Errorf("Unexpected message: %s", res.Violations[0].Message)
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())

	if err := eng.SetEnabled("cluster-size", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	in := validInput()
	in.NodeCount = 40
	res, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !res.Allowed {
		t.Errorf("Expected disabled policy to be skipped: %s", res.Summary())
	}

	if err := eng.SetEnabled("missing", true); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const networkPolicy = `package mqfleet.custom.network

import rego.v1

deny contains "network is required" if {
	input.operation == "create_cluster"
	not input.cluster.network_id
}
`

func TestLoadCustomPolicy(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())
	ctx := context.Background()

	err := eng.Load(ctx, []Policy{{Name: "network", Rego: networkPolicy, Enabled: true, Source: "inline"}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	p, err := eng.Get("network")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	res, err := eng.Evaluate(ctx, validInput())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Allowed || res.Violations[0].Message != "network is required" {
		t.Errorf("Expected network violation, got %+v", res.Violations)
	}
}

func TestLoadRejectsBrokenPolicy(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())

	err := eng.Load(context.Background(), []Policy{
		{Name: "good", Rego: networkPolicy, Enabled: true},
		{Name: "broken", Rego: "package broken\n\ndeny contains x if {", Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.Get("good"); err == nil {
		t.Error("Expected no policy to be loaded after a failure")
	}
}

func TestReplaceKeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())
	ctx := context.Background()

	if err := eng.Load(ctx, []Policy{{Name: "network", Rego: networkPolicy, Enabled: true, Source: "a.rego"}}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if _, err := eng.Get("network"); err == nil {
		t.Error("Expected loaded policy to be dropped")
	}
	if len(eng.List()) != 5 {
		t.Errorf("Expected built-ins to survive, got %d policies", len(eng.List()))
	}
}

func TestAdmitter(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())
	admitter := NewAdmitter(eng)
	ctx := context.Background()

	ok := conductor.Request{
		Factory: "create_cluster",
		Kwargs:  map[string]any{"cluster_id": "c1", "node_ids": []string{"a", "b", "c"}},
		Store: map[string]any{
			tasks.KeyClusterName: "orders",
			tasks.KeyFlavor:      "m1.small",
			tasks.KeyImage:       "rabbitmq:3.13",
			tasks.KeyVolumeSize:  10,
		},
	}
	if err := admitter.Admit(ctx, ok); err != nil {
		t.Fatalf("Expected admission, got %v", err)
	}

	big := ok
	big.Kwargs = map[string]any{"cluster_id": "c1", "node_ids": []any{"1", "2", "3", "4", "5", "6"}}
	err := admitter.Admit(ctx, big)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Expected ErrDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "cluster-size") {
		t.Errorf("Expected policy name in error, got %v", err)
	}
}

func TestInputFromRequest(t *testing.T) {
	in := InputFromRequest(conductor.Request{
		Factory: "create_cluster_node",
		Kwargs:  map[string]any{"cluster_id": "c1", "node_id": "n1"},
		Store:   map[string]any{tasks.KeyVolumeSize: float64(30), tasks.KeyFlavor: "m1.small"},
	})
	if in.NodeCount != 1 || in.Cluster.ID != "c1" || in.Cluster.VolumeSize != 30 || in.Cluster.Flavor != "m1.small" {
		t.Errorf("Unexpected input: %+v", in)
	}
}
