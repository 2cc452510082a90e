package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the job.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the job.
	SeverityError Severity = "error"

	// SeverityCritical blocks the job.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity refuses admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a deny set.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Operation is the flow factory name, such as create_cluster.
	Operation string       `json:"operation"`
	Cluster   ClusterInput `json:"cluster"`

	// NodeCount is the number of nodes the job acts on.
	NodeCount int `json:"node_count"`
}

// ClusterInput describes the cluster a job targets.
type ClusterInput struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	NetworkID  string `json:"network_id,omitempty"`
	Flavor     string `json:"flavor,omitempty"`
	Image      string `json:"image,omitempty"`
	VolumeSize int    `json:"volume_size"`
}

// Limits are published to policies as data.mqfleet.limits.
type Limits struct {
	MinClusterSize int      `yaml:"min_cluster_size" json:"min_cluster_size" default:"1"`
	MaxClusterSize int      `yaml:"max_cluster_size" json:"max_cluster_size" default:"7"`
	MaxVolumeGB    int      `yaml:"max_volume_gb" json:"max_volume_gb" default:"500"`
	AllowedFlavors []string `yaml:"allowed_flavors" json:"allowed_flavors"`
}
