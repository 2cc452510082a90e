package policy

// BuiltinPolicies returns the policies every engine starts with. Limits
// come from data.mqfleet.limits.
func BuiltinPolicies() []Policy {
	return []Policy{
		clusterSizePolicy(),
		clusterNamingPolicy(),
		flavorPolicy(),
		volumeSizePolicy(),
		imageTagPolicy(),
	}
}

func clusterSizePolicy() Policy {
	return Policy{
		Name:        "cluster-size",
		Description: "Keeps new clusters within the configured node count bounds",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity"},
		Rego: `package mqfleet.admission.size

import rego.v1

limits := data.mqfleet.limits

deny contains violation if {
	input.operation == "create_cluster"
	input.node_count < limits.min_cluster_size
	violation := {
		"message": sprintf("cluster needs at least %d nodes, got %d", [limits.min_cluster_size, input.node_count]),
		"field": "node_count",
	}
}

deny contains violation if {
	input.operation == "create_cluster"
	limits.max_cluster_size > 0
	input.node_count > limits.max_cluster_size
	violation := {
		"message": sprintf("cluster may have at most %d nodes, got %d", [limits.max_cluster_size, input.node_count]),
		"field": "node_count",
	}
}
`,
	}
}

func clusterNamingPolicy() Policy {
	return Policy{
		Name:        "cluster-naming",
		Description: "Cluster names are lowercase DNS labels",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package mqfleet.admission.naming

import rego.v1

deny contains violation if {
	input.operation == "create_cluster"
	not regex.match("^[a-z]([a-z0-9-]{0,61}[a-z0-9])?$", input.cluster.name)
	violation := {
		"message": sprintf("cluster name '%s' must be a lowercase DNS label", [input.cluster.name]),
		"field": "cluster.name",
	}
}
`,
	}
}

func flavorPolicy() Policy {
	return Policy{
		Name:        "flavor-allowlist",
		Description: "Broker VMs use an allowed flavor when an allow-list is configured",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity", "cost"},
		Rego: `package mqfleet.admission.flavor

import rego.v1

creates if input.operation in {"create_cluster", "create_cluster_node"}

deny contains violation if {
	creates
	allowed := data.mqfleet.limits.allowed_flavors
	count(allowed) > 0
	not input.cluster.flavor in allowed
	violation := {
		"message": sprintf("flavor '%s' is not allowed", [input.cluster.flavor]),
		"field": "cluster.flavor",
	}
}
`,
	}
}

func volumeSizePolicy() Policy {
	return Policy{
		Name:        "volume-size",
		Description: "Data volumes stay within the configured size",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity"},
		Rego: `package mqfleet.admission.volume

import rego.v1

creates if input.operation in {"create_cluster", "create_cluster_node"}

deny contains violation if {
	creates
	input.cluster.volume_size < 0
	violation := {"message": "volume size cannot be negative", "field": "cluster.volume_size"}
}

deny contains violation if {
	creates
	limit := data.mqfleet.limits.max_volume_gb
	limit > 0
	input.cluster.volume_size > limit
	violation := {
		"message": sprintf("volume size %dGB exceeds the %dGB limit", [input.cluster.volume_size, limit]),
		"field": "cluster.volume_size",
	}
}
`,
	}
}

func imageTagPolicy() Policy {
	return Policy{
		Name:        "image-pinned",
		Description: "Warns about floating broker images",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"reproducibility"},
		Rego: `package mqfleet.admission.image

import rego.v1

deny contains violation if {
	input.operation == "create_cluster"
	endswith(input.cluster.image, ":latest")
	violation := {
		"message": sprintf("image '%s' floats; pin a version", [input.cluster.image]),
		"field": "cluster.image",
	}
}
`,
	}
}
