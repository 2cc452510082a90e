// Package policy admits or refuses jobs with Open Policy Agent.
//
// Every policy is a Rego module whose package defines a deny set. Each deny
// entry is a string or an object with message, field and severity keys.
// Entries of error or critical severity refuse the job; lower severities
// are logged as warnings.
//
// Policies see the job as input:
//
//	{
//	  "operation": "create_cluster",
//	  "cluster": {"name": "orders", "flavor": "m1.small", "image": "rabbitmq:3.13", "volume_size": 20},
//	  "node_count": 3
//	}
//
// and the configured Limits as data.mqfleet.limits. Built-in policies
// bound cluster size and volume size, check cluster names and flavors, and
// warn about floating image tags. More policies are loaded from .rego
// files, or .json files holding a Policy, and reloaded when they change:
//
//	eng, err := policy.NewEngine(logger, limits)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPaths(ctx, []string{"/etc/mqfleet/policies"}); err != nil {
//		return err
//	}
//	go eng.Watch(ctx, []string{"/etc/mqfleet/policies"})
//	client := conductor.NewClient(board, registry, conductor.WithAdmitter(policy.NewAdmitter(eng)))
package policy
