// Package engine executes provisioning and teardown flows with retry and
// compensation semantics.
//
// # Flow Graphs
//
// A flow is a tree built from four node types:
//
//   - Task: a single step with execute and compensate functions
//   - Sequence: children run strictly in order (Linear)
//   - Parallel: children run without ordering and complete as a unit (Unordered)
//   - Retry: a sub-graph wrapped with a RetryPolicy (WithRetry)
//
// Steps read named inputs from the flow store and publish named outputs back
// into it. Requirements can be rebound to different store keys and outputs
// renamed, so the same step constructor can be reused per cluster node:
//
//	create := engine.NewTask("create-port-0", createPort,
//	    engine.Requires("network_id"),
//	    engine.Provides("port_id"),
//	    engine.ProvideAs(map[string]string{"port_id": "port_id_0"}),
//	    engine.OnCompensate(deletePort),
//	)
//
// # Execution
//
// Engine.Run validates the graph before any step runs (missing dependencies,
// duplicate names, conflicting parallel outputs) and then executes it. A
// failing node compensates the steps it completed, in reverse completion
// order, before propagating the failure; the failing step itself is not
// compensated. Compensation failures are recorded on the Result and never
// stop the rollback. Parallel groups run on goroutines in ModeParallel and
// one after another in ModeSerial; both modes let every branch finish.
//
// Cancelling the context stops the flow between steps without compensation.
// The run is reported as FlowInterrupted and Engine.Revert can later roll
// back the completed steps recorded by a Listener.
//
// # Failure Kinds
//
// Step errors are classified with Failure:
//
//   - transient, not_ready: retried by enclosing retry nodes
//   - resource_error: escalates through every retry and reverts the flow
//   - bad_input, not_found, conflict, permanent: propagate without retry
//
// Errors with no classification are retried.
package engine
