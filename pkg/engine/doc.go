// Package engine holds the types shared by every part of the deployment core.
//
// # Overview
//
// The core has two halves. Command handlers (package ecsdeploy) mutate a remote
// container service: they snapshot the live state for rollback, apply a new desired
// state, wait for steady state, and replay the snapshot on request. Instance-sync
// executors (package perpetualtask) run on a fixed cadence per deployed unit and
// report the instances that are actually running.
//
// Both halves share the types in this package:
//
//   - InfraConfig: resolved connection facts for one target environment
//   - DeployedUnitHandle: cluster + service + region, the key of a deployed unit
//   - CommandExecutionStatus: the explicit outcome on every response
//   - LogCallback: the operator-facing execution log
//   - OrchestrationError: the classified error taxonomy
//
// # Error taxonomy
//
// Every error that leaves the core is an *OrchestrationError (possibly wrapped):
//
//	invalid_arguments      malformed or mismatched request, fatal
//	remote_rejected        the provider refused the operation, fatal
//	transient              throttling, timeouts, 5xx; the caller may retry
//	timeout                a bounded wait ran out of attempts
//	partial_snapshot_loss  one optional snapshot entry was dropped
//	unknown                anything else, wrapped
//
// Use the Is* helpers or ClassOf to inspect a chain:
//
//	if engine.IsRetryable(err) {
//		// schedule again
//	}
package engine
