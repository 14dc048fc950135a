// Package errors defines the AM's typed error classes, following
// pingcap/tiflow's pkg/errors convention of grouping normalized errors
// by RFC error code rather than matching on error strings.
//
// The errors fall into the five groups of spec.md §7's error kinds.
// Only ErrInvariantViolation is fatal to the AM; the other four groups
// are always caught at their entity's state-machine boundary and turned
// into events.
package errors

import "github.com/pingcap/errors"

// Error kinds, per spec.md §7.
var (
	// ErrInvariantViolation covers programmer errors: an entity
	// receiving an event it does not recognise in its current state,
	// double-registration of an attempt on a container, and similar.
	// These abort the AM: appmaster.Run returns the error. The DAG's
	// recorded state is not changed.
	ErrInvariantViolation = errors.Normalize(
		"invariant violation: %s",
		errors.RFCCodeText("AM:ErrInvariantViolation"),
	)

	// ErrTaskFailed covers a worker-reported task failure, a read
	// error, or a denied commit. Retried up to task.max-attempts.
	ErrTaskFailed = errors.Normalize(
		"task attempt %s failed: %s",
		errors.RFCCodeText("AM:ErrTaskFailed"),
	)
	ErrCommitDenied = errors.Normalize(
		"commit denied for attempt %s: task already committed to %s",
		errors.RFCCodeText("AM:ErrCommitDenied"),
	)

	// ErrContainerLaunchFailed, ErrContainerTimedOut and
	// ErrContainerStopFailed cover container errors. Retried by
	// re-scheduling the attempt on a fresh container.
	ErrContainerLaunchFailed = errors.Normalize(
		"container %s failed to launch: %s",
		errors.RFCCodeText("AM:ErrContainerLaunchFailed"),
	)
	ErrContainerTimedOut = errors.Normalize(
		"container %s heartbeat timed out",
		errors.RFCCodeText("AM:ErrContainerTimedOut"),
	)
	ErrContainerStopFailed = errors.Normalize(
		"node manager failed to stop container %s: %s",
		errors.RFCCodeText("AM:ErrContainerStopFailed"),
	)

	// ErrNodeFailed and ErrNodeBlacklisted cover node errors. The node
	// is marked unusable for the failing task's future attempts.
	ErrNodeFailed = errors.Normalize(
		"node %s failed",
		errors.RFCCodeText("AM:ErrNodeFailed"),
	)
	ErrNodeBlacklisted = errors.Normalize(
		"node %s is blacklisted for task %s: %s",
		errors.RFCCodeText("AM:ErrNodeBlacklisted"),
	)

	// ErrRPCUnknownContainer, ErrRPCSequenceError and
	// ErrRPCUnknownVersion cover RPC errors. The worker receives
	// shouldDie=true or a sequence-error response and terminates.
	ErrRPCUnknownContainer = errors.Normalize(
		"unknown or terminal container %s",
		errors.RFCCodeText("AM:ErrRPCUnknownContainer"),
	)
	ErrRPCSequenceError = errors.Normalize(
		"heartbeat sequence error for container %s: got requestId %d, want %d (replay) or %d",
		errors.RFCCodeText("AM:ErrRPCSequenceError"),
	)
	ErrRPCUnknownVersion = errors.Normalize(
		"unsupported wire protocol version %d",
		errors.RFCCodeText("AM:ErrRPCUnknownVersion"),
	)
)
