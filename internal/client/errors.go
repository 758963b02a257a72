package client

import "errors"

// Protocol errors surfaced by the caller engine. Timeouts are deliberately
// distinct from execution failures: a timeout leaves it unknown whether the
// action ran, so operators must not blindly retry state-changing commands.
var (
	// ErrGuardViolation reports a pre-flight safety check that refused to
	// publish the command. No side effect has occurred.
	ErrGuardViolation = errors.New("blocked by safety guard")
	// ErrNoListener reports that no command handler was subscribed at
	// publish time. Best-effort: a handler that polls without subscribing
	// would still pick the command up.
	ErrNoListener = errors.New("no command handler listening")
	// ErrTimeout reports that no matching terminal status appeared within
	// the deadline. Whether the command executed is unknown.
	ErrTimeout = errors.New("timed out waiting for command status")
	// ErrExecution reports that the handler ran the command and it failed.
	ErrExecution = errors.New("command errored on execution")
)
