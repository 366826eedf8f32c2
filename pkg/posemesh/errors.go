package posemesh

import "errors"

var (
	// ErrConfig wraps configuration failures: an invalid multi-address, an
	// unparsable key, or conflicting flags. Fatal at startup.
	ErrConfig = errors.New("posemesh: config error")

	// ErrTransport wraps dial/listen failures and connection resets. Logged
	// by the engine and, where a session owns the failing operation,
	// surfaced on that session's reply channel.
	ErrTransport = errors.New("posemesh: transport error")

	// ErrScheduling is returned when a command cannot be carried out: the
	// DHT is disabled, a find for the same peer is already in flight, a DHT
	// query fails, or a send/open-stream target cannot be resolved.
	ErrScheduling = errors.New("posemesh: scheduling error")

	// ErrCancelled marks a command or task as deliberately cancelled, not
	// failed.
	ErrCancelled = errors.New("posemesh: cancelled")

	// ErrPeerNotFound is returned when a Find command's DHT query completes
	// without the target peer appearing in any progress step.
	ErrPeerNotFound = errors.New("posemesh: peer not found")

	// ErrEngineClosed is returned by command methods called after the
	// engine's Shutdown has run.
	ErrEngineClosed = errors.New("posemesh: engine closed")
)
