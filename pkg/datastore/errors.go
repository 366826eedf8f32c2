package datastore

import "errors"

var (
	// ErrScheduling is returned when a job submission fails or no worker is
	// assigned before the task's own timeout. The engine is unaffected;
	// only the session that submitted the job sees this.
	ErrScheduling = errors.New("datastore: scheduling error")

	// ErrProtocol wraps a rejected handshake, an unexpected task status, or
	// a payload/metadata size mismatch observed on a stream. Terminates the
	// affected session only.
	ErrProtocol = errors.New("datastore: protocol error")

	// ErrTaskFailed marks a session torn down because the cluster reported
	// the task as FAILED: during the initial wait on either path, or
	// mid-transfer on a consume session. A produce session does not watch
	// task updates once the transfer has started.
	ErrTaskFailed = errors.New("datastore: task failed")

	// ErrCancelled marks a session torn down by explicit cancellation
	// rather than by any failure.
	ErrCancelled = errors.New("datastore: cancelled")
)
