package domain

import "errors"

// Sentinel errors forming the dispatcher's error taxonomy. Deeper layers
// (config, worker, pool) return these (or wrap them with fmt.Errorf %w);
// only the dispatcher translates them into HTTP responses.
var (
	// ErrValidation means a manifest was rejected by the config loader.
	ErrValidation = errors.New("config validation failed")

	// ErrResolutionFailure means no app matched the request path.
	ErrResolutionFailure = errors.New("no app matches request path")

	// ErrPayloadTooLarge means the request body exceeded maxBodySizeBytes.
	ErrPayloadTooLarge = errors.New("request body exceeds configured limit")

	// ErrCSRFRejected means the origin/method check in the dispatcher failed.
	ErrCSRFRejected = errors.New("csrf origin check failed")

	// ErrSpawnFailure means the child process for a worker could not start.
	ErrSpawnFailure = errors.New("worker spawn failed")

	// ErrTimeout means a worker did not respond within timeoutMs.
	ErrTimeout = errors.New("worker request timed out")

	// ErrWorkerCrashed means the child process exited before responding.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrWorkerUnavailable means the instance is RETIRING or TERMINATED.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrKeyCollision means two distinct app directories resolved to the
	// same AppKey.
	ErrKeyCollision = errors.New("app key collision")
)
