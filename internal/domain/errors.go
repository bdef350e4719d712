package domain

import "errors"

// Error kinds surfaced to callers. Wrap with fmt.Errorf("...: %w", err)
// and test with errors.Is.
var (
	// ErrInvalidArgument means the caller sent a malformed or missing
	// request argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRoleDenied means the caller's role lacks the permission. Never retried.
	ErrRoleDenied = errors.New("role denied")

	// ErrUnknownProfile means the referenced profile does not exist.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrNotFound means a referenced entity (request, monitor) is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved means a resolve hit a non-pending request.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrStorageUnavailable means persistence retries were exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
