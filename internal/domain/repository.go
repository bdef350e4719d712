package domain

import "time"

// Store is the transaction boundary for all durable family state. It owns
// Profile, TimeBudget and PermissionRequest records exclusively; other
// components request mutation through this interface and never hold direct
// references to mutable fields.
// Implementation: SQLCipher-encrypted SQLite.
type Store interface {
	// CreateProfile adds a new profile. The profile's DailyBudgets seed
	// each day's budget rows at the reset boundary.
	CreateProfile(p Profile, dailyBudgets map[string]int64) error

	// GetProfile returns a profile by id, or ErrUnknownProfile.
	GetProfile(id string) (*Profile, error)

	// ListProfiles returns all profiles.
	ListProfiles() ([]Profile, error)

	// SetActiveProfile marks the profile currently at the machine.
	SetActiveProfile(id string) error

	// ActiveProfile returns the active profile, or ErrNotFound if unset.
	ActiveProfile() (*Profile, error)

	// RemainingTime returns today's remaining seconds for a category,
	// seeding a fresh row from the profile's daily budget when the day
	// boundary has been crossed.
	RemainingTime(profileID, category string) (int64, error)

	// ConsumeTime decrements today's budget, clamped at zero, and returns
	// the remaining seconds after the decrement. Atomic with respect to
	// concurrent readers.
	ConsumeTime(profileID, category string, seconds int64) (int64, error)

	// AddTime credits seconds back to today's budget (explicit parent
	// action, the only non-reset increment path).
	AddTime(profileID, category string, seconds int64) (int64, error)

	// PutRequest persists a new approval request.
	PutRequest(r PermissionRequest) error

	// GetRequest returns a request by id, or ErrNotFound.
	GetRequest(id string) (*PermissionRequest, error)

	// FindPendingRequest returns the pending request for a (profile,
	// action) pair, or nil when none exists.
	FindPendingRequest(profileID, action string) (*PermissionRequest, error)

	// FindApprovedRequest returns the most recent approved request for a
	// (profile, action) pair, or nil when none exists.
	FindApprovedRequest(profileID, action string) (*PermissionRequest, error)

	// ResolveRequest transitions a pending request to a terminal status.
	// Fails with ErrNotFound or ErrAlreadyResolved.
	ResolveRequest(id string, status RequestStatus, resolvedBy string, at time.Time) error

	// ListPendingRequests returns all requests still pending.
	ListPendingRequests() ([]PermissionRequest, error)

	// Close releases the database connection.
	Close() error
}

// ProcessManager handles OS process liveness checks.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// SignalSink receives outbound broadcast signals. Delivery is best-effort
// and must never block the emitting component.
type SignalSink interface {
	Emit(sig Signal)
}
