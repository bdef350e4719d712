// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Role is the authenticated capability class attached to every inbound
// request by the bus-level authentication layer. The core trusts it.
type Role string

const (
	RoleRoot    Role = "root"
	RoleParent  Role = "parent"
	RoleFamily  Role = "family"
	RoleMonitor Role = "monitor"
)

// RoleClass distinguishes managed profiles. Parents administer, family
// members are subject to policy.
type RoleClass string

const (
	ClassParent RoleClass = "parent"
	ClassFamily RoleClass = "family"
)

// CategoryScreenTime is the default time-budget category.
const CategoryScreenTime = "daily_screen_time"

// Profile is a managed family member's identity and policy state.
// Owned exclusively by the Store; mutated only through its transactions.
type Profile struct {
	ID          string
	DisplayName string
	Class       RoleClass
	// BlockedApps are application names denied outright for this profile.
	BlockedApps []string
	// AllowedCategories are filter rule categories pre-approved for this
	// profile; anything outside them escalates to parent approval.
	AllowedCategories []string
	CreatedAt         time.Time
}

// TimeBudget is a per-profile, per-category remaining-seconds counter.
// Day marks the reset boundary (local date, YYYY-MM-DD). Remaining is
// clamped at zero, never negative.
type TimeBudget struct {
	ProfileID string
	Category  string
	Day       string
	Remaining int64
}

// RequestStatus is the lifecycle state of a PermissionRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
)

// RequestKind distinguishes what a family member asked for.
type RequestKind string

const (
	KindApplication RequestKind = "application"
	KindCommand     RequestKind = "command"
)

// PermissionRequest tracks one outstanding parent-approval request.
// Only one pending request per (profile, action) pair exists at a time.
type PermissionRequest struct {
	ID         string
	ProfileID  string
	Kind       RequestKind
	Action     string
	Status     RequestStatus
	CreatedAt  time.Time
	ResolvedAt time.Time
	ResolvedBy string
}

// ActivityEvent is one confirmed usage report from a monitor or filter
// process. Ephemeral: folded into a TimeBudget and then discarded.
type ActivityEvent struct {
	EventID   string
	MonitorID string
	ProfileID string
	App       string
	Timestamp time.Time
	Duration  time.Duration
}

// HeartbeatRecord is the liveness state of one monitor process.
type HeartbeatRecord struct {
	MonitorID        string
	PID              int
	ExpectedInterval time.Duration
	LastSeen         time.Time
}

// Decision is the outcome class of a permission or filter check.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionDeny          Decision = "deny"
	DecisionNeedsApproval Decision = "needs_approval"
)

// DenyReason explains a deny so the client can render a meaningful message.
type DenyReason string

const (
	ReasonNone           DenyReason = ""
	ReasonRoleDenied     DenyReason = "role_denied"
	ReasonTimeExhausted  DenyReason = "time_exhausted"
	ReasonBlockedApp     DenyReason = "blocked_application"
	ReasonBlockedPattern DenyReason = "blocked_pattern"
	ReasonUnparsable     DenyReason = "unparsable"
)

// Verdict is the result of a permission or filter decision. Not persisted.
type Verdict struct {
	Decision Decision
	Reason   DenyReason
	// Rule names the matcher that produced a deny, when one did.
	Rule string
}

// Allowed reports whether the verdict permits the action.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }

// Allow is the zero-reason permit verdict.
func Allow() Verdict { return Verdict{Decision: DecisionAllow} }

// Deny builds a deny verdict with its reason.
func Deny(reason DenyReason) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

// Escalate is the needs-parent-approval verdict.
func Escalate() Verdict { return Verdict{Decision: DecisionNeedsApproval} }

// SignalName identifies an outbound broadcast signal.
type SignalName string

const (
	SignalPolicyUpdated    SignalName = "policy_updated"
	SignalTimeLimitWarning SignalName = "time_limit_warning"
	SignalTamperDetected   SignalName = "tamper_detected"
)

// Signal is one asynchronous, role-filtered broadcast event.
type Signal struct {
	Name      SignalName
	ProfileID string
	MonitorID string
	Detail    string
	At        time.Time
}
