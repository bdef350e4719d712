// Package engine implements the permission decision core: the static
// role-by-method matrix and the pure Decide function. No I/O happens here;
// every decision is deterministic for identical inputs so the matrix can
// be tested exhaustively.
package engine

import (
	"strings"

	"github.com/familyshield/familyd/internal/domain"
)

// Method tags every operation the gateway can dispatch. The matrix below
// mirrors the bus-level policy and is enforced in-process as a second line
// of defense.
type Method string

const (
	MethodGetActiveProfile        Method = "get_active_profile"
	MethodCheckApplicationAllowed Method = "check_application_allowed"
	MethodGetRemainingTime        Method = "get_remaining_time"
	MethodReportActivity          Method = "report_activity"
	MethodSendHeartbeat           Method = "send_heartbeat"
	MethodAuthenticateParent      Method = "authenticate_parent"
	MethodCreateProfile           Method = "create_profile"
	MethodSetActiveProfile        Method = "set_active_profile"
	MethodRequestParentPermission Method = "request_parent_permission"
	MethodRequestCommandApproval  Method = "request_command_approval"
	MethodResolveRequest          Method = "resolve_request"
	MethodGetRequestStatus        Method = "get_request_status"
	MethodListPendingRequests     Method = "list_pending_requests"
	MethodRegisterMonitor         Method = "register_monitor"
	MethodListProfiles            Method = "list_profiles"
	MethodAddTime                 Method = "add_time"
	MethodClassifyCommand         Method = "classify_command"
)

// roleSet is one row of the permission matrix.
type roleSet map[domain.Role]bool

func roles(rs ...domain.Role) roleSet {
	set := make(roleSet, len(rs))
	for _, r := range rs {
		set[r] = true
	}
	return set
}

// matrix is the static role-by-method permission table.
var matrix = map[Method]roleSet{
	MethodGetActiveProfile:        roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily),
	MethodCheckApplicationAllowed: roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily, domain.RoleMonitor),
	MethodGetRemainingTime:        roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily),
	MethodReportActivity:          roles(domain.RoleRoot, domain.RoleMonitor),
	MethodSendHeartbeat:           roles(domain.RoleRoot, domain.RoleMonitor),
	MethodAuthenticateParent:      roles(domain.RoleRoot, domain.RoleParent),
	MethodCreateProfile:           roles(domain.RoleRoot, domain.RoleParent),
	MethodSetActiveProfile:        roles(domain.RoleRoot, domain.RoleParent),
	MethodRequestParentPermission: roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily),
	MethodRequestCommandApproval:  roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily),
	MethodResolveRequest:          roles(domain.RoleRoot, domain.RoleParent),
	MethodGetRequestStatus:        roles(domain.RoleRoot, domain.RoleParent, domain.RoleFamily),
	MethodListPendingRequests:     roles(domain.RoleRoot, domain.RoleParent),
	MethodRegisterMonitor:         roles(domain.RoleRoot, domain.RoleMonitor),
	MethodListProfiles:            roles(domain.RoleRoot, domain.RoleParent),
	MethodAddTime:                 roles(domain.RoleRoot, domain.RoleParent),
	MethodClassifyCommand:         roles(domain.RoleRoot, domain.RoleMonitor),
}

// Methods returns every known method tag (for exhaustive matrix tests).
func Methods() []Method {
	out := make([]Method, 0, len(matrix))
	for m := range matrix {
		out = append(out, m)
	}
	return out
}

// RoleAllowed reports whether a role may invoke a method at all. Unknown
// methods are denied for every role.
func RoleAllowed(role domain.Role, method Method) bool {
	return matrix[method][role]
}

// SignalEligible reports whether a role may receive a broadcast signal.
// policy_updated goes to all authenticated roles, time_limit_warning to
// Family and above, tamper_detected to Parent and Root only.
func SignalEligible(role domain.Role, name domain.SignalName) bool {
	switch name {
	case domain.SignalPolicyUpdated:
		return role == domain.RoleRoot || role == domain.RoleParent ||
			role == domain.RoleFamily || role == domain.RoleMonitor
	case domain.SignalTimeLimitWarning:
		return role == domain.RoleRoot || role == domain.RoleParent || role == domain.RoleFamily
	case domain.SignalTamperDetected:
		return role == domain.RoleRoot || role == domain.RoleParent
	default:
		return false
	}
}

// ActionKind classifies what is being checked.
type ActionKind string

const (
	ActionApplication ActionKind = "application"
	ActionCommand     ActionKind = "command"
)

// Action is the descriptor of a requested action.
type Action struct {
	Kind ActionKind
	Name string
}

// Snapshot is the read-only state the decision is evaluated against. The
// gateway assembles it from the store before calling Decide; the engine
// itself never touches storage.
type Snapshot struct {
	Profile *domain.Profile
	// Remaining is today's remaining seconds in the relevant category.
	Remaining int64
	// Approved is true when a resolved-approved PermissionRequest covers
	// this exact action for this profile.
	Approved bool
}

// methodFor maps an action kind to the matrix row it is gated by.
func methodFor(kind ActionKind) Method {
	if kind == ActionCommand {
		return MethodClassifyCommand
	}
	return MethodCheckApplicationAllowed
}

// Decide evaluates one action for one profile under the caller's role.
//
// Order: role matrix first, then the profile's restriction list, then the
// time budget, then prior approval. Anything not explicitly allowed or
// blocked escalates to parent approval.
func Decide(role domain.Role, snap Snapshot, action Action) domain.Verdict {
	if !RoleAllowed(role, methodFor(action.Kind)) {
		return domain.Deny(domain.ReasonRoleDenied)
	}
	if snap.Profile == nil {
		return domain.Deny(domain.ReasonRoleDenied)
	}

	for _, blocked := range snap.Profile.BlockedApps {
		if strings.EqualFold(blocked, action.Name) {
			v := domain.Deny(domain.ReasonBlockedApp)
			v.Rule = blocked
			return v
		}
	}

	// Budget applies to family-class profiles only; parents are not
	// time-limited.
	if snap.Profile.Class == domain.ClassFamily && snap.Remaining <= 0 {
		return domain.Deny(domain.ReasonTimeExhausted)
	}

	if snap.Approved {
		return domain.Allow()
	}

	switch action.Kind {
	case ActionApplication:
		// Applications are deny-by-blocklist: anything not blocked runs
		// within the remaining budget.
		return domain.Allow()
	default:
		// Commands and content reach the engine only after the filter
		// escalated them; without a standing approval they stay escalated.
		return domain.Escalate()
	}
}
