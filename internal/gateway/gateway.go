// Package gateway dispatches role-authenticated request envelopes to the
// policy components and fans signals back out to subscribers. The
// role-by-method matrix is enforced here in-process as defense-in-depth
// above whatever bus-level policy exists outside the core.
package gateway

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/approval"
	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/engine"
	"github.com/familyshield/familyd/internal/filter"
	"github.com/familyshield/familyd/internal/ingest"
	"github.com/familyshield/familyd/internal/tamper"
)

// Envelope is one inbound request. The role claim is attached by the
// bus-level authentication layer and trusted absolutely.
type Envelope struct {
	Role         domain.Role    `json:"role"`
	Method       engine.Method  `json:"method"`
	SessionToken string         `json:"session_token,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
}

// Gateway wires the components behind the dispatch surface.
type Gateway struct {
	store    domain.Store
	workflow *approval.Workflow
	ingest   *ingest.Ingest
	detector *tamper.Detector
	terminal *filter.Classifier
	content  *filter.Classifier
	sessions *Sessions
	hub      *Hub
	logger   *zap.Logger
}

// New assembles the gateway.
func New(
	store domain.Store,
	workflow *approval.Workflow,
	in *ingest.Ingest,
	detector *tamper.Detector,
	terminal *filter.Classifier,
	content *filter.Classifier,
	sessions *Sessions,
	hub *Hub,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		store:    store,
		workflow: workflow,
		ingest:   in,
		detector: detector,
		terminal: terminal,
		content:  content,
		sessions: sessions,
		hub:      hub,
		logger:   logger,
	}
}

// Dispatch routes one envelope. The matrix check runs before anything
// else so a denied role produces no state mutation of any kind.
func (g *Gateway) Dispatch(env Envelope) (any, error) {
	if !engine.RoleAllowed(env.Role, env.Method) {
		g.logger.Warn("method denied by role matrix",
			zap.String("role", string(env.Role)),
			zap.String("method", string(env.Method)))
		return nil, fmt.Errorf("role %s may not call %s: %w", env.Role, env.Method, domain.ErrRoleDenied)
	}

	switch env.Method {
	case engine.MethodGetActiveProfile:
		return g.getActiveProfile()
	case engine.MethodCheckApplicationAllowed:
		return g.checkApplicationAllowed(env)
	case engine.MethodGetRemainingTime:
		return g.getRemainingTime(env)
	case engine.MethodReportActivity:
		return g.reportActivity(env)
	case engine.MethodSendHeartbeat:
		return g.sendHeartbeat(env)
	case engine.MethodRegisterMonitor:
		return g.registerMonitor(env)
	case engine.MethodAuthenticateParent:
		return g.authenticateParent(env)
	case engine.MethodCreateProfile:
		return g.createProfile(env)
	case engine.MethodSetActiveProfile:
		return g.setActiveProfile(env)
	case engine.MethodRequestParentPermission:
		return g.submitRequest(env, domain.KindApplication, "application")
	case engine.MethodRequestCommandApproval:
		return g.submitRequest(env, domain.KindCommand, "command")
	case engine.MethodResolveRequest:
		return g.resolveRequest(env)
	case engine.MethodGetRequestStatus:
		return g.getRequestStatus(env)
	case engine.MethodListPendingRequests:
		return g.listPendingRequests()
	case engine.MethodListProfiles:
		return g.listProfiles()
	case engine.MethodAddTime:
		return g.addTime(env)
	case engine.MethodClassifyCommand:
		return g.classifyCommand(env)
	default:
		return nil, fmt.Errorf("unknown method %q: %w", env.Method, domain.ErrNotFound)
	}
}

// --- control plane ---

func (g *Gateway) getActiveProfile() (any, error) {
	p, err := g.store.ActiveProfile()
	if err != nil {
		return nil, err
	}
	return newProfileView(*p), nil
}

func (g *Gateway) checkApplicationAllowed(env Envelope) (any, error) {
	profileID, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	app, err := argString(env.Args, "application")
	if err != nil {
		return nil, err
	}

	snap, err := g.snapshot(profileID, app)
	if err != nil {
		return nil, err
	}
	verdict := engine.Decide(env.Role, snap, engine.Action{Kind: engine.ActionApplication, Name: app})
	return newVerdictView(verdict), nil
}

// snapshot assembles the read-only state a decision is evaluated over.
func (g *Gateway) snapshot(profileID, action string) (engine.Snapshot, error) {
	profile, err := g.store.GetProfile(profileID)
	if err != nil {
		return engine.Snapshot{}, err
	}
	remaining, err := g.store.RemainingTime(profileID, domain.CategoryScreenTime)
	if err != nil {
		return engine.Snapshot{}, err
	}
	approved, err := g.workflow.IsApproved(profileID, action)
	if err != nil {
		return engine.Snapshot{}, err
	}
	return engine.Snapshot{Profile: profile, Remaining: remaining, Approved: approved}, nil
}

func (g *Gateway) getRemainingTime(env Envelope) (any, error) {
	profileID, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	category := argStringDefault(env.Args, "category", domain.CategoryScreenTime)

	remaining, err := g.store.RemainingTime(profileID, category)
	if err != nil {
		return nil, err
	}
	return remainingView{ProfileID: profileID, Category: category, RemainingSeconds: remaining}, nil
}

func (g *Gateway) authenticateParent(env Envelope) (any, error) {
	parentID, err := argString(env.Args, "parent_id")
	if err != nil {
		return nil, err
	}
	token, expiresAt := g.sessions.Elevate(parentID)
	g.logger.Info("parent session elevated", zap.String("parent", parentID))
	return sessionView{Token: token, ExpiresAt: expiresAt.Format(time.RFC3339)}, nil
}

func (g *Gateway) createProfile(env Envelope) (any, error) {
	id, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	name := argStringDefault(env.Args, "display_name", id)
	class := domain.RoleClass(argStringDefault(env.Args, "class", string(domain.ClassFamily)))
	if class != domain.ClassParent && class != domain.ClassFamily {
		return nil, fmt.Errorf("invalid profile class %q: %w", class, domain.ErrInvalidArgument)
	}

	profile := domain.Profile{
		ID:                id,
		DisplayName:       name,
		Class:             class,
		BlockedApps:       argStrings(env.Args, "blocked_apps"),
		AllowedCategories: argStrings(env.Args, "allowed_categories"),
	}

	budgets := map[string]int64{}
	if secs, ok := argInt64(env.Args, "daily_screen_seconds"); ok {
		budgets[domain.CategoryScreenTime] = secs
	}

	if err := g.store.CreateProfile(profile, budgets); err != nil {
		return nil, err
	}
	g.hub.Emit(domain.Signal{
		Name:      domain.SignalPolicyUpdated,
		ProfileID: id,
		Detail:    "profile created",
		At:        time.Now(),
	})
	return newProfileView(profile), nil
}

func (g *Gateway) setActiveProfile(env Envelope) (any, error) {
	id, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	if err := g.store.SetActiveProfile(id); err != nil {
		return nil, err
	}
	g.hub.Emit(domain.Signal{
		Name:      domain.SignalPolicyUpdated,
		ProfileID: id,
		Detail:    "active profile changed",
		At:        time.Now(),
	})
	return okView{OK: true}, nil
}

func (g *Gateway) listProfiles() (any, error) {
	profiles, err := g.store.ListProfiles()
	if err != nil {
		return nil, err
	}
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, newProfileView(p))
	}
	return views, nil
}

func (g *Gateway) addTime(env Envelope) (any, error) {
	profileID, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	seconds, ok := argInt64(env.Args, "seconds")
	if !ok {
		return nil, fmt.Errorf("missing argument seconds: %w", domain.ErrInvalidArgument)
	}
	category := argStringDefault(env.Args, "category", domain.CategoryScreenTime)

	remaining, err := g.store.AddTime(profileID, category, seconds)
	if err != nil {
		return nil, err
	}
	g.hub.Emit(domain.Signal{
		Name:      domain.SignalPolicyUpdated,
		ProfileID: profileID,
		Detail:    fmt.Sprintf("budget credited %ds", seconds),
		At:        time.Now(),
	})
	return remainingView{ProfileID: profileID, Category: category, RemainingSeconds: remaining}, nil
}

// --- approvals ---

func (g *Gateway) submitRequest(env Envelope, kind domain.RequestKind, argKey string) (any, error) {
	profileID, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	action, err := argString(env.Args, argKey)
	if err != nil {
		return nil, err
	}
	req, err := g.workflow.Submit(profileID, kind, action)
	if err != nil {
		return nil, err
	}
	return newRequestView(*req), nil
}

func (g *Gateway) resolveRequest(env Envelope) (any, error) {
	if !g.sessions.Authorized(env.Role, env.SessionToken) {
		return nil, fmt.Errorf("parent session required to resolve: %w", domain.ErrRoleDenied)
	}

	requestID, err := argString(env.Args, "request_id")
	if err != nil {
		return nil, err
	}
	approve, ok := argBool(env.Args, "approve")
	if !ok {
		return nil, fmt.Errorf("missing argument approve: %w", domain.ErrInvalidArgument)
	}

	resolvedBy := g.sessions.Validate(env.SessionToken)
	if resolvedBy == "" {
		resolvedBy = string(env.Role)
	}

	req, err := g.workflow.Resolve(requestID, env.Role, resolvedBy, approve)
	if err != nil {
		return nil, err
	}
	return newRequestView(*req), nil
}

func (g *Gateway) getRequestStatus(env Envelope) (any, error) {
	requestID, err := argString(env.Args, "request_id")
	if err != nil {
		return nil, err
	}
	req, err := g.workflow.Get(requestID)
	if err != nil {
		return nil, err
	}
	return newRequestView(*req), nil
}

func (g *Gateway) listPendingRequests() (any, error) {
	pending, err := g.workflow.ListPending()
	if err != nil {
		return nil, err
	}
	views := make([]requestView, 0, len(pending))
	for _, req := range pending {
		views = append(views, newRequestView(req))
	}
	return views, nil
}

// --- data plane ---

func (g *Gateway) reportActivity(env Envelope) (any, error) {
	durationSecs, _ := argInt64(env.Args, "duration_seconds")
	ev := domain.ActivityEvent{
		EventID:   argStringDefault(env.Args, "event_id", ""),
		MonitorID: argStringDefault(env.Args, "monitor_id", ""),
		ProfileID: argStringDefault(env.Args, "profile_id", ""),
		App:       argStringDefault(env.Args, "application", ""),
		Timestamp: time.Now(),
		Duration:  time.Duration(durationSecs) * time.Second,
	}
	if err := g.ingest.ReportActivity(ev); err != nil {
		return nil, err
	}
	return okView{OK: true}, nil
}

func (g *Gateway) sendHeartbeat(env Envelope) (any, error) {
	monitorID, err := argString(env.Args, "monitor_id")
	if err != nil {
		return nil, err
	}
	if err := g.ingest.Heartbeat(monitorID); err != nil {
		return nil, err
	}
	return okView{OK: true}, nil
}

func (g *Gateway) registerMonitor(env Envelope) (any, error) {
	monitorID, err := argString(env.Args, "monitor_id")
	if err != nil {
		return nil, err
	}
	pid64, _ := argInt64(env.Args, "pid")
	intervalSecs, _ := argInt64(env.Args, "interval_seconds")

	g.detector.Register(monitorID, int(pid64), time.Duration(intervalSecs)*time.Second)
	return okView{OK: true}, nil
}

func (g *Gateway) classifyCommand(env Envelope) (any, error) {
	profileID, err := argString(env.Args, "profile_id")
	if err != nil {
		return nil, err
	}
	command, err := argString(env.Args, "command")
	if err != nil {
		return nil, err
	}
	surface := argStringDefault(env.Args, "surface", "terminal")

	profile, err := g.store.GetProfile(profileID)
	if err != nil {
		return nil, err
	}

	classifier := g.terminal
	if surface == "content" {
		classifier = g.content
	}

	verdict := classifier.Classify(command, profile)
	if verdict.Decision == domain.DecisionNeedsApproval {
		// A standing parent approval, or an exhausted budget, settles the
		// escalation before it reaches the caller.
		snap, err := g.snapshot(profileID, command)
		if err != nil {
			return nil, err
		}
		verdict = engine.Decide(env.Role, snap, engine.Action{Kind: engine.ActionCommand, Name: command})
	}
	return newVerdictView(verdict), nil
}
