// Package approval tracks outstanding parent-approval requests and their
// resolution: idempotent submission, parent-gated resolution, and a
// background expiry sweep.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
)

// Workflow owns the PermissionRequest lifecycle. Persistence goes through
// the store's transaction boundary; this type adds the lifecycle rules.
type Workflow struct {
	store  domain.Store
	sink   domain.SignalSink
	ttl    time.Duration
	logger *zap.Logger

	// submitMu makes the find-or-create in Submit atomic so a duplicate
	// submit returns the existing request instead of racing in a second.
	submitMu sync.Mutex

	// now is injectable for expiry tests.
	now func() time.Time
}

// New creates a workflow with the configured request TTL.
func New(store domain.Store, sink domain.SignalSink, ttl time.Duration, logger *zap.Logger) *Workflow {
	return &Workflow{
		store:  store,
		sink:   sink,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock (tests only).
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Submit files an approval request for a profile's action. Submission is
// idempotent: while a request for the same (profile, action) pair is
// pending, the existing request is returned instead of a new one.
func (w *Workflow) Submit(profileID string, kind domain.RequestKind, action string) (*domain.PermissionRequest, error) {
	if _, err := w.store.GetProfile(profileID); err != nil {
		return nil, err
	}

	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	existing, err := w.store.FindPendingRequest(profileID, action)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	req := domain.PermissionRequest{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Kind:      kind,
		Action:    action,
		Status:    domain.StatusPending,
		CreatedAt: w.now(),
	}
	if err := w.store.PutRequest(req); err != nil {
		return nil, err
	}

	w.logger.Info("approval request submitted",
		zap.String("request_id", req.ID),
		zap.String("profile", profileID),
		zap.String("kind", string(kind)),
		zap.String("action", action))
	return &req, nil
}

// Resolve records a parent decision on a pending request. Only Parent and
// Root roles may resolve; anything else is ErrRoleDenied. A non-pending
// request fails with ErrAlreadyResolved.
func (w *Workflow) Resolve(requestID string, role domain.Role, resolvedBy string, approve bool) (*domain.PermissionRequest, error) {
	if role != domain.RoleParent && role != domain.RoleRoot {
		return nil, fmt.Errorf("role %s cannot resolve requests: %w", role, domain.ErrRoleDenied)
	}

	status := domain.StatusDenied
	if approve {
		status = domain.StatusApproved
	}
	if err := w.store.ResolveRequest(requestID, status, resolvedBy, w.now()); err != nil {
		return nil, err
	}

	req, err := w.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}

	w.logger.Info("approval request resolved",
		zap.String("request_id", requestID),
		zap.String("status", string(status)),
		zap.String("resolved_by", resolvedBy))

	// Resolution changes the profile's effective policy; expiry does not
	// broadcast anything (poll-only).
	w.sink.Emit(domain.Signal{
		Name:      domain.SignalPolicyUpdated,
		ProfileID: req.ProfileID,
		Detail:    fmt.Sprintf("request %s %s", requestID, status),
		At:        w.now(),
	})
	return req, nil
}

// Get returns a request by id, for status polling.
func (w *Workflow) Get(requestID string) (*domain.PermissionRequest, error) {
	return w.store.GetRequest(requestID)
}

// ListPending returns the open approval queue, oldest first.
func (w *Workflow) ListPending() ([]domain.PermissionRequest, error) {
	return w.store.ListPendingRequests()
}

// IsApproved reports whether a standing approved request covers the
// (profile, action) pair.
func (w *Workflow) IsApproved(profileID, action string) (bool, error) {
	req, err := w.store.FindApprovedRequest(profileID, action)
	if err != nil {
		return false, err
	}
	return req != nil, nil
}

// SweepExpired expires pending requests older than the TTL. Each request
// is expired in its own transaction (lock-per-item, not lock-for-sweep)
// so the sweep never blocks concurrent control-plane calls. Returns how
// many requests were expired.
func (w *Workflow) SweepExpired() int {
	pending, err := w.store.ListPendingRequests()
	if err != nil {
		w.logger.Warn("expiry sweep failed to list requests", zap.Error(err))
		return 0
	}

	cutoff := w.now().Add(-w.ttl)
	expired := 0
	for _, req := range pending {
		if req.CreatedAt.After(cutoff) {
			continue
		}
		err := w.store.ResolveRequest(req.ID, domain.StatusExpired, "", w.now())
		if err != nil {
			// A parent may have resolved it between the list and here.
			w.logger.Debug("skipping request during expiry",
				zap.String("request_id", req.ID),
				zap.Error(err))
			continue
		}
		expired++
		w.logger.Info("approval request expired",
			zap.String("request_id", req.ID),
			zap.String("profile", req.ProfileID))
	}
	return expired
}
