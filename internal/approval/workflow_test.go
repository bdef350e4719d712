package approval

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
)

// mockStore implements domain.Store in memory for workflow tests.
type mockStore struct {
	mu       sync.Mutex
	profiles map[string]domain.Profile
	requests map[string]domain.PermissionRequest
}

func newMockStore(profileIDs ...string) *mockStore {
	s := &mockStore{
		profiles: make(map[string]domain.Profile),
		requests: make(map[string]domain.PermissionRequest),
	}
	for _, id := range profileIDs {
		s.profiles[id] = domain.Profile{ID: id, Class: domain.ClassFamily}
	}
	return s
}

func (s *mockStore) CreateProfile(p domain.Profile, _ map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *mockStore) GetProfile(id string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %q: %w", id, domain.ErrUnknownProfile)
	}
	return &p, nil
}

func (s *mockStore) ListProfiles() ([]domain.Profile, error) { return nil, nil }

func (s *mockStore) SetActiveProfile(string) error { return nil }

func (s *mockStore) ActiveProfile() (*domain.Profile, error) { return nil, domain.ErrNotFound }

func (s *mockStore) RemainingTime(string, string) (int64, error) { return 0, nil }

func (s *mockStore) ConsumeTime(string, string, int64) (int64, error) { return 0, nil }

func (s *mockStore) AddTime(string, string, int64) (int64, error) { return 0, nil }

func (s *mockStore) Close() error { return nil }

func (s *mockStore) PutRequest(r domain.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
	return nil
}

func (s *mockStore) GetRequest(id string) (*domain.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %q: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *mockStore) FindPendingRequest(profileID, action string) (*domain.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ProfileID == profileID && r.Action == action && r.Status == domain.StatusPending {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *mockStore) FindApprovedRequest(profileID, action string) (*domain.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ProfileID == profileID && r.Action == action && r.Status == domain.StatusApproved {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *mockStore) ResolveRequest(id string, status domain.RequestStatus, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request %q: %w", id, domain.ErrNotFound)
	}
	if r.Status != domain.StatusPending {
		return fmt.Errorf("request %q is %s: %w", id, r.Status, domain.ErrAlreadyResolved)
	}
	r.Status = status
	r.ResolvedAt = at
	r.ResolvedBy = resolvedBy
	s.requests[id] = r
	return nil
}

func (s *mockStore) ListPendingRequests() ([]domain.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PermissionRequest
	for _, r := range s.requests {
		if r.Status == domain.StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ domain.Store = (*mockStore)(nil)

// mockSink records emitted signals.
type mockSink struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (s *mockSink) Emit(sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

func (s *mockSink) count(name domain.SignalName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.signals {
		if sig.Name == name {
			n++
		}
	}
	return n
}

func newTestWorkflow(t *testing.T, ttl time.Duration) (*Workflow, *mockStore, *mockSink) {
	t.Helper()
	store := newMockStore("kid1")
	sink := &mockSink{}
	return New(store, sink, ttl, zap.NewNop()), store, sink
}

func TestSubmit_Idempotent(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	first, err := w.Submit("kid1", domain.KindCommand, "sudo rm -rf /tmp")
	require.NoError(t, err)

	second, err := w.Submit("kid1", domain.KindCommand, "sudo rm -rf /tmp")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "duplicate submit must return the existing request")
	assert.Equal(t, domain.StatusPending, second.Status)
}

func TestSubmit_DifferentActionsGetDifferentRequests(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	a, err := w.Submit("kid1", domain.KindApplication, "minecraft")
	require.NoError(t, err)
	b, err := w.Submit("kid1", domain.KindApplication, "fortnite")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestSubmit_UnknownProfile(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	_, err := w.Submit("ghost", domain.KindApplication, "minecraft")
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
}

func TestResolve_ApproveThenCovered(t *testing.T) {
	w, _, sink := newTestWorkflow(t, time.Minute)

	req, err := w.Submit("kid1", domain.KindCommand, "sudo rm -rf /tmp")
	require.NoError(t, err)

	resolved, err := w.Resolve(req.ID, domain.RoleParent, "mom", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resolved.Status)
	assert.Equal(t, "mom", resolved.ResolvedBy)

	approved, err := w.IsApproved("kid1", "sudo rm -rf /tmp")
	require.NoError(t, err)
	assert.True(t, approved, "a standing approval must cover the identical action")

	// Resolution broadcasts a policy update; expiry never does.
	assert.Equal(t, 1, sink.count(domain.SignalPolicyUpdated))
}

func TestResolve_Twice(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	req, err := w.Submit("kid1", domain.KindCommand, "sudo ls")
	require.NoError(t, err)

	_, err = w.Resolve(req.ID, domain.RoleParent, "mom", true)
	require.NoError(t, err)

	_, err = w.Resolve(req.ID, domain.RoleParent, "mom", false)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestResolve_RoleDenied(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	req, err := w.Submit("kid1", domain.KindApplication, "minecraft")
	require.NoError(t, err)

	for _, role := range []domain.Role{domain.RoleFamily, domain.RoleMonitor} {
		_, err := w.Resolve(req.ID, role, "kid1", true)
		assert.ErrorIs(t, err, domain.ErrRoleDenied, "role %s", role)
	}

	// The request must be untouched by the denied attempts.
	got, err := w.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestResolve_NotFound(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	_, err := w.Resolve("no-such-id", domain.RoleParent, "mom", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	w, _, sink := newTestWorkflow(t, 10*time.Minute)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	now := base
	w.WithClock(func() time.Time { return now })

	req, err := w.Submit("kid1", domain.KindApplication, "minecraft")
	require.NoError(t, err)

	// Inside the TTL: nothing expires.
	now = base.Add(5 * time.Minute)
	assert.Equal(t, 0, w.SweepExpired())

	// Past the TTL: exactly this one expires, silently.
	now = base.Add(11 * time.Minute)
	assert.Equal(t, 1, w.SweepExpired())

	got, err := w.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, 0, sink.count(domain.SignalPolicyUpdated), "expiry must not broadcast")

	// Sweeping again finds nothing.
	assert.Equal(t, 0, w.SweepExpired())
}

func TestSweepExpired_ThenResubmitAllowed(t *testing.T) {
	w, _, _ := newTestWorkflow(t, time.Minute)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	now := base
	w.WithClock(func() time.Time { return now })

	first, err := w.Submit("kid1", domain.KindApplication, "minecraft")
	require.NoError(t, err)

	now = base.Add(2 * time.Minute)
	require.Equal(t, 1, w.SweepExpired())

	// The pair is free again once the old request expired.
	second, err := w.Submit("kid1", domain.KindApplication, "minecraft")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}
