package gateway

import (
	"fmt"
	"time"

	"github.com/familyshield/familyd/internal/domain"
)

// Wire views keep the serialized surface stable and independent of the
// domain structs.

type okView struct {
	OK bool `json:"ok"`
}

type profileView struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"display_name"`
	Class             string   `json:"class"`
	BlockedApps       []string `json:"blocked_apps,omitempty"`
	AllowedCategories []string `json:"allowed_categories,omitempty"`
	CreatedAt         string   `json:"created_at,omitempty"`
}

func newProfileView(p domain.Profile) profileView {
	v := profileView{
		ID:                p.ID,
		DisplayName:       p.DisplayName,
		Class:             string(p.Class),
		BlockedApps:       p.BlockedApps,
		AllowedCategories: p.AllowedCategories,
	}
	if !p.CreatedAt.IsZero() {
		v.CreatedAt = p.CreatedAt.Format(time.RFC3339)
	}
	return v
}

type verdictView struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

func newVerdictView(v domain.Verdict) verdictView {
	return verdictView{
		Decision: string(v.Decision),
		Reason:   string(v.Reason),
		Rule:     v.Rule,
	}
}

type remainingView struct {
	ProfileID        string `json:"profile_id"`
	Category         string `json:"category"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

type sessionView struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type requestView struct {
	ID         string `json:"id"`
	ProfileID  string `json:"profile_id"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

func newRequestView(r domain.PermissionRequest) requestView {
	v := requestView{
		ID:         r.ID,
		ProfileID:  r.ProfileID,
		Kind:       string(r.Kind),
		Action:     r.Action,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
		ResolvedBy: r.ResolvedBy,
	}
	if !r.ResolvedAt.IsZero() {
		v.ResolvedAt = r.ResolvedAt.Format(time.RFC3339)
	}
	return v
}

// --- envelope argument helpers ---

func argString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %s: %w", key, domain.ErrInvalidArgument)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %s must be a non-empty string: %w", key, domain.ErrInvalidArgument)
	}
	return s, nil
}

func argStringDefault(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	switch list := raw.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// argInt64 accepts JSON numbers (float64 after decoding) and native ints.
func argInt64(args map[string]any, key string) (int64, bool) {
	switch n := args[key].(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func argBool(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}
