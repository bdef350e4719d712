// Package filter classifies proposed terminal commands and content
// accesses against ordered rule lists. Deny rules are checked first and
// short-circuit: no allow rule can override a deny match. Input the
// tokenizer cannot understand is denied as unparsable - this component
// fails closed.
package filter

import (
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
)

// maxInputLen bounds classification input; anything longer is treated as
// obfuscation and denied unparsable.
const maxInputLen = 4096

// DenyRule is one compiled deny matcher. First match wins.
type DenyRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// AllowRule maps matching input to a named category; the category must
// appear in the profile's allowed list for the input to pass.
type AllowRule struct {
	Category string
	Pattern  *regexp.Regexp
}

// Classifier evaluates one ordered rule set. The same type serves both
// the terminal hook and the content filter; only the rules differ.
type Classifier struct {
	deny   []DenyRule
	allow  []AllowRule
	logger *zap.Logger
}

// New builds a classifier over explicit rule lists.
func New(deny []DenyRule, allow []AllowRule, logger *zap.Logger) *Classifier {
	return &Classifier{deny: deny, allow: allow, logger: logger}
}

// NewTerminal builds the classifier for interactive shell commands.
func NewTerminal(logger *zap.Logger) *Classifier {
	return New(terminalDenyRules(), terminalAllowRules(), logger)
}

// NewContent builds the classifier for content-access reports.
func NewContent(logger *zap.Logger) *Classifier {
	return New(contentDenyRules(), contentAllowRules(), logger)
}

// Classify evaluates input for a profile.
//
// Order: parsability first (fail closed), then deny rules in order with
// immediate short-circuit, then the allow-category check. Input that
// matches nothing escalates to parent approval.
func (c *Classifier) Classify(input string, profile *domain.Profile) domain.Verdict {
	if !parsable(input) {
		c.logger.Debug("unparsable input denied",
			zap.String("profile", profileID(profile)),
			zap.Int("len", len(input)))
		return domain.Deny(domain.ReasonUnparsable)
	}

	normalized := normalize(input)

	for _, rule := range c.deny {
		if rule.Pattern.MatchString(normalized) {
			c.logger.Info("deny rule matched",
				zap.String("rule", rule.Name),
				zap.String("profile", profileID(profile)))
			v := domain.Deny(domain.ReasonBlockedPattern)
			v.Rule = rule.Name
			return v
		}
	}

	for _, rule := range c.allow {
		if !rule.Pattern.MatchString(normalized) {
			continue
		}
		if profile != nil && categoryAllowed(profile, rule.Category) {
			return domain.Allow()
		}
		// Recognized category, but not pre-approved for this profile.
		return domain.Escalate()
	}

	return domain.Escalate()
}

func profileID(p *domain.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func categoryAllowed(p *domain.Profile, category string) bool {
	for _, c := range p.AllowedCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// normalize collapses whitespace so patterns match regardless of spacing.
func normalize(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// parsable is the conservative gate: empty, oversized, non-printable, or
// quote-unbalanced input is rejected so heavily obfuscated shell syntax
// cannot sneak past the pattern stage.
func parsable(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || len(input) > maxInputLen {
		return false
	}
	for _, r := range input {
		if r == '\n' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return quotesBalanced(trimmed)
}

// quotesBalanced walks the input as a shell lexer would, tracking quote
// state and escapes. Unterminated quoting means the real shell would see
// something other than what the patterns saw.
func quotesBalanced(input string) bool {
	var inSingle, inDouble, escaped bool
	for _, r := range input {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		}
	}
	return !inSingle && !inDouble && !escaped
}
