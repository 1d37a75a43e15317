package capability

import (
	"github.com/mew-protocol/mew/pkg/envelope"
)

// Set is a participant's effective capability set: the configured base rules
// plus any currently active grants. Mutation constructs new slices, so a Set
// handed to a reader is never modified underneath it.
type Set struct {
	base    []Rule
	granted []grant
}

type grant struct {
	granter string
	rule    Rule
}

// NewSet creates a capability set from a participant's configured rules.
func NewSet(base []Rule) *Set {
	return &Set{base: append([]Rule(nil), base...)}
}

// Allows reports whether any rule in the effective set matches the envelope,
// returning the first matching rule.
func (s *Set) Allows(e *envelope.Envelope) (Rule, bool) {
	for _, r := range s.base {
		if r.Matches(e) {
			return r, true
		}
	}
	for _, g := range s.granted {
		if g.rule.Matches(e) {
			return g.rule, true
		}
	}
	return Rule{}, false
}

// Grant adds rules granted by the given participant.
func (s *Set) Grant(granter string, rules []Rule) {
	granted := append([]grant(nil), s.granted...)
	for _, r := range rules {
		granted = append(granted, grant{granter: granter, rule: r})
	}
	s.granted = granted
}

// Revoke removes granted rules matching by structural equality. Base rules
// are never revoked through this mechanism.
func (s *Set) Revoke(granter string, rules []Rule) {
	granted := make([]grant, 0, len(s.granted))
	for _, g := range s.granted {
		revoked := false
		if g.granter == granter {
			for _, r := range rules {
				if g.rule.Equal(r) {
					revoked = true
					break
				}
			}
		}
		if !revoked {
			granted = append(granted, g)
		}
	}
	s.granted = granted
}

// ClearGrants drops every granted rule, leaving only the configured base.
// Grants live for at most one session, so a disconnect clears them.
func (s *Set) ClearGrants() {
	s.granted = nil
}

// RevokeAllFrom drops every grant issued by the given participant, used when
// a granter disconnects.
func (s *Set) RevokeAllFrom(granter string) {
	granted := make([]grant, 0, len(s.granted))
	for _, g := range s.granted {
		if g.granter != granter {
			granted = append(granted, g)
		}
	}
	s.granted = granted
}

// Base returns the configured rules.
func (s *Set) Base() []Rule {
	return append([]Rule(nil), s.base...)
}

// Rules returns the effective rule list, base rules first.
func (s *Set) Rules() []Rule {
	rules := append([]Rule(nil), s.base...)
	for _, g := range s.granted {
		rules = append(rules, g.rule)
	}
	return rules
}
