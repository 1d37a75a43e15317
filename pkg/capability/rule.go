// Package capability implements the wildcard rule matcher that decides
// whether a participant may send a given envelope, plus the bookkeeping for
// runtime capability grants.
package capability

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Rule is a capability pattern. Kind supports exact match and a trailing '*'
// wildcard. Payload, when present, constrains fields of the envelope payload;
// string constraint values may themselves carry a trailing '*'.
type Rule struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// rawRule mirrors Rule for decoding without recursing into the custom
// unmarshalers.
type rawRule struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// UnmarshalJSON accepts either a full rule object or a bare string, which is
// shorthand for a kind-only rule.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		r.Kind = kind
		r.Payload = nil
		return nil
	}
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse capability rule: %w", err)
	}
	r.Kind = raw.Kind
	r.Payload = raw.Payload
	return nil
}

// UnmarshalYAML accepts either a full rule mapping or a bare string, which is
// shorthand for a kind-only rule.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Kind = node.Value
		r.Payload = nil
		return nil
	}
	var raw rawRule
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("failed to parse capability rule: %w", err)
	}
	r.Kind = raw.Kind
	r.Payload = raw.Payload
	return nil
}

// Validate checks that the rule is well formed.
func (r *Rule) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("capability rule kind is required")
	}
	return nil
}

// String returns a canonical JSON rendering of the rule. encoding/json sorts
// map keys, so equal rules always render identically.
func (r Rule) String() string {
	data, err := json.Marshal(rawRule(r))
	if err != nil {
		return r.Kind
	}
	return string(data)
}

// Equal reports structural equality of two rules, used to match revokes
// against previously issued grants.
func (r Rule) Equal(other Rule) bool {
	return r.String() == other.String()
}

// ParseRules decodes a list of raw JSON rules, as carried in
// capability/grant payloads.
func ParseRules(raw []json.RawMessage) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for _, data := range raw {
		var r Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RawRules encodes rules back to raw JSON for grant acknowledgement payloads.
func RawRules(rules []Rule) []json.RawMessage {
	raw := make([]json.RawMessage, 0, len(rules))
	for _, r := range rules {
		raw = append(raw, json.RawMessage(r.String()))
	}
	return raw
}
