package capability

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mew-protocol/mew/pkg/envelope"
)

// Matches reports whether the rule matches the envelope: the kind pattern
// must match, and every payload constraint must hold against the envelope
// payload.
func (r Rule) Matches(e *envelope.Envelope) bool {
	if !matchPattern(r.Kind, e.Kind) {
		return false
	}
	if len(r.Payload) == 0 {
		return true
	}
	return matchPayload(r.Payload, "", e.Payload)
}

// matchPattern matches a value against a pattern supporting a trailing '*'
// wildcard.
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// matchPayload walks the rule's payload constraints, resolving each leaf as a
// gjson path into the envelope payload.
func matchPayload(constraints map[string]any, prefix string, payload []byte) bool {
	for key, want := range constraints {
		path := escapeKey(key)
		if prefix != "" {
			path = prefix + "." + path
		}
		if nested, ok := want.(map[string]any); ok {
			if !matchPayload(nested, path, payload) {
				return false
			}
			continue
		}
		got := gjson.GetBytes(payload, path)
		if !got.Exists() {
			return false
		}
		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchValue(want any, got gjson.Result) bool {
	if s, ok := want.(string); ok {
		return got.Type == gjson.String && matchPattern(s, got.String())
	}
	// Non-string constraints compare by deep structural equality after
	// normalizing the rule side through JSON, so YAML ints and JSON floats
	// line up.
	return reflect.DeepEqual(normalize(want), got.Value())
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// gjson treats '.', '*' and '?' as syntax; constraint keys are literals.
func escapeKey(key string) string {
	var b strings.Builder
	for _, c := range key {
		if c == '.' || c == '*' || c == '?' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
