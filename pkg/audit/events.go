// Package audit provides the gateway's persisted audit logs: the envelope
// history and the capability decision trail, both append-only JSON Lines
// files rotated by size.
package audit

import (
	"github.com/mew-protocol/mew/pkg/capability"
)

// Envelope lifecycle events recorded in envelope-history.jsonl.
const (
	// EventReceived records an envelope accepted on ingress.
	EventReceived = "received"
	// EventDelivered records an envelope handed to a receiver's outbound queue.
	EventDelivered = "delivered"
	// EventRejected records an envelope refused before routing.
	EventRejected = "rejected"
)

// EventCapabilityCheck is the event recorded in capability-decisions.jsonl.
const EventCapabilityCheck = "capability_check"

// Capability check results.
const (
	// ResultAllowed records a capability check that passed.
	ResultAllowed = "allowed"
	// ResultDenied records a capability check that failed.
	ResultDenied = "denied"
)

// EnvelopeRecord is one line of envelope-history.jsonl.
type EnvelopeRecord struct {
	Event      string   `json:"event"`
	EnvelopeID string   `json:"envelope_id"`
	TS         string   `json:"ts"`
	From       string   `json:"from"`
	To         []string `json:"to,omitempty"`
	Kind       string   `json:"kind"`
	Reason     string   `json:"reason,omitempty"`
}

// DecisionRecord is one line of capability-decisions.jsonl.
type DecisionRecord struct {
	Event              string           `json:"event"`
	Result             string           `json:"result"`
	Participant        string           `json:"participant"`
	EnvelopeID         string           `json:"envelope_id"`
	TS                 string           `json:"ts"`
	RequiredCapability string           `json:"required_capability"`
	MatchedRule        *capability.Rule `json:"matched_rule,omitempty"`
}
