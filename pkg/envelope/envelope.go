// Package envelope defines the MEW envelope schema, the protocol kind
// constants, and the binary stream frame codec used on the wire.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the protocol version accepted by this implementation.
const Protocol = "mew/v0.4"

// SystemSender is the participant id the gateway uses for envelopes it
// synthesizes itself (welcome, presence, error).
const SystemSender = "system:gateway"

// Envelope is the single unit of protocol traffic. Payload is kept as raw
// JSON so unknown kinds survive a round trip unchanged.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id,omitempty"`
	TS            string          `json:"ts,omitempty"`
	From          string          `json:"from,omitempty"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Context       string          `json:"context,omitempty"`
}

// New constructs an envelope of the given kind with a fresh id and the
// payload marshaled to JSON. It panics only if payload cannot be marshaled,
// which indicates a programming error.
func New(kind string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("envelope payload for kind %s is not marshalable: %v", kind, err))
	}
	return &Envelope{
		Protocol: Protocol,
		ID:       NewID(),
		TS:       Now(),
		Kind:     kind,
		Payload:  raw,
	}
}

// NewID returns a fresh envelope id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current wall clock in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Broadcast reports whether the envelope addresses every participant in the
// space rather than a named list.
func (e *Envelope) Broadcast() bool {
	return len(e.To) == 0
}

// AddressedTo reports whether the envelope names the given participant.
func (e *Envelope) AddressedTo(id string) bool {
	for _, to := range e.To {
		if to == id {
			return true
		}
	}
	return false
}

// Correlates reports whether the envelope's correlation list references the
// given envelope id.
func (e *Envelope) Correlates(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks the structural invariants a sender-supplied envelope must
// satisfy before the gateway accepts it.
func (e *Envelope) Validate() error {
	if e.Protocol != Protocol {
		return fmt.Errorf("unknown protocol %q", e.Protocol)
	}
	if e.Kind == "" {
		return fmt.Errorf("envelope kind is required")
	}
	return nil
}

// Marshal serializes the envelope as a single wire frame.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Parse deserializes a wire frame into an envelope.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &e, nil
}
