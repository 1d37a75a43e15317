package gateway

import (
	"strings"

	"github.com/mew-protocol/mew/pkg/audit"
	"github.com/mew-protocol/mew/pkg/envelope"
	"github.com/mew-protocol/mew/pkg/logger"
)

// echoAlways lists the kinds a sender always observes back even when the
// envelope is addressed elsewhere.
func echoAlways(kind string) bool {
	return kind == envelope.KindStreamOpen || strings.HasPrefix(kind, "system/")
}

// deliverLocked routes an accepted envelope. Broadcast envelopes go to every
// connected participant including the sender; the echo is intentional, so
// participants observe the canonical form of their own messages. Addressed
// envelopes go to the named connected ids, with an echo to the sender when it
// is named or the kind is in the echo-always set. Unknown target ids are
// skipped without an error.
func (s *Space) deliverLocked(env *envelope.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		logger.Errorw("failed to marshal envelope for delivery",
			"space", s.name, "envelope", env.ID, "error", err)
		return
	}

	if env.Broadcast() {
		for _, p := range s.participants {
			s.deliverToLocked(p, env, data)
		}
		return
	}

	delivered := make(map[string]struct{}, len(env.To)+1)
	for _, id := range env.To {
		if _, done := delivered[id]; done {
			continue
		}
		delivered[id] = struct{}{}
		if p, ok := s.participants[id]; ok {
			s.deliverToLocked(p, env, data)
		}
	}

	if _, done := delivered[env.From]; !done && echoAlways(env.Kind) {
		if p, ok := s.participants[env.From]; ok {
			s.deliverToLocked(p, env, data)
		}
	}
}

func (s *Space) deliverToLocked(p *participant, env *envelope.Envelope, data []byte) {
	if !p.connected() {
		return
	}
	if !p.link.Send(data) {
		logger.Warnw("outbound queue full, dropping envelope",
			"space", s.name, "participant", p.id, "envelope", env.ID)
		return
	}
	s.auditor.RecordEnvelope(audit.EnvelopeRecord{
		Event:      audit.EventDelivered,
		EnvelopeID: env.ID,
		TS:         envelope.Now(),
		From:       env.From,
		To:         []string{p.id},
		Kind:       env.Kind,
	})
}
