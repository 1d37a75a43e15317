// Package gateway implements the authoritative router of a space: it
// authenticates participants, enforces capabilities, assigns envelope
// identity and ordering, routes envelopes, multiplexes binary streams, and
// appends audit records.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/mew-protocol/mew/pkg/audit"
	"github.com/mew-protocol/mew/pkg/capability"
	"github.com/mew-protocol/mew/pkg/config"
	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

// link is the transport side of a connection. Send enqueues one outbound
// frame and reports whether the queue accepted it; CloseWithReason tears the
// transport down.
type link interface {
	Send(data []byte) bool
	CloseWithReason(reason string)
}

// participant is a provisioned identity and, when connected, its transport.
type participant struct {
	id   string
	caps *capability.Set
	link link
}

func (p *participant) connected() bool {
	return p.link != nil
}

// Space is the authoritative state of one coordination room. All mutation
// happens under mu; fan-out writes leave the lock through each connection's
// FIFO outbound queue, which preserves per-(sender,receiver) ordering.
type Space struct {
	name    string
	def     *config.Space
	auditor *audit.Auditor
	started time.Time

	mu           sync.Mutex
	participants map[string]*participant
	streams      map[string]*stream
	seenIDs      map[string]struct{}
	shuttingDown bool
}

// NewSpace creates the runtime state for a provisioned space definition.
func NewSpace(def *config.Space, auditor *audit.Auditor) *Space {
	return &Space{
		name:         def.Name,
		def:          def,
		auditor:      auditor,
		started:      time.Now(),
		participants: make(map[string]*participant),
		streams:      make(map[string]*stream),
		seenIDs:      make(map[string]struct{}),
	}
}

// Name returns the space name.
func (s *Space) Name() string {
	return s.name
}

// Authenticate resolves a bearer token to a participant id and its
// configured capability rules.
func (s *Space) Authenticate(token string) (string, []capability.Rule, error) {
	id, rules, ok := s.def.Resolve(token)
	if !ok {
		return "", nil, mewerr.NewUnauthorizedError("unknown token", nil)
	}
	return id, rules, nil
}

// Connect attaches a transport for the authenticated participant and emits
// the welcome and presence envelopes. A second connection for the same id
// replaces the first: the old transport is told about the conflict and
// closed. Reconnecting resets grants; only configured rules survive.
func (s *Space) Connect(id string, rules []capability.Rule, l link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return mewerr.NewError(mewerr.ErrShuttingDown, "space is shutting down", nil)
	}

	if old, ok := s.participants[id]; ok && old.connected() {
		notice := systemError(&envelope.ErrorPayload{
			Error:   mewerr.ErrConflict,
			Message: "replaced by a new connection for " + id,
		})
		if data, err := notice.Marshal(); err == nil {
			old.link.Send(data)
		}
		old.link.CloseWithReason("replaced")
	}

	p := &participant{
		id:   id,
		caps: capability.NewSet(rules),
		link: l,
	}
	s.participants[id] = p

	s.deliverLocked(s.welcomeEnvelope(p))
	s.deliverLocked(envelopeFromSystem(envelope.KindSystemPresence, envelope.PresencePayload{
		Event: envelope.PresenceJoin,
		ID:    id,
	}))

	logger.Infow("participant connected", "space", s.name, "participant", id)
	return nil
}

// Disconnect detaches the participant's transport, closes every stream it
// owns, drops every grant it issued or received, and broadcasts its
// departure. When l is non-nil it must still be the registered transport, so
// a replaced connection's late teardown cannot disconnect its successor.
func (s *Space) Disconnect(id string, l link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok || !p.connected() {
		return
	}
	if l != nil && p.link != l {
		return
	}
	p.link = nil

	s.closeStreamsOwnedByLocked(id, "owner disconnected")

	// Grants do not outlive either end of the session: the leaver's received
	// grants go, and so does everything it granted to others.
	p.caps.ClearGrants()
	for _, other := range s.participants {
		other.caps.RevokeAllFrom(id)
	}

	s.deliverLocked(envelopeFromSystem(envelope.KindSystemPresence, envelope.PresencePayload{
		Event: envelope.PresenceLeave,
		ID:    id,
	}))

	logger.Infow("participant disconnected", "space", s.name, "participant", id)
}

// Shutdown notifies every connected participant and closes their transports.
func (s *Space) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shuttingDown = true
	notice := systemError(&envelope.ErrorPayload{
		Error:   mewerr.ErrShuttingDown,
		Message: "gateway is shutting down",
	})
	data, err := notice.Marshal()
	if err != nil {
		return
	}
	for _, p := range s.participants {
		if p.connected() {
			p.link.Send(data)
			p.link.CloseWithReason("shutting down")
			p.link = nil
		}
	}
}

// HandleFrame is the single ingress point for everything a connection reads:
// stream frames and envelopes alike.
func (s *Space) HandleFrame(senderID string, data []byte) {
	if envelope.IsStreamFrame(data) {
		s.handleStreamFrame(senderID, data)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.participants[senderID]
	if !ok || !sender.connected() {
		return
	}
	if _, rejection := s.ingestLocked(sender, data); rejection != nil {
		s.sendErrorLocked(sender, rejection)
	}
}

// ingestLocked runs the gateway ingress steps in order: parse, stamp
// identity, protocol check, capability check, kind-specific handling, route.
// It returns the accepted envelope, or a rejection payload for the sender.
func (s *Space) ingestLocked(sender *participant, data []byte) (*envelope.Envelope, *envelope.ErrorPayload) {
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, s.rejectLocked(sender, &envelope.Envelope{}, mewerr.ErrParseError, err.Error())
	}

	// The gateway owns identity and time: from and ts are overwritten, the
	// id is assigned when absent. Clients cannot spoof any of them.
	env.From = sender.id
	env.TS = envelope.Now()
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	if _, dup := s.seenIDs[env.ID]; dup {
		return nil, s.rejectLocked(sender, env, mewerr.ErrProtocolError,
			fmt.Sprintf("envelope id %s already used", env.ID))
	}

	if err := env.Validate(); err != nil {
		return nil, s.rejectLocked(sender, env, mewerr.ErrProtocolError, err.Error())
	}

	matched, allowed := sender.caps.Allows(env)
	s.recordDecisionLocked(sender.id, env, matched, allowed)
	if !allowed {
		return nil, s.rejectLocked(sender, env, mewerr.ErrCapabilityViolation, "no capability rule matches")
	}

	s.seenIDs[env.ID] = struct{}{}
	s.auditEnvelopeLocked(audit.EventReceived, env, "")

	switch env.Kind {
	case envelope.KindStreamRequest:
		s.handleStreamRequestLocked(sender, env)
	case envelope.KindStreamGrantWrite, envelope.KindStreamRevokeWrite,
		envelope.KindStreamTransferOwnership, envelope.KindStreamClose:
		s.handleStreamControlLocked(sender, env)
	case envelope.KindCapabilityGrant, envelope.KindCapabilityRevoke:
		s.handleCapabilityChangeLocked(sender, env)
	default:
		s.deliverLocked(env)
	}
	return env, nil
}

// handleCapabilityChangeLocked updates the recipient's grant set and
// acknowledges to the recipient. The changed rules take effect on the next
// envelope, strictly after the ack is queued.
func (s *Space) handleCapabilityChangeLocked(sender *participant, env *envelope.Envelope) {
	var payload envelope.CapabilityGrantPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
		return
	}

	recipient, ok := s.participants[payload.Recipient]
	if !ok {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:      mewerr.ErrUnknownTarget,
			Message:    "unknown grant recipient " + payload.Recipient,
			EnvelopeID: env.ID,
		})
		return
	}

	rules, err := capability.ParseRules(payload.Capabilities)
	if err != nil {
		s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
		return
	}

	event := "granted"
	if env.Kind == envelope.KindCapabilityGrant {
		recipient.caps.Grant(sender.id, rules)
	} else {
		event = "revoked"
		recipient.caps.Revoke(sender.id, rules)
	}

	// Route the original change, then acknowledge to the recipient.
	s.deliverLocked(env)

	ack := envelopeFromSystem(envelope.KindCapabilityGrantAck, envelope.CapabilityGrantAckPayload{
		Granter:      sender.id,
		Event:        event,
		Capabilities: capability.RawRules(rules),
	})
	ack.To = []string{recipient.id}
	ack.CorrelationID = []string{env.ID}
	s.deliverLocked(ack)
}

// rejectLocked records a rejection in the envelope history and builds the
// sender-visible error payload.
func (s *Space) rejectLocked(_ *participant, env *envelope.Envelope, kind, message string) *envelope.ErrorPayload {
	payload := &envelope.ErrorPayload{
		Error:      kind,
		Message:    message,
		EnvelopeID: env.ID,
	}
	if kind == mewerr.ErrCapabilityViolation {
		payload.AttemptedKind = env.Kind
	}
	s.auditEnvelopeLocked(audit.EventRejected, env, kind)
	return payload
}

// sendErrorLocked delivers a system/error envelope to one participant only.
func (s *Space) sendErrorLocked(p *participant, payload *envelope.ErrorPayload) {
	env := systemError(payload)
	env.To = []string{p.id}
	s.deliverLocked(env)
}

func systemError(payload *envelope.ErrorPayload) *envelope.Envelope {
	env := envelopeFromSystem(envelope.KindSystemError, payload)
	if payload.EnvelopeID != "" {
		env.CorrelationID = []string{payload.EnvelopeID}
	}
	return env
}

func (s *Space) recordDecisionLocked(participantID string, env *envelope.Envelope, matched capability.Rule, allowed bool) {
	rec := audit.DecisionRecord{
		Result:             audit.ResultDenied,
		Participant:        participantID,
		EnvelopeID:         env.ID,
		TS:                 envelope.Now(),
		RequiredCapability: env.Kind,
	}
	if allowed {
		rec.Result = audit.ResultAllowed
		rec.MatchedRule = &matched
	}
	s.auditor.RecordDecision(rec)
}

func (s *Space) auditEnvelopeLocked(event string, env *envelope.Envelope, reason string) {
	s.auditor.RecordEnvelope(audit.EnvelopeRecord{
		Event:      event,
		EnvelopeID: env.ID,
		TS:         envelope.Now(),
		From:       env.From,
		To:         env.To,
		Kind:       env.Kind,
		Reason:     reason,
	})
}

// welcomeEnvelope builds the system/welcome for a freshly connected
// participant: its own identity and rules, the current roster, and the
// active streams.
func (s *Space) welcomeEnvelope(p *participant) *envelope.Envelope {
	roster := make([]envelope.ParticipantInfo, 0, len(s.participants))
	for _, other := range s.participants {
		roster = append(roster, envelope.ParticipantInfo{
			ID:           other.id,
			Capabilities: capability.RawRules(other.caps.Rules()),
			Connected:    other.connected(),
		})
	}

	streams := make([]envelope.StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		if st.state == streamStateClosed {
			continue
		}
		streams = append(streams, st.info())
	}

	env := envelopeFromSystem(envelope.KindSystemWelcome, envelope.WelcomePayload{
		You: envelope.ParticipantInfo{
			ID:           p.id,
			Capabilities: capability.RawRules(p.caps.Rules()),
			Connected:    true,
		},
		Participants:  roster,
		ActiveStreams: streams,
	})
	env.To = []string{p.id}
	return env
}

func envelopeFromSystem(kind string, payload any) *envelope.Envelope {
	env := envelope.New(kind, payload)
	env.From = envelope.SystemSender
	return env
}
