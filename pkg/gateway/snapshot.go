package gateway

import (
	"sort"
	"time"

	"github.com/mew-protocol/mew/pkg/capability"
	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

// HealthStatus is the control-plane health snapshot of a space.
type HealthStatus struct {
	Status        string `json:"status"`
	Participants  int    `json:"participants"`
	Streams       int    `json:"streams"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ParticipantStatus is one row of the control-plane participant listing.
type ParticipantStatus struct {
	ID           string            `json:"id"`
	Capabilities []capability.Rule `json:"capabilities"`
	Connected    bool              `json:"connected"`
}

// Health returns the space's health snapshot: connected participants and
// open streams.
func (s *Space) Health() HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	connected := 0
	for _, p := range s.participants {
		if p.connected() {
			connected++
		}
	}
	open := 0
	for _, st := range s.streams {
		if st.state == streamStateOpen {
			open++
		}
	}
	return HealthStatus{
		Status:        "ok",
		Participants:  connected,
		Streams:       open,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
}

// ParticipantList returns the current roster sorted by id.
func (s *Space) ParticipantList() []ParticipantStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]ParticipantStatus, 0, len(s.participants))
	for _, p := range s.participants {
		list = append(list, ParticipantStatus{
			ID:           p.id,
			Capabilities: p.caps.Rules(),
			Connected:    p.connected(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Inject runs an envelope through the ingress path as if the named
// participant had sent it, subject to the same capability checks. The
// participant does not need a live connection; a detached identity with its
// configured rules is used in that case.
func (s *Space) Inject(id string, raw []byte) (*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.participants[id]
	if !ok {
		def, provisioned := s.def.Participants[id]
		if !provisioned {
			return nil, mewerr.NewError(mewerr.ErrUnknownTarget, "unknown participant "+id, nil)
		}
		sender = &participant{
			id:   id,
			caps: capability.NewSet(def.Capabilities),
		}
		s.participants[id] = sender
	}

	env, rejection := s.ingestLocked(sender, raw)
	if rejection != nil {
		if sender.connected() {
			s.sendErrorLocked(sender, rejection)
		}
		return nil, mewerr.NewError(rejection.Error, rejection.Message, nil)
	}
	return env, nil
}
