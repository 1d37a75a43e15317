package gateway

import (
	"github.com/google/uuid"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

type streamState string

const (
	streamStateOpen   streamState = "open"
	streamStateClosed streamState = "closed"
)

// stream is one entry in the per-space stream registry. The owner is always
// a member of writers.
type stream struct {
	id          string
	owner       string
	direction   string
	description string
	encoding    string
	writers     map[string]struct{}
	state       streamState
}

func (st *stream) writerList() []string {
	writers := make([]string, 0, len(st.writers))
	// Owner first, the rest in registry order.
	writers = append(writers, st.owner)
	for w := range st.writers {
		if w != st.owner {
			writers = append(writers, w)
		}
	}
	return writers
}

func (st *stream) info() envelope.StreamInfo {
	return envelope.StreamInfo{
		StreamID:          st.id,
		Owner:             st.owner,
		Direction:         st.direction,
		Description:       st.description,
		Encoding:          st.encoding,
		AuthorizedWriters: st.writerList(),
		State:             string(st.state),
	}
}

// handleStreamRequestLocked allocates a stream id, registers the stream, and
// broadcasts stream/open correlated to the request. The requester owns the
// stream and is its only authorized writer.
func (s *Space) handleStreamRequestLocked(sender *participant, env *envelope.Envelope) {
	var payload envelope.StreamRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
		return
	}

	st := &stream{
		id:          uuid.NewString(),
		owner:       sender.id,
		direction:   payload.Direction,
		description: payload.Description,
		encoding:    payload.Encoding,
		writers:     map[string]struct{}{sender.id: {}},
		state:       streamStateOpen,
	}
	s.streams[st.id] = st

	// The request itself is routed to its declared peers, then the open
	// notice goes out; stream/open is in the echo-always set so the
	// requester observes the assigned id.
	s.deliverLocked(env)

	open := envelopeFromSystem(envelope.KindStreamOpen, envelope.StreamOpenPayload{
		StreamID:    st.id,
		Direction:   st.direction,
		Description: st.description,
		Encoding:    st.encoding,
	})
	open.To = env.To
	open.From = sender.id
	open.CorrelationID = []string{env.ID}
	s.deliverLocked(open)
}

// handleStreamControlLocked applies an owner-only stream operation and emits
// the corresponding acknowledgement with the updated owner and writer set.
func (s *Space) handleStreamControlLocked(sender *participant, env *envelope.Envelope) {
	streamID, err := streamIDOf(env)
	if err != nil {
		s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
		return
	}

	st, ok := s.streams[streamID]
	if !ok {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:      mewerr.ErrUnknownStream,
			Message:    "unknown stream " + streamID,
			StreamID:   streamID,
			EnvelopeID: env.ID,
		})
		return
	}
	if st.state == streamStateClosed {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:      mewerr.ErrStreamClosed,
			Message:    "stream " + streamID + " is closed",
			StreamID:   streamID,
			EnvelopeID: env.ID,
		})
		return
	}
	if st.owner != sender.id {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:      mewerr.ErrNotStreamOwner,
			Message:    "only the stream owner may do that",
			StreamID:   streamID,
			EnvelopeID: env.ID,
		})
		return
	}

	s.deliverLocked(env)

	switch env.Kind {
	case envelope.KindStreamGrantWrite:
		var payload envelope.StreamWritePayload
		if err := env.DecodePayload(&payload); err != nil {
			s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
			return
		}
		st.writers[payload.ParticipantID] = struct{}{}
		s.broadcastStreamAckLocked(envelope.KindStreamWriteGranted, st, payload.ParticipantID, env)

	case envelope.KindStreamRevokeWrite:
		var payload envelope.StreamWritePayload
		if err := env.DecodePayload(&payload); err != nil {
			s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
			return
		}
		// The owner stays a writer no matter what the revoke names.
		if payload.ParticipantID != st.owner {
			delete(st.writers, payload.ParticipantID)
		}
		s.broadcastStreamAckLocked(envelope.KindStreamWriteRevoked, st, payload.ParticipantID, env)

	case envelope.KindStreamTransferOwnership:
		var payload envelope.StreamTransferPayload
		if err := env.DecodePayload(&payload); err != nil {
			s.sendErrorLocked(sender, s.rejectLocked(sender, env, mewerr.ErrParseError, err.Error()))
			return
		}
		previous := st.owner
		st.owner = payload.NewOwner
		// Transfer resets the writer set to the new owner; the previous
		// owner must be re-granted explicitly.
		st.writers = map[string]struct{}{payload.NewOwner: {}}
		ack := envelopeFromSystem(envelope.KindStreamOwnershipTransferred, envelope.StreamTransferredPayload{
			StreamID:          st.id,
			PreviousOwner:     previous,
			NewOwner:          st.owner,
			AuthorizedWriters: st.writerList(),
		})
		ack.CorrelationID = []string{env.ID}
		s.deliverLocked(ack)

	case envelope.KindStreamClose:
		s.closeStreamLocked(st, "closed by owner", env)
	}
}

func (s *Space) broadcastStreamAckLocked(kind string, st *stream, participantID string, cause *envelope.Envelope) {
	ack := envelopeFromSystem(kind, envelope.StreamWriteAckPayload{
		StreamID:          st.id,
		ParticipantID:     participantID,
		Owner:             st.owner,
		AuthorizedWriters: st.writerList(),
	})
	ack.CorrelationID = []string{cause.ID}
	s.deliverLocked(ack)
}

// closeStreamLocked marks the stream closed and broadcasts the notice. The
// closed state is absorbing; later frames are refused.
func (s *Space) closeStreamLocked(st *stream, reason string, cause *envelope.Envelope) {
	st.state = streamStateClosed
	notice := envelopeFromSystem(envelope.KindStreamClose, envelope.StreamClosePayload{
		StreamID: st.id,
		Reason:   reason,
	})
	if cause != nil {
		notice.CorrelationID = []string{cause.ID}
	}
	s.deliverLocked(notice)
}

func (s *Space) closeStreamsOwnedByLocked(owner, reason string) {
	for _, st := range s.streams {
		if st.owner == owner && st.state != streamStateClosed {
			s.closeStreamLocked(st, reason, nil)
		}
	}
}

// handleStreamFrame verifies the writer set and forwards the frame verbatim
// to every other connected participant. Frames never reach the envelope
// router; they share the per-space lane so close-after-frame ordering holds.
func (s *Space) handleStreamFrame(senderID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.participants[senderID]
	if !ok || !sender.connected() {
		return
	}

	streamID, _, err := envelope.ParseFrame(data)
	if err != nil {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:   mewerr.ErrParseError,
			Message: err.Error(),
		})
		return
	}

	st, ok := s.streams[streamID]
	if !ok {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:    mewerr.ErrUnknownStream,
			Message:  "unknown stream " + streamID,
			StreamID: streamID,
		})
		return
	}
	if st.state != streamStateOpen {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:    mewerr.ErrStreamClosed,
			Message:  "stream " + streamID + " is closed",
			StreamID: streamID,
		})
		return
	}
	if _, canWrite := st.writers[senderID]; !canWrite {
		s.sendErrorLocked(sender, &envelope.ErrorPayload{
			Error:    mewerr.ErrUnauthorizedStreamWrite,
			Message:  senderID + " is not an authorized writer",
			StreamID: streamID,
		})
		return
	}

	for _, p := range s.participants {
		if p.id == senderID || !p.connected() {
			continue
		}
		p.link.Send(data)
	}
}

func streamIDOf(env *envelope.Envelope) (string, error) {
	var ref struct {
		StreamID string `json:"stream_id"`
	}
	if err := env.DecodePayload(&ref); err != nil {
		return "", err
	}
	if ref.StreamID == "" {
		return "", mewerr.NewError(mewerr.ErrParseError, "stream_id is required", nil)
	}
	return ref.StreamID, nil
}
