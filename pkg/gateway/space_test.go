package gateway

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew/pkg/capability"
	"github.com/mew-protocol/mew/pkg/config"
	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

// fakeLink records everything the space delivers to one participant.
type fakeLink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (l *fakeLink) Send(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	l.frames = append(l.frames, cp)
	return true
}

func (l *fakeLink) CloseWithReason(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// envelopes parses every delivered envelope frame, skipping stream frames.
func (l *fakeLink) envelopes(t *testing.T) []*envelope.Envelope {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()

	var envs []*envelope.Envelope
	for _, data := range l.frames {
		if envelope.IsStreamFrame(data) {
			continue
		}
		env, err := envelope.Parse(data)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (l *fakeLink) byKind(t *testing.T, kind string) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for _, env := range l.envelopes(t) {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (l *fakeLink) streamFrames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]byte
	for _, data := range l.frames {
		if envelope.IsStreamFrame(data) {
			out = append(out, data)
		}
	}
	return out
}

func newTestSpace() *Space {
	return NewSpace(&config.Space{Name: "test"}, nil)
}

func connect(t *testing.T, s *Space, id string, rules ...capability.Rule) *fakeLink {
	t.Helper()
	l := &fakeLink{}
	require.NoError(t, s.Connect(id, rules, l))
	return l
}

// send pushes an envelope through the ingress path as raw bytes, the way a
// connection read pump would.
func send(t *testing.T, s *Space, from, kind string, payload any, to ...string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := &envelope.Envelope{
		Protocol: envelope.Protocol,
		Kind:     kind,
		To:       to,
		Payload:  raw,
	}
	data, err := env.Marshal()
	require.NoError(t, err)
	s.HandleFrame(from, data)
}

func chatRule() capability.Rule   { return capability.Rule{Kind: "chat"} }
func streamRule() capability.Rule { return capability.Rule{Kind: "stream/*"} }

func TestChatEcho(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())

	send(t, s, "A", envelope.KindChat, envelope.ChatPayload{Text: "hi"})

	for name, l := range map[string]*fakeLink{"A": a, "B": b} {
		chats := l.byKind(t, envelope.KindChat)
		require.Len(t, chats, 1, "%s should see the chat", name)
		env := chats[0]
		assert.Equal(t, "A", env.From)
		assert.NotEmpty(t, env.ID)
		assert.NotEmpty(t, env.TS)

		var chat envelope.ChatPayload
		require.NoError(t, env.DecodePayload(&chat))
		assert.Equal(t, "hi", chat.Text)
	}
}

func TestFromIsNeverSpoofable(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())

	env := &envelope.Envelope{
		Protocol: envelope.Protocol,
		Kind:     envelope.KindChat,
		From:     "B",
		Payload:  json.RawMessage(`{"text":"forged"}`),
	}
	data, err := env.Marshal()
	require.NoError(t, err)
	s.HandleFrame("A", data)

	chats := b.byKind(t, envelope.KindChat)
	require.Len(t, chats, 1)
	assert.Equal(t, "A", chats[0].From)
}

func TestCapabilityViolation(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	x := connect(t, s, "X", chatRule())
	tool := connect(t, s, "tool", chatRule())

	send(t, s, "X", envelope.KindMCPRequest,
		envelope.MCPPayload{Method: "tools/list"}, "tool")

	errs := x.byKind(t, envelope.KindSystemError)
	require.Len(t, errs, 1)
	var payload envelope.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.Equal(t, mewerr.ErrCapabilityViolation, payload.Error)
	assert.Equal(t, envelope.KindMCPRequest, payload.AttemptedKind)
	assert.NotEmpty(t, payload.EnvelopeID)

	assert.Empty(t, tool.byKind(t, envelope.KindMCPRequest), "denied envelope must not route")
}

func TestUnicastSkipsUnknownTargets(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())
	c := connect(t, s, "C", chatRule())

	send(t, s, "A", envelope.KindChat, envelope.ChatPayload{Text: "psst"}, "B", "ghost")

	require.Len(t, b.byKind(t, envelope.KindChat), 1)
	assert.Empty(t, c.byKind(t, envelope.KindChat))
	// The sender is not in `to`, chat is not echo-always, and a missing
	// target produces no error.
	assert.Empty(t, a.byKind(t, envelope.KindChat))
	assert.Empty(t, a.byKind(t, envelope.KindSystemError))
}

func TestDuplicateEnvelopeIDRejected(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())

	env := &envelope.Envelope{
		Protocol: envelope.Protocol,
		ID:       "fixed-id",
		Kind:     envelope.KindChat,
		Payload:  json.RawMessage(`{"text":"one"}`),
	}
	data, err := env.Marshal()
	require.NoError(t, err)
	s.HandleFrame("A", data)
	s.HandleFrame("A", data)

	require.Len(t, a.byKind(t, envelope.KindChat), 1)
	errs := a.byKind(t, envelope.KindSystemError)
	require.Len(t, errs, 1)
	var payload envelope.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.Equal(t, mewerr.ErrProtocolError, payload.Error)
}

func TestMalformedJSONReportedToSenderOnly(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())

	s.HandleFrame("A", []byte(`{"protocol":`))

	errs := a.byKind(t, envelope.KindSystemError)
	require.Len(t, errs, 1)
	var payload envelope.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.Equal(t, mewerr.ErrParseError, payload.Error)
	assert.Empty(t, b.byKind(t, envelope.KindSystemError))
}

func openStream(t *testing.T, s *Space, owner string, l *fakeLink) string {
	t.Helper()
	send(t, s, owner, envelope.KindStreamRequest,
		envelope.StreamRequestPayload{Direction: "upload", Description: "test stream", Encoding: "utf-8"})
	opens := l.byKind(t, envelope.KindStreamOpen)
	require.NotEmpty(t, opens)
	var open envelope.StreamOpenPayload
	require.NoError(t, opens[len(opens)-1].DecodePayload(&open))
	require.NotEmpty(t, open.StreamID)
	return open.StreamID
}

func lastErrorKind(t *testing.T, l *fakeLink) string {
	t.Helper()
	errs := l.byKind(t, envelope.KindSystemError)
	require.NotEmpty(t, errs)
	var payload envelope.ErrorPayload
	require.NoError(t, errs[len(errs)-1].DecodePayload(&payload))
	return payload.Error
}

func TestStreamOwnershipProtocol(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	o := connect(t, s, "O", streamRule())
	w := connect(t, s, "W", streamRule())

	streamID := openStream(t, s, "O", o)

	frame := func(payload string) []byte {
		data, err := envelope.EncodeFrame(streamID, []byte(payload))
		require.NoError(t, err)
		return data
	}

	// Owner writes: delivered to W.
	s.HandleFrame("O", frame("f1"))
	require.Len(t, w.streamFrames(), 1)

	// Non-writer writes: rejected, nothing delivered to O.
	s.HandleFrame("W", frame("f2"))
	assert.Equal(t, mewerr.ErrUnauthorizedStreamWrite, lastErrorKind(t, w))
	assert.Empty(t, o.streamFrames())

	// Owner grants write to W.
	send(t, s, "O", envelope.KindStreamGrantWrite,
		envelope.StreamWritePayload{StreamID: streamID, ParticipantID: "W", Reason: "pairing"})
	acks := o.byKind(t, envelope.KindStreamWriteGranted)
	require.Len(t, acks, 1)
	var ack envelope.StreamWriteAckPayload
	require.NoError(t, acks[0].DecodePayload(&ack))
	assert.Equal(t, "O", ack.Owner)
	assert.ElementsMatch(t, []string{"O", "W"}, ack.AuthorizedWriters)

	s.HandleFrame("W", frame("f3"))
	require.Len(t, o.streamFrames(), 1)

	// Non-owner control attempt.
	send(t, s, "W", envelope.KindStreamTransferOwnership,
		envelope.StreamTransferPayload{StreamID: streamID, NewOwner: "W"})
	assert.Equal(t, mewerr.ErrNotStreamOwner, lastErrorKind(t, w))

	// Transfer resets the writer set to the new owner.
	send(t, s, "O", envelope.KindStreamTransferOwnership,
		envelope.StreamTransferPayload{StreamID: streamID, NewOwner: "W"})
	transfers := w.byKind(t, envelope.KindStreamOwnershipTransferred)
	require.Len(t, transfers, 1)
	var transferred envelope.StreamTransferredPayload
	require.NoError(t, transfers[0].DecodePayload(&transferred))
	assert.Equal(t, "O", transferred.PreviousOwner)
	assert.Equal(t, "W", transferred.NewOwner)
	assert.Equal(t, []string{"W"}, transferred.AuthorizedWriters)

	// Previous owner lost write access.
	s.HandleFrame("O", frame("f4"))
	assert.Equal(t, mewerr.ErrUnauthorizedStreamWrite, lastErrorKind(t, o))

	s.HandleFrame("W", frame("f5"))
	require.Len(t, o.streamFrames(), 2)

	// The new owner may close; closed is absorbing.
	send(t, s, "W", envelope.KindStreamClose,
		envelope.StreamClosePayload{StreamID: streamID})
	require.NotEmpty(t, o.byKind(t, envelope.KindStreamClose))

	s.HandleFrame("W", frame("f6"))
	assert.Equal(t, mewerr.ErrStreamClosed, lastErrorKind(t, w))
}

func TestStreamFrameForUnknownStream(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())

	frame, err := envelope.EncodeFrame("no-such-stream", []byte("x"))
	require.NoError(t, err)
	s.HandleFrame("A", frame)

	assert.Equal(t, mewerr.ErrUnknownStream, lastErrorKind(t, a))
}

func TestCapabilityGrantLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	granter := capability.Rule{Kind: "capability/*"}
	connect(t, s, "G", granter, chatRule())
	h := connect(t, s, "H", chatRule())
	tool := connect(t, s, "tool", chatRule())

	// H cannot send mcp/request yet.
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"}, "tool")
	assert.Equal(t, mewerr.ErrCapabilityViolation, lastErrorKind(t, h))

	grant := capability.Rule{Kind: "mcp/request", Payload: map[string]any{"method": "tools/*"}}
	send(t, s, "G", envelope.KindCapabilityGrant, envelope.CapabilityGrantPayload{
		Recipient:    "H",
		Capabilities: capability.RawRules([]capability.Rule{grant}),
	})

	acks := h.byKind(t, envelope.KindCapabilityGrantAck)
	require.Len(t, acks, 1)
	var ack envelope.CapabilityGrantAckPayload
	require.NoError(t, acks[0].DecodePayload(&ack))
	assert.Equal(t, "G", ack.Granter)
	assert.Equal(t, "granted", ack.Event)

	// Grant takes effect after the ack.
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"}, "tool")
	require.Len(t, tool.byKind(t, envelope.KindMCPRequest), 1)

	// But only for the granted method pattern.
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "resources/list"}, "tool")
	assert.Equal(t, mewerr.ErrCapabilityViolation, lastErrorKind(t, h))

	// Revoke by structural equality.
	send(t, s, "G", envelope.KindCapabilityRevoke, envelope.CapabilityGrantPayload{
		Recipient:    "H",
		Capabilities: capability.RawRules([]capability.Rule{grant}),
	})
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"}, "tool")
	assert.Equal(t, mewerr.ErrCapabilityViolation, lastErrorKind(t, h))
	require.Len(t, tool.byKind(t, envelope.KindMCPRequest), 1)
}

func TestDisconnectCleanup(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	granter := capability.Rule{Kind: "capability/*"}
	g := connect(t, s, "G", granter, streamRule(), chatRule())
	h := connect(t, s, "H", chatRule())
	tool := connect(t, s, "tool", chatRule())

	streamID := openStream(t, s, "G", g)

	grant := capability.Rule{Kind: "mcp/*"}
	send(t, s, "G", envelope.KindCapabilityGrant, envelope.CapabilityGrantPayload{
		Recipient:    "G",
		Capabilities: capability.RawRules([]capability.Rule{grant}),
	})
	send(t, s, "G", envelope.KindCapabilityGrant, envelope.CapabilityGrantPayload{
		Recipient:    "H",
		Capabilities: capability.RawRules([]capability.Rule{grant}),
	})
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "ping"}, "tool")
	require.Len(t, tool.byKind(t, envelope.KindMCPRequest), 1)

	s.Disconnect("G", nil)

	// Presence leave broadcast.
	var leave *envelope.PresencePayload
	for _, env := range h.byKind(t, envelope.KindSystemPresence) {
		var p envelope.PresencePayload
		require.NoError(t, env.DecodePayload(&p))
		if p.Event == envelope.PresenceLeave {
			leave = &p
		}
	}
	require.NotNil(t, leave)
	assert.Equal(t, "G", leave.ID)

	// G's stream collapsed.
	var closedStream bool
	for _, env := range h.byKind(t, envelope.KindStreamClose) {
		var p envelope.StreamClosePayload
		require.NoError(t, env.DecodePayload(&p))
		if p.StreamID == streamID {
			closedStream = true
		}
	}
	assert.True(t, closedStream)

	// H's granted capabilities reverted to base.
	send(t, s, "H", envelope.KindMCPRequest, envelope.MCPPayload{Method: "ping"}, "tool")
	assert.Equal(t, mewerr.ErrCapabilityViolation, lastErrorKind(t, h))
	require.Len(t, tool.byKind(t, envelope.KindMCPRequest), 1)
}

func TestGrantsClearWhenRecipientDisconnects(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	connect(t, s, "G", capability.Rule{Kind: "capability/*"}, chatRule())
	connect(t, s, "H", chatRule())
	connect(t, s, "tool", chatRule())

	send(t, s, "G", envelope.KindCapabilityGrant, envelope.CapabilityGrantPayload{
		Recipient:    "H",
		Capabilities: capability.RawRules([]capability.Rule{{Kind: "mcp/*"}}),
	})

	s.Disconnect("H", nil)

	// The roster reports H's base rules only.
	var found bool
	for _, p := range s.ParticipantList() {
		if p.ID != "H" {
			continue
		}
		found = true
		require.Len(t, p.Capabilities, 1)
		assert.Equal(t, "chat", p.Capabilities[0].Kind)
	}
	require.True(t, found)

	// A detached injection cannot ride the dead grant either.
	env := &envelope.Envelope{
		Protocol: envelope.Protocol,
		Kind:     envelope.KindMCPRequest,
		To:       []string{"tool"},
		Payload:  json.RawMessage(`{"method":"tools/list"}`),
	}
	raw, err := env.Marshal()
	require.NoError(t, err)
	_, err = s.Inject("H", raw)
	require.Error(t, err)
	assert.True(t, mewerr.IsCapabilityViolation(err))
}

func TestWelcomeRosterAndReplacePolicy(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	old := connect(t, s, "A", chatRule())
	connect(t, s, "B", chatRule())

	welcome := old.byKind(t, envelope.KindSystemWelcome)
	require.Len(t, welcome, 1)
	var wp envelope.WelcomePayload
	require.NoError(t, welcome[0].DecodePayload(&wp))
	assert.Equal(t, "A", wp.You.ID)
	require.Len(t, wp.You.Capabilities, 1)

	// A reconnects: the old link is told and closed, the new one gets a
	// welcome with the same identity and rules.
	replacement := connect(t, s, "A", chatRule())
	assert.True(t, old.isClosed())
	assert.Equal(t, mewerr.ErrConflict, lastErrorKind(t, old))

	welcome = replacement.byKind(t, envelope.KindSystemWelcome)
	require.Len(t, welcome, 1)
	require.NoError(t, welcome[0].DecodePayload(&wp))
	assert.Equal(t, "A", wp.You.ID)
	require.Len(t, wp.You.Capabilities, 1)
}

func TestShutdownNotifiesEveryone(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	a := connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())

	s.Shutdown()

	for _, l := range []*fakeLink{a, b} {
		assert.Equal(t, mewerr.ErrShuttingDown, lastErrorKind(t, l))
		assert.True(t, l.isClosed())
	}

	// New connections are refused while shutting down.
	err := s.Connect("C", []capability.Rule{chatRule()}, &fakeLink{})
	assert.Error(t, err)
}

func TestPerSenderOrderingPreserved(t *testing.T) {
	t.Parallel()

	s := newTestSpace()
	connect(t, s, "A", chatRule())
	b := connect(t, s, "B", chatRule())

	for _, text := range []string{"one", "two", "three"} {
		send(t, s, "A", envelope.KindChat, envelope.ChatPayload{Text: text})
	}

	chats := b.byKind(t, envelope.KindChat)
	require.Len(t, chats, 3)
	var got []string
	for _, env := range chats {
		var p envelope.ChatPayload
		require.NoError(t, env.DecodePayload(&p))
		got = append(got, p.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}
