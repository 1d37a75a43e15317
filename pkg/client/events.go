package client

import "github.com/mew-protocol/mew/pkg/envelope"

// Handler observes envelopes for one event.
type Handler func(env *envelope.Envelope)

// FrameHandler observes decoded frames for one stream.
type FrameHandler func(streamID string, data []byte)

// Event names that do not map one-to-one onto envelope kinds. Envelope kinds
// themselves (chat, mcp/request, stream/open, ...) are valid event names too.
const (
	// EventWelcome fires once per connection after the welcome arrives.
	EventWelcome = "welcome"

	// EventMessage fires for every inbound envelope, after kind dispatch.
	EventMessage = "message"

	// EventPeerJoined and EventPeerLeft fire on presence changes.
	EventPeerJoined = "peer/joined"
	EventPeerLeft   = "peer/left"

	// EventError fires for every system/error envelope, including ones
	// already handed to a pending request's caller.
	EventError = "error"

	// EventDisconnected fires once when the connection dies; the envelope
	// argument is nil.
	EventDisconnected = "disconnected"
)

// On registers a handler for an event or envelope kind. Handlers run on the
// read loop goroutine and must not block.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStreamData registers a handler for decoded frames of one stream. An
// empty streamID subscribes to every stream.
func (c *Client) OnStreamData(streamID string, h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameSubs[streamID] = append(c.frameSubs[streamID], h)
}

func (c *Client) emit(event string, env *envelope.Envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *Client) dispatchFrame(streamID string, data []byte) {
	c.mu.Lock()
	hs := append([]FrameHandler(nil), c.frameSubs[streamID]...)
	hs = append(hs, c.frameSubs[""]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(streamID, data)
	}
}
