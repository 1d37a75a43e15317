// Package client implements the participant runtime: a websocket client that
// joins a space, correlates requests with responses, serves registered MCP
// tools, relays proposals, and reads and writes binary streams.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

// DefaultRequestTimeout bounds a pending request when the caller's context
// carries no deadline of its own.
const DefaultRequestTimeout = 30 * time.Second

const handshakeTimeout = 10 * time.Second

// Options configures a participant connection.
type Options struct {
	// URL is the gateway websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Space names the space to join.
	Space string

	// Token is the bearer token identifying this participant.
	Token string

	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

// Client is one participant's connection to a space. All exported methods are
// safe for concurrent use once Connect has returned.
type Client struct {
	opts Options

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	id        string
	welcome   *envelope.WelcomePayload
	pending   map[string]chan *envelope.Envelope
	handlers  map[string][]Handler
	frameSubs map[string][]FrameHandler
	tools     map[string]*registeredTool
	toolOrder []string
	peerTools map[string][]ToolDescriptor
	delegate  MCPDelegate
	closed    bool

	done chan struct{}
}

// New builds a client; Connect establishes the session.
func New(opts Options) *Client {
	return &Client{
		opts:      opts,
		pending:   make(map[string]chan *envelope.Envelope),
		handlers:  make(map[string][]Handler),
		frameSubs: make(map[string][]FrameHandler),
		tools:     make(map[string]*registeredTool),
		peerTools: make(map[string][]ToolDescriptor),
		done:      make(chan struct{}),
	}
}

// ID returns the participant id the gateway assigned in the welcome.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Welcome returns the welcome payload received on connect.
func (c *Client) Welcome() *envelope.WelcomePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Connect dials the gateway, authenticates, waits for the welcome, and
// starts the read loop. The context bounds the handshake only.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	url := c.opts.URL + "?space=" + c.opts.Space
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return mewerr.NewUnauthorizedError(fmt.Sprintf("gateway refused connection: %s", resp.Status), err)
		}
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	c.ws = ws

	// The first envelope on a fresh session is the welcome.
	welcome, err := c.awaitWelcome(ctx)
	if err != nil {
		_ = ws.Close()
		return err
	}

	c.mu.Lock()
	c.id = welcome.You.ID
	c.welcome = welcome
	c.mu.Unlock()

	go c.readLoop()
	c.emit(EventWelcome, envelope.New(envelope.KindSystemWelcome, welcome))
	logger.Infow("joined space", "space", c.opts.Space, "participant", welcome.You.ID)
	return nil
}

func (c *Client) awaitWelcome(ctx context.Context) (*envelope.WelcomePayload, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{}) //nolint:errcheck

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("connection closed before welcome: %w", err)
		}
		if envelope.IsStreamFrame(data) {
			continue
		}
		env, err := envelope.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("malformed envelope before welcome: %w", err)
		}
		if env.Kind != envelope.KindSystemWelcome {
			continue
		}
		var welcome envelope.WelcomePayload
		if err := env.DecodePayload(&welcome); err != nil {
			return nil, fmt.Errorf("malformed welcome payload: %w", err)
		}
		return &welcome, nil
	}
}

// Close tears the connection down and fails every pending request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// Send stamps and transmits an envelope, returning the id the gateway will
// know it by.
func (c *Client) Send(env *envelope.Envelope) (string, error) {
	if env.Protocol == "" {
		env.Protocol = envelope.Protocol
	}
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}
	if err := c.writeFrame(websocket.TextMessage, data); err != nil {
		return "", err
	}
	return env.ID, nil
}

// SendChat sends a chat message, broadcast unless targets are named.
func (c *Client) SendChat(text string, to ...string) (string, error) {
	env := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: text, Format: "plain"})
	env.To = to
	return c.Send(env)
}

func (c *Client) writeFrame(messageType int, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return mewerr.NewDisconnectedError("connection is closed", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return mewerr.NewDisconnectedError("failed to write to gateway", err)
	}
	return nil
}

// readLoop dispatches inbound traffic until the connection dies, then fails
// every pending request and emits the disconnected event.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]chan *envelope.Envelope)
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		c.emit(EventDisconnected, nil)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		if envelope.IsStreamFrame(data) {
			streamID, payload, err := envelope.ParseFrame(data)
			if err != nil {
				logger.Debugw("dropping malformed stream frame", "error", err)
				continue
			}
			c.dispatchFrame(streamID, payload)
			continue
		}

		env, err := envelope.Parse(data)
		if err != nil {
			logger.Debugw("dropping malformed envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *envelope.Envelope) {
	if c.resolvePending(env) {
		return
	}

	switch env.Kind {
	case envelope.KindMCPRequest:
		if env.AddressedTo(c.ID()) {
			c.serveMCP(env)
		}
	case envelope.KindSystemPresence:
		c.handlePresence(env)
	case envelope.KindSystemError:
		c.emit(EventError, env)
	}

	c.emit(env.Kind, env)
	c.emit(EventMessage, env)
}

// resolvePending completes a pending request when the envelope correlates to
// one and is a terminal answer for it.
func (c *Client) resolvePending(env *envelope.Envelope) bool {
	switch env.Kind {
	case envelope.KindMCPResponse, envelope.KindMCPReject,
		envelope.KindStreamOpen, envelope.KindSystemError:
	default:
		return false
	}

	c.mu.Lock()
	var ch chan *envelope.Envelope
	for _, cid := range env.CorrelationID {
		if waiting, ok := c.pending[cid]; ok {
			ch = waiting
			delete(c.pending, cid)
			break
		}
	}
	c.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- env
	close(ch)
	// Errors and rejections are still surfaced to observers.
	return env.Kind == envelope.KindMCPResponse || env.Kind == envelope.KindStreamOpen
}

func (c *Client) handlePresence(env *envelope.Envelope) {
	var p envelope.PresencePayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}

	c.mu.Lock()
	// The roster changed; cached peer tool listings may be stale.
	delete(c.peerTools, p.ID)
	c.mu.Unlock()

	switch p.Event {
	case envelope.PresenceJoin:
		c.emit(EventPeerJoined, env)
	case envelope.PresenceLeave:
		c.emit(EventPeerLeft, env)
	}
}

// sendAndWait registers a pending slot before transmitting, so an answer
// racing the send cannot slip past, then blocks until the correlated answer,
// the timeout, or disconnection.
func (c *Client) sendAndWait(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.ID == "" {
		env.ID = envelope.NewID()
	}

	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mewerr.NewDisconnectedError("connection is closed", nil)
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if _, err := c.Send(env); err != nil {
		c.forget(env.ID)
		return nil, err
	}

	timeout := c.opts.requestTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer, ok := <-ch:
		if !ok {
			return nil, mewerr.NewDisconnectedError("disconnected while waiting for response", nil)
		}
		return answer, nil
	case <-timer.C:
		c.forget(env.ID)
		return nil, mewerr.NewTimeoutError(fmt.Sprintf("no response within %s", timeout), nil)
	case <-ctx.Done():
		c.forget(env.ID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, mewerr.NewDisconnectedError("disconnected while waiting for response", nil)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
