package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

// maxLineSize bounds a single JSON-RPC line from the subprocess.
const maxLineSize = 16 * 1024 * 1024

// rpcMessage is one line-delimited JSON-RPC message on the stdio transport.
type rpcMessage struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      *int64             `json:"id,omitempty"`
	Method  string             `json:"method,omitempty"`
	Params  json.RawMessage    `json:"params,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *envelope.MCPError `json:"error,omitempty"`
}

func (m *rpcMessage) isNotification() bool {
	return m.Method != "" && m.ID == nil
}

// notifyFunc observes server-initiated notifications.
type notifyFunc func(method string, params json.RawMessage)

// codec correlates JSON-RPC calls with responses over a line-delimited
// stdio pair. Bridge-local ids never leak onto the wire envelopes.
type codec struct {
	w       io.Writer
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcMessage
	closed  bool

	onNotify notifyFunc
}

func newCodec(w io.Writer, onNotify notifyFunc) *codec {
	return &codec{
		w:        w,
		pending:  make(map[int64]chan *rpcMessage),
		onNotify: onNotify,
	}
}

// call sends a request and blocks for the matching response. The context
// bounds the wait; expiry leaves a stale pending slot that readLoop teardown
// or a late response cleans up.
func (c *codec) call(ctx context.Context, method string, params json.RawMessage) (*rpcMessage, error) {
	ch := make(chan *rpcMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mewerr.NewDisconnectedError("mcp server is gone", nil)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(&rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, mewerr.NewDisconnectedError("mcp server exited mid-request", nil)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, mewerr.NewTimeoutError("mcp server did not answer "+method, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// notify sends a request without an id; no response is expected.
func (c *codec) notify(method string, params json.RawMessage) error {
	return c.write(&rpcMessage{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *codec) write(m *rpcMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal jsonrpc message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return mewerr.NewDisconnectedError("failed to write to mcp server", err)
	}
	return nil
}

func (c *codec) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop consumes the subprocess's stdout until EOF, resolving pending
// calls and relaying notifications. On return every pending call fails.
func (c *codec) readLoop(r io.Reader) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[int64]chan *rpcMessage)
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m rpcMessage
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}

		if m.isNotification() {
			if c.onNotify != nil {
				c.onNotify(m.Method, m.Params)
			}
			continue
		}
		if m.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*m.ID]
		delete(c.pending, *m.ID)
		c.mu.Unlock()
		if ok {
			ch <- &m
			close(ch)
		}
	}
}
