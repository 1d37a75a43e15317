// Package bridge adapts a stdio MCP server into a space participant: it
// joins through the participant runtime, relays mcp/request envelopes to the
// subprocess as JSON-RPC calls, surfaces subprocess notifications as
// system/log envelopes, and restarts the subprocess with backoff when it
// exits.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mew-protocol/mew/pkg/client"
	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

// DefaultRequestTimeout bounds one relayed MCP call.
const DefaultRequestTimeout = 30 * time.Second

const defaultMaxRestarts = 3

// codeTimeout is the JSON-RPC error code reported when the subprocess does
// not answer within the request timeout.
const codeTimeout = -32001

// Options configures a bridge.
type Options struct {
	// Command, Args and Env describe the MCP server subprocess.
	Command string
	Args    []string
	Env     []string

	// Client configures the space connection the bridge joins through.
	Client client.Options

	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration

	// MaxRestarts caps subprocess restart attempts; zero means the default.
	MaxRestarts uint
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (o Options) maxRestarts() uint {
	if o.MaxRestarts > 0 {
		return o.MaxRestarts
	}
	return defaultMaxRestarts
}

// Bridge runs one MCP server subprocess as a participant.
type Bridge struct {
	opts Options
	cli  *client.Client

	mu   sync.Mutex
	proc *process
}

// New builds a bridge; Run starts it.
func New(opts Options) *Bridge {
	return &Bridge{
		opts: opts,
		cli:  client.New(opts.Client),
	}
}

// Run joins the space, starts the subprocess, performs the MCP handshake,
// and blocks until the context is canceled. A subprocess death is announced
// and retried; once restarts are exhausted the bridge stays in the space with
// the server down rather than disappearing.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.cli.Connect(ctx); err != nil {
		return err
	}
	defer b.cli.Close() //nolint:errcheck

	b.cli.SetMCPDelegate(b.relay)

	if err := b.startAndInitialize(ctx); err != nil {
		return err
	}

	for {
		b.mu.Lock()
		proc := b.proc
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			proc.stop()
			return nil
		case err := <-proc.exited:
			logger.Errorw("mcp server exited", "command", b.opts.Command, "error", err)
			b.announceExit(err)
			if restartErr := b.restartWithBackoff(ctx); restartErr != nil {
				// Out of restarts. The subprocess stays down, but the space
				// connection stays up so peers keep seeing the failure state
				// instead of a silent departure.
				logger.Errorw("mcp server could not be restarted",
					"command", b.opts.Command, "error", restartErr)
				b.announceExit(restartErr)
				<-ctx.Done()
				return nil
			}
		}
	}
}

func (b *Bridge) startAndInitialize(ctx context.Context) error {
	proc, err := startProcess(b.opts.Command, b.opts.Args, b.opts.Env, b.forwardNotification)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.proc = proc
	b.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, b.opts.requestTimeout())
	defer cancel()

	tools, err := initializeSession(initCtx, proc.codec)
	if err != nil {
		proc.stop()
		return err
	}

	logger.Infow("mcp server initialized", "command", b.opts.Command, "tools", tools)
	return nil
}

// initializeSession performs the MCP handshake and fetches the server's tool
// inventory. The tools/list round trip doubles as a liveness check before the
// bridge starts relaying peer traffic.
func initializeSession(ctx context.Context, c *codec) ([]string, error) {
	initParams, err := json.Marshal(map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "mew-bridge"},
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "initialize", initParams)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, mewerr.NewError(mewerr.ErrProtocolError, "initialize failed: "+resp.Error.Message, nil)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, err
	}

	listResp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if listResp.Error != nil {
		return nil, mewerr.NewError(mewerr.ErrProtocolError, "tools/list failed: "+listResp.Error.Message, nil)
	}
	var listing struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &listing); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}
	names := make([]string, 0, len(listing.Tools))
	for _, tool := range listing.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

func (b *Bridge) restartWithBackoff(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.startAndInitialize(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(b.opts.maxRestarts()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnw("mcp server restart failed, retrying", "error", err, "wait", wait)
		}),
	)
	return err
}

// relay forwards one inbound mcp/request to the subprocess and sends the
// response back on the wire, preserving the peer's JSON-RPC id. It runs off
// the read loop so slow tools do not stall other traffic.
func (b *Bridge) relay(env *envelope.Envelope, req *envelope.MCPPayload) {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil {
		return
	}

	if strings.HasPrefix(req.Method, "notifications/") {
		if err := proc.codec.notify(req.Method, req.Params); err != nil {
			logger.Debugw("failed to forward notification", "method", req.Method, "error", err)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.requestTimeout())
		defer cancel()

		payload := envelope.MCPPayload{JSONRPC: "2.0", ID: req.ID}
		resp, err := proc.codec.call(ctx, req.Method, req.Params)
		switch {
		case mewerr.IsTimeout(err):
			payload.Error = &envelope.MCPError{Code: codeTimeout, Message: "request timed out"}
		case err != nil:
			payload.Error = &envelope.MCPError{Code: -32603, Message: err.Error()}
		case resp.Error != nil:
			payload.Error = resp.Error
		default:
			payload.Result = resp.Result
		}

		answer := envelope.New(envelope.KindMCPResponse, payload)
		answer.To = []string{env.From}
		answer.CorrelationID = []string{env.ID}
		if _, err := b.cli.Send(answer); err != nil {
			logger.Debugw("failed to send mcp/response", "error", err)
		}
	}()
}

// subprocessExitNotice builds the wire-visible error broadcast when the MCP
// server process dies.
func subprocessExitNotice(command string, cause error) *envelope.Envelope {
	payload := &envelope.ErrorPayload{
		Error:   mewerr.ErrMCPSubprocessExited,
		Message: command + " exited",
	}
	if cause != nil {
		payload.Message = fmt.Sprintf("%s exited: %v", command, cause)
	}
	return envelope.New(envelope.KindSystemError, payload)
}

func (b *Bridge) announceExit(cause error) {
	if _, err := b.cli.Send(subprocessExitNotice(b.opts.Command, cause)); err != nil {
		logger.Debugw("failed to announce subprocess exit", "error", err)
	}
}

// forwardNotification surfaces a subprocess notification as a system/log
// envelope so space members can observe server-side events.
func (b *Bridge) forwardNotification(method string, params json.RawMessage) {
	env := envelope.New(envelope.KindSystemLog, envelope.LogPayload{
		Level:   "info",
		Message: method,
		Data:    params,
	})
	if _, err := b.cli.Send(env); err != nil {
		logger.Debugw("failed to forward notification", "method", method, "error", err)
	}
}
