package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

func proposalEnvelope(to, method string, params any) (*envelope.Envelope, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	env := envelope.New(envelope.KindMCPProposal, envelope.MCPPayload{
		Method: method,
		Params: rawParams,
	})
	if to != "" {
		env.To = []string{to}
	}
	return env, nil
}

// Propose publishes an MCP call for someone else to execute. Participants
// without the mcp/request capability use proposals; a peer holding the
// capability fulfills one by sending the real request correlated to the
// proposal's envelope id. Propose returns that id. Leaving `to` empty
// broadcasts the proposal so any capability holder can pick it up.
func (c *Client) Propose(to, method string, params any) (string, error) {
	env, err := proposalEnvelope(to, method, params)
	if err != nil {
		return "", err
	}
	return c.Send(env)
}

// ProposeAndWait publishes a proposal and blocks until a fulfiller relays
// the outcome, someone rejects it, or the timeout fires.
func (c *Client) ProposeAndWait(ctx context.Context, to, method string, params any) (*envelope.MCPPayload, error) {
	env, err := proposalEnvelope(to, method, params)
	if err != nil {
		return nil, err
	}
	answer, err := c.sendAndWait(ctx, env)
	if err != nil {
		return nil, err
	}
	return decodeAnswer(answer)
}

// Fulfill executes a proposal on the proposer's behalf: it sends the real
// mcp/request to the target, correlated to the proposal so observers can
// connect the two, then relays the outcome back to the proposer. When target
// is empty the proposal's own addressing names the executor.
func (c *Client) Fulfill(ctx context.Context, proposal *envelope.Envelope, target string) (*envelope.MCPPayload, error) {
	if proposal.Kind != envelope.KindMCPProposal {
		return nil, mewerr.NewError(mewerr.ErrProtocolError, "not a proposal envelope", nil)
	}
	var payload envelope.MCPPayload
	if err := proposal.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("malformed proposal payload: %w", err)
	}
	if target == "" {
		if len(proposal.To) == 0 {
			return nil, mewerr.NewError(mewerr.ErrUnknownTarget, "proposal names no target", nil)
		}
		target = proposal.To[0]
	}

	env := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{
		JSONRPC: "2.0",
		ID:      nextRPCID(),
		Method:  payload.Method,
		Params:  payload.Params,
	})
	env.To = []string{target}
	env.CorrelationID = []string{proposal.ID}

	answer, err := c.sendAndWait(ctx, env)
	if err != nil {
		return nil, err
	}
	result, err := decodeAnswer(answer)
	if err != nil {
		return nil, err
	}

	// Relay the outcome to the proposer, correlated to the proposal, so
	// ProposeAndWait on the other side completes.
	relay := envelope.New(envelope.KindMCPResponse, *result)
	relay.To = []string{proposal.From}
	relay.CorrelationID = []string{proposal.ID}
	if _, err := c.Send(relay); err != nil {
		return result, err
	}
	return result, nil
}

// Reject declines a request or proposal by its envelope id.
func (c *Client) Reject(targetEnvelopeID, from, reason string) error {
	env := envelope.New(envelope.KindMCPReject, envelope.RejectPayload{Reason: reason})
	env.To = []string{from}
	env.CorrelationID = []string{targetEnvelopeID}
	_, err := c.Send(env)
	return err
}
