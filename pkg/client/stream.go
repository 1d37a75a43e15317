package client

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/mew/pkg/envelope"
)

// RequestStream asks the gateway to allocate a stream and blocks for the
// correlated stream/open. The caller owns the stream and is its only
// authorized writer until it grants others.
func (c *Client) RequestStream(ctx context.Context, direction, description, encoding string, to ...string) (string, error) {
	env := envelope.New(envelope.KindStreamRequest, envelope.StreamRequestPayload{
		Direction:   direction,
		Description: description,
		Encoding:    encoding,
	})
	env.To = to

	answer, err := c.sendAndWait(ctx, env)
	if err != nil {
		return "", err
	}
	if answer.Kind != envelope.KindStreamOpen {
		if _, err := decodeAnswer(answer); err != nil {
			return "", err
		}
	}
	var open envelope.StreamOpenPayload
	if err := answer.DecodePayload(&open); err != nil {
		return "", err
	}
	return open.StreamID, nil
}

// SendStreamFrame publishes one binary frame on a stream this participant
// may write to.
func (c *Client) SendStreamFrame(streamID string, data []byte) error {
	frame, err := envelope.EncodeFrame(streamID, data)
	if err != nil {
		return err
	}
	return c.writeFrame(websocket.BinaryMessage, frame)
}

// CloseStream closes an owned stream. The closed state is absorbing.
func (c *Client) CloseStream(streamID, reason string) error {
	env := envelope.New(envelope.KindStreamClose, envelope.StreamClosePayload{
		StreamID: streamID,
		Reason:   reason,
	})
	_, err := c.Send(env)
	return err
}

// GrantStreamWrite adds a participant to an owned stream's writer set.
func (c *Client) GrantStreamWrite(streamID, participantID, reason string) error {
	env := envelope.New(envelope.KindStreamGrantWrite, envelope.StreamWritePayload{
		StreamID:      streamID,
		ParticipantID: participantID,
		Reason:        reason,
	})
	_, err := c.Send(env)
	return err
}

// RevokeStreamWrite removes a participant from an owned stream's writer set.
// The owner cannot be revoked.
func (c *Client) RevokeStreamWrite(streamID, participantID, reason string) error {
	env := envelope.New(envelope.KindStreamRevokeWrite, envelope.StreamWritePayload{
		StreamID:      streamID,
		ParticipantID: participantID,
		Reason:        reason,
	})
	_, err := c.Send(env)
	return err
}

// TransferStreamOwnership hands an owned stream to a new owner. The writer
// set resets to the new owner alone.
func (c *Client) TransferStreamOwnership(streamID, newOwner, reason string) error {
	env := envelope.New(envelope.KindStreamTransferOwnership, envelope.StreamTransferPayload{
		StreamID: streamID,
		NewOwner: newOwner,
		Reason:   reason,
	})
	_, err := c.Send(env)
	return err
}

// GrantCapabilities extends a peer's capability set for the rest of its
// connection, or until revoked.
func (c *Client) GrantCapabilities(recipient string, capabilities []map[string]any) error {
	return c.sendCapabilityChange(envelope.KindCapabilityGrant, recipient, capabilities)
}

// RevokeCapabilities removes capabilities this participant granted earlier.
func (c *Client) RevokeCapabilities(recipient string, capabilities []map[string]any) error {
	return c.sendCapabilityChange(envelope.KindCapabilityRevoke, recipient, capabilities)
}

func (c *Client) sendCapabilityChange(kind, recipient string, capabilities []map[string]any) error {
	env := envelope.New(kind, map[string]any{
		"recipient":    recipient,
		"capabilities": capabilities,
	})
	_, err := c.Send(env)
	return err
}
