package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bchlabs/paychan/wireproto"
)

// CloseChannel implements §4.J's closeChannel: the cooperative path. It
// builds the settlement transaction at the channel's current balances,
// exchanges CLOSE_REQ/CLOSE_ACCEPT with the counterparty, and broadcasts
// the fully signed settlement once both signatures are in hand. A
// counterparty that never responds is the forceclose package's problem,
// not this method's — callers past PeerTimeout should drive forceclose.Close
// instead of retrying CloseChannel.
func (e *Engine) CloseChannel(ctx context.Context, channelID uuid.UUID) (string, error) {
	m, err := e.machine(channelID)
	if err != nil {
		return "", err
	}

	var txid string
	err = e.withChannelLock(channelID, func() error {
		tx, sig, err := m.Close()
		if err != nil {
			return err
		}

		snap := m.Snapshot()
		peer := snap.Responder
		if !snap.IsInitiator {
			peer = snap.Opener
		}

		req, err := wireproto.NewEnvelope(wireproto.KindCloseReq, channelID.String(), 0, wireproto.CloseReqPayload{
			Signature: sig,
		})
		if err != nil {
			return fmt.Errorf("engine: build CloseReq: %w", err)
		}

		resp, err := e.awaitResponse(ctx, peer, req, false)
		if err != nil {
			return fmt.Errorf("engine: CloseReq to %s: %w", peer, err)
		}
		if resp.Kind == wireproto.KindError {
			var reject wireproto.ErrorPayload
			_ = resp.Decode(&reject)
			return fmt.Errorf("engine: %s refused close: %s", peer, reject.Detail)
		}
		if resp.Kind != wireproto.KindCloseAccept {
			return fmt.Errorf("engine: unexpected response kind %s to CloseReq", resp.Kind)
		}
		var accept wireproto.CloseAcceptPayload
		if err := resp.Decode(&accept); err != nil {
			return fmt.Errorf("engine: decode CloseAccept: %w", err)
		}

		finalTx, err := m.AcceptSettlement(tx, sig, accept.Signature)
		if err != nil {
			return err
		}

		hash, err := e.oracle.Broadcast(ctx, finalTx)
		if err != nil {
			return fmt.Errorf("engine: broadcast settlement for %s: %w", channelID, err)
		}
		txid = hash.String()

		complete, err := wireproto.NewEnvelope(wireproto.KindCloseComplete, channelID.String(), 0, wireproto.CloseCompletePayload{
			Txid: txid,
		})
		if err == nil {
			_ = e.transport.Send(ctx, peer, complete)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.OnClose(channelID, txid)
	return txid, nil
}
