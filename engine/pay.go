package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bchlabs/paychan/wireproto"
)

// PaymentReceipt is what Pay returns once the counterparty has
// countersigned the new commitment at the returned Sequence.
type PaymentReceipt struct {
	ChannelID    uuid.UUID
	Sequence     uint64
	BalInitiator int64
	BalResponder int64
}

// Pay implements §4.J's pay: move amount off our balance on channelID,
// exchanging UPDATE_REQ/UPDATE_ACK with the counterparty under the
// channel's per-channel lock, per §5.
func (e *Engine) Pay(ctx context.Context, channelID uuid.UUID, amount int64) (PaymentReceipt, error) {
	m, err := e.machine(channelID)
	if err != nil {
		return PaymentReceipt{}, err
	}

	var receipt PaymentReceipt
	err = e.withChannelLock(channelID, func() error {
		update, err := m.SendPay(amount)
		if err != nil {
			return err
		}

		snap := m.Snapshot()
		peer := snap.Responder
		if !snap.IsInitiator {
			peer = snap.Opener
		}

		req, err := wireproto.NewEnvelope(wireproto.KindUpdateReq, channelID.String(), update.Sequence, wireproto.UpdateReqPayload{
			BalInitiator: update.BalInitiator,
			BalResponder: update.BalResponder,
			Signature:    update.Signature,
		})
		if err != nil {
			return fmt.Errorf("engine: build UpdateReq: %w", err)
		}

		resp, err := e.awaitResponse(ctx, peer, req, true)
		if err != nil {
			return fmt.Errorf("engine: UpdateReq to %s: %w", peer, err)
		}
		if resp.Kind == wireproto.KindUpdateReject {
			var reject wireproto.UpdateRejectPayload
			_ = resp.Decode(&reject)
			return fmt.Errorf("engine: %s rejected payment: %s", peer, reject.Reason)
		}
		if resp.Kind != wireproto.KindUpdateAck {
			return fmt.Errorf("engine: unexpected response kind %s to UpdateReq", resp.Kind)
		}
		var ack wireproto.UpdateAckPayload
		if err := resp.Decode(&ack); err != nil {
			return fmt.Errorf("engine: decode UpdateAck: %w", err)
		}
		if err := m.RecvAck(update.Sequence, ack.Signature); err != nil {
			return err
		}

		receipt = PaymentReceipt{
			ChannelID:    channelID,
			Sequence:     update.Sequence,
			BalInitiator: update.BalInitiator,
			BalResponder: update.BalResponder,
		}
		return nil
	})
	if err != nil {
		return PaymentReceipt{}, err
	}

	e.OnUpdate(channelID, receipt.Sequence, receipt.BalInitiator, receipt.BalResponder)
	return receipt, nil
}
