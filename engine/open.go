package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/txbuilder"
	"github.com/bchlabs/paychan/walletport"
	"github.com/bchlabs/paychan/wireproto"
)

// OpenChannel implements §4.J's openChannel: negotiate a new 2-of-2
// channel with peerID, fund it from the wallet port, and return the
// resulting Channel once the responder has answered FundingCreated with
// FundingSigned. No commitment signature is exchanged at open; the first
// signed commitment is built by the first payment. remotePk is the counterparty's
// long-term pubkey, used only to derive this channel's per-channel keys
// via signer.Signer — it never appears in the funding script itself.
func (e *Engine) OpenChannel(ctx context.Context, peerID string, remotePk []byte, capacity int64, lifetime time.Duration) (*channel.Channel, error) {
	if capacity < e.cfg.MinCapacity || capacity > e.cfg.MaxCapacity {
		return nil, fmt.Errorf("engine: capacity %d outside accepted range [%d, %d]", capacity, e.cfg.MinCapacity, e.cfg.MaxCapacity)
	}

	id := uuid.New()
	localPub, err := e.secret.ChannelPubKey(id.String(), remotePk)
	if err != nil {
		return nil, fmt.Errorf("engine: derive opener channel key: %w", err)
	}

	candidates, err := e.wallet.ListUtxos()
	if err != nil {
		return nil, fmt.Errorf("engine: list utxos: %w", err)
	}
	picked, total, err := walletport.SelectUtxos(candidates, capacity)
	if err != nil {
		return nil, fmt.Errorf("engine: fund channel: %w", err)
	}

	addr, err := walletport.PayoutScript(localPub, e.cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("engine: derive opener payout script: %w", err)
	}
	lockTime := uint32(time.Now().Add(lifetime).Unix())

	openReq, err := wireproto.NewEnvelope(wireproto.KindOpenReq, id.String(), 0, wireproto.OpenReqPayload{
		Capacity:      capacity,
		PkInitiator:   localPub,
		AddrInitiator: addr,
		LockTime:      lockTime,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build OpenReq: %w", err)
	}

	resp, err := e.awaitResponse(ctx, peerID, openReq, false)
	if err != nil {
		return nil, fmt.Errorf("engine: OpenReq to %s: %w", peerID, err)
	}
	if resp.Kind == wireproto.KindOpenReject {
		var reject wireproto.OpenRejectPayload
		_ = resp.Decode(&reject)
		return nil, fmt.Errorf("engine: %s rejected OpenReq: %s", peerID, reject.Reason)
	}
	if resp.Kind != wireproto.KindOpenAccept {
		return nil, fmt.Errorf("engine: unexpected response kind %s to OpenReq", resp.Kind)
	}
	var accept wireproto.OpenAcceptPayload
	if err := resp.Decode(&accept); err != nil {
		return nil, fmt.Errorf("engine: decode OpenAccept: %w", err)
	}

	c := channel.CreateOpener(id, e.localPeerID, peerID, localPub, accept.PkResponder, addr, accept.AddrResponder, capacity, lockTime)
	m := channel.New(c, e.store, e.secret.ForChannel(remotePk), channel.Config{FeePerByte: e.cfg.FeePerByte})

	var inputs []txbuilder.FundingInput
	for _, u := range picked {
		inputs = append(inputs, walletport.AsFundingInput(u))
	}
	var change int64 = total - capacity
	tx, multisigVout, err := txbuilder.BuildFunding(txbuilder.FundingParams{
		Inputs:       inputs,
		PkFirst:      localPub,
		PkSecond:     accept.PkResponder,
		Capacity:     capacity,
		ChangeScript: addr,
		ChangeAmount: change,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build funding transaction: %w", err)
	}
	for i, u := range picked {
		sig, err := e.wallet.SignP2PKH(u, tx, i)
		if err != nil {
			return nil, fmt.Errorf("engine: sign funding input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sig
	}

	if err := e.wallet.PublishTransaction(tx); err != nil {
		return nil, fmt.Errorf("engine: publish funding transaction: %w", err)
	}

	txid := tx.TxHash()
	if err := m.SetFunding(txid, multisigVout); err != nil {
		return nil, err
	}

	fundingCreated, _ := wireproto.NewEnvelope(wireproto.KindFundingCreated, id.String(), 0, wireproto.FundingCreatedPayload{
		FundingTxid: txid.String(),
		FundingVout: multisigVout,
	})
	signedResp, err := e.awaitResponse(ctx, peerID, fundingCreated, false)
	if err != nil {
		return nil, fmt.Errorf("engine: FundingCreated to %s: %w", peerID, err)
	}
	if signedResp.Kind != wireproto.KindFundingSigned {
		return nil, fmt.Errorf("engine: unexpected response kind %s to FundingCreated", signedResp.Kind)
	}
	// FundingSigned carries no signature to record: the channel's first
	// real commitment is only built by the first SendPay/RecvPay, per I3's
	// zero-balance "Sequence 0, no signatures" state. Its arrival is the
	// responder's acknowledgment that it has itself called SetFunding and
	// moved to Open, so it is safe for us to do the same.

	if err := m.ConfirmOpen(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.machines[id] = m
	e.mu.Unlock()

	e.events.emitOpened(ChannelOpened{ChannelID: id, Peer: peerID, Capacity: capacity})

	result := m.Snapshot()
	return &result, nil
}
