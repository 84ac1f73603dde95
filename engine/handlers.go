package engine

import (
	"context"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/walletport"
	"github.com/bchlabs/paychan/wireproto"
)

// handleEnvelope is the Transport's single inbound dispatcher, installed
// by New. Response kinds are handed to the Correlator so a waiting
// Send-and-Await call picks them up; request kinds drive the responder
// side of the handshake, mirroring the teacher's
// handleOpenChannelMessage/handleChannelUpdateProposalMessage split in
// net.go, generalized from per-stream dispatch to per-Kind dispatch.
func (e *Engine) handleEnvelope(peerID string, env wireproto.Envelope) {
	switch env.Kind {
	case wireproto.KindOpenAccept, wireproto.KindOpenReject,
		wireproto.KindFundingSigned, wireproto.KindChannelReady,
		wireproto.KindUpdateAck, wireproto.KindUpdateReject,
		wireproto.KindCloseAccept,
		wireproto.KindError:
		e.correlator.Resolve(env)

	case wireproto.KindOpenReq:
		e.handleOpenReq(peerID, env)

	case wireproto.KindFundingCreated:
		e.handleFundingCreated(peerID, env)

	case wireproto.KindUpdateReq:
		e.handleUpdateReq(peerID, env)

	case wireproto.KindCloseReq:
		e.handleCloseReq(peerID, env)

	case wireproto.KindCloseComplete:
		e.handleCloseComplete(peerID, env)

	default:
		log.Debugf("engine: no handler for inbound kind %s from %s", env.Kind, peerID)
	}
}

func (e *Engine) handleOpenReq(peerID string, env wireproto.Envelope) {
	var req wireproto.OpenReqPayload
	if err := env.Decode(&req); err != nil {
		log.Errorf("engine: invalid OpenReq from %s: %v", peerID, err)
		return
	}
	id, err := uuid.Parse(env.ChannelID)
	if err != nil {
		log.Errorf("engine: invalid channel id in OpenReq from %s: %v", peerID, err)
		return
	}

	if !e.OnOpenAccept(id, peerID, req.Capacity) {
		reject, _ := wireproto.NewEnvelope(wireproto.KindOpenReject, env.ChannelID, 0,
			wireproto.OpenRejectPayload{Reason: "capacity outside accepted range"})
		_ = e.transport.Send(context.Background(), peerID, reject)
		return
	}

	localPub, err := e.secret.ChannelPubKey(env.ChannelID, req.PkInitiator)
	if err != nil {
		log.Errorf("engine: derive responder channel key for %s: %v", env.ChannelID, err)
		return
	}

	addrResponder, err := walletport.PayoutScript(localPub, e.cfg.ChainParams)
	if err != nil {
		log.Errorf("engine: derive responder payout script for %s: %v", env.ChannelID, err)
		return
	}

	c := channel.CreateResponder(id, peerID, e.localPeerID, req.PkInitiator, localPub,
		req.AddrInitiator, addrResponder, req.Capacity, req.LockTime)
	m := channel.New(c, e.store, e.secret.ForChannel(req.PkInitiator), channel.Config{FeePerByte: e.cfg.FeePerByte})

	e.mu.Lock()
	e.machines[id] = m
	e.mu.Unlock()

	accept, err := wireproto.NewEnvelope(wireproto.KindOpenAccept, env.ChannelID, 0,
		wireproto.OpenAcceptPayload{PkResponder: localPub, AddrResponder: addrResponder})
	if err != nil {
		log.Errorf("engine: build OpenAccept for %s: %v", env.ChannelID, err)
		return
	}
	if err := e.transport.Send(context.Background(), peerID, accept); err != nil {
		log.Errorf("engine: send OpenAccept for %s: %v", env.ChannelID, err)
	}
}

// handleFundingCreated is the responder's side of the funding handshake:
// record the funding outpoint the opener chose, move Pending -> Open (the
// channel's zero-balance commitment needs no signature exchange since its
// first real commitment is only built by the first SendPay/RecvPay, per
// I3's "Sequence 0, no signatures" zero state), and acknowledge with
// FundingSigned so the opener can complete ConfirmOpen on its side too.
func (e *Engine) handleFundingCreated(peerID string, env wireproto.Envelope) {
	var req wireproto.FundingCreatedPayload
	if err := env.Decode(&req); err != nil {
		log.Errorf("engine: invalid FundingCreated from %s: %v", peerID, err)
		return
	}
	id, err := uuid.Parse(env.ChannelID)
	if err != nil {
		log.Errorf("engine: invalid channel id in FundingCreated from %s: %v", peerID, err)
		return
	}
	m, err := e.machine(id)
	if err != nil {
		log.Errorf("engine: FundingCreated for unknown channel %s", env.ChannelID)
		return
	}

	txid, err := chainhash.NewHashFromStr(req.FundingTxid)
	if err != nil {
		log.Errorf("engine: invalid funding txid in FundingCreated for %s: %v", env.ChannelID, err)
		return
	}

	err = e.withChannelLock(id, func() error {
		if err := m.SetFunding(*txid, req.FundingVout); err != nil {
			return err
		}
		return m.ConfirmOpen()
	})
	if err != nil {
		log.Errorf("engine: confirm funding for %s: %v", env.ChannelID, err)
		reject, _ := wireproto.NewEnvelope(wireproto.KindError, env.ChannelID, 0,
			wireproto.ErrorPayload{Reason: "funding-rejected", Detail: err.Error()})
		_ = e.transport.Send(context.Background(), peerID, reject)
		return
	}

	snap := m.Snapshot()
	e.events.emitOpened(ChannelOpened{ChannelID: id, Peer: peerID, Capacity: snap.Capacity})

	signed, err := wireproto.NewEnvelope(wireproto.KindFundingSigned, env.ChannelID, 0, wireproto.FundingSignedPayload{})
	if err != nil {
		log.Errorf("engine: build FundingSigned for %s: %v", env.ChannelID, err)
		return
	}
	if err := e.transport.Send(context.Background(), peerID, signed); err != nil {
		log.Errorf("engine: send FundingSigned for %s: %v", env.ChannelID, err)
	}
}

func (e *Engine) handleUpdateReq(peerID string, env wireproto.Envelope) {
	var req wireproto.UpdateReqPayload
	if err := env.Decode(&req); err != nil {
		log.Errorf("engine: invalid UpdateReq from %s: %v", peerID, err)
		return
	}
	id, err := uuid.Parse(env.ChannelID)
	if err != nil {
		log.Errorf("engine: invalid channel id in UpdateReq from %s: %v", peerID, err)
		return
	}
	m, err := e.machine(id)
	if err != nil {
		log.Errorf("engine: UpdateReq for unknown channel %s", env.ChannelID)
		return
	}

	var ackSig []byte
	err = e.withChannelLock(id, func() error {
		update := channel.Update{
			Sequence:     env.Sequence,
			BalInitiator: req.BalInitiator,
			BalResponder: req.BalResponder,
			Signature:    req.Signature,
		}
		sig, err := m.RecvPay(update)
		if err != nil {
			return err
		}
		ackSig = sig
		return nil
	})
	if err != nil {
		reject, _ := wireproto.NewEnvelope(wireproto.KindUpdateReject, env.ChannelID, env.Sequence,
			wireproto.UpdateRejectPayload{Reason: err.Error()})
		_ = e.transport.Send(context.Background(), peerID, reject)
		return
	}

	snap := m.Snapshot()
	e.OnUpdate(id, env.Sequence, snap.BalInitiator, snap.BalResponder)

	ack, err := wireproto.NewEnvelope(wireproto.KindUpdateAck, env.ChannelID, env.Sequence,
		wireproto.UpdateAckPayload{Signature: ackSig})
	if err != nil {
		log.Errorf("engine: build UpdateAck for %s: %v", env.ChannelID, err)
		return
	}
	if err := e.transport.Send(context.Background(), peerID, ack); err != nil {
		log.Errorf("engine: send UpdateAck for %s: %v", env.ChannelID, err)
	}
}

// handleCloseReq is the non-initiating party's side of the CLOSE handshake,
// per §4.F: countersign the settlement transaction and return CloseAccept.
// §4.F assigns the broadcast solely to the party that initiates CLOSE
// (engine.CloseChannel), so this handler never calls the oracle — it relies
// on the initiator's later CloseComplete to learn the real txid.
func (e *Engine) handleCloseReq(peerID string, env wireproto.Envelope) {
	var req wireproto.CloseReqPayload
	if err := env.Decode(&req); err != nil {
		log.Errorf("engine: invalid CloseReq from %s: %v", peerID, err)
		return
	}
	id, err := uuid.Parse(env.ChannelID)
	if err != nil {
		log.Errorf("engine: invalid channel id in CloseReq from %s: %v", peerID, err)
		return
	}
	m, err := e.machine(id)
	if err != nil {
		log.Errorf("engine: CloseReq for unknown channel %s", env.ChannelID)
		return
	}

	var localSig []byte
	err = e.withChannelLock(id, func() error {
		settlementTx, sig, err := m.Close()
		if err != nil {
			return err
		}
		if _, err := m.AcceptSettlement(settlementTx, sig, req.Signature); err != nil {
			return err
		}
		localSig = sig
		return nil
	})
	if err != nil {
		reject, _ := wireproto.NewEnvelope(wireproto.KindError, env.ChannelID, 0,
			wireproto.ErrorPayload{Reason: "close-failed", Detail: err.Error()})
		_ = e.transport.Send(context.Background(), peerID, reject)
		return
	}

	accept, err := wireproto.NewEnvelope(wireproto.KindCloseAccept, env.ChannelID, 0,
		wireproto.CloseAcceptPayload{Signature: localSig})
	if err != nil {
		log.Errorf("engine: build CloseAccept for %s: %v", env.ChannelID, err)
		return
	}
	if err := e.transport.Send(context.Background(), peerID, accept); err != nil {
		log.Errorf("engine: send CloseAccept for %s: %v", env.ChannelID, err)
	}
}

// handleCloseComplete receives the initiator's post-broadcast notification
// and fires OnClose with the real settlement txid — the non-initiating
// party never broadcasts itself, so this is the only place it learns one.
func (e *Engine) handleCloseComplete(peerID string, env wireproto.Envelope) {
	var req wireproto.CloseCompletePayload
	if err := env.Decode(&req); err != nil {
		log.Errorf("engine: invalid CloseComplete from %s: %v", peerID, err)
		return
	}
	id, err := uuid.Parse(env.ChannelID)
	if err != nil {
		log.Errorf("engine: invalid channel id in CloseComplete from %s: %v", peerID, err)
		return
	}
	e.OnClose(id, req.Txid)
}

// awaitResponse registers a Correlator waiter before sending req, so a
// response that arrives immediately after Send can never be dropped as
// unmatched — the registration-then-send ordering Resolve's comment
// assumes.
func (e *Engine) awaitResponse(ctx context.Context, peerID string, req wireproto.Envelope, bySequence bool) (wireproto.Envelope, error) {
	waiter, err := e.correlator.Register(req.ChannelID, req.Sequence, bySequence)
	if err != nil {
		return wireproto.Envelope{}, err
	}
	if err := e.transport.Send(ctx, peerID, req); err != nil {
		return wireproto.Envelope{}, err
	}
	return waiter.Wait(ctx, req.Kind)
}
