package channel

import (
	"bytes"
	"testing"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/wire"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/script"
)

// fakeStore is an in-memory Persister used by these tests; store.Store has
// its own tests against the real walletdb-backed implementation.
type fakeStore struct {
	saved    map[uuid.UUID]Channel
	payments []PaymentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[uuid.UUID]Channel)}
}

func (s *fakeStore) SaveChannel(c *Channel) error {
	s.saved[c.ID] = *c
	return nil
}

func (s *fakeStore) AppendPayment(p *PaymentRecord) error {
	s.payments = append(s.payments, *p)
	return nil
}

// keySigner signs with a single fixed private key, standing in for
// signer.Signer in these unit tests (which exercise Machine in isolation).
type keySigner struct {
	priv *bchec.PrivateKey
}

func (s *keySigner) Sign(channelID string, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) ([]byte, error) {
	return script.Sign(s.priv, tx, idx, scriptCode, amount)
}

func genPriv(t *testing.T) *bchec.PrivateKey {
	t.Helper()
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatalf("genPriv: %v", err)
	}
	return priv
}

// pairedChannels builds two Machines representing the two sides of the same
// channel, wired with real per-side signing keys, ready for an Open-state
// payment exchange.
func pairedChannels(t *testing.T, capacity int64) (initiator, responder *Machine, privI, privR *bchec.PrivateKey) {
	t.Helper()
	privI = genPriv(t)
	privR = genPriv(t)
	pkI := privI.PubKey().SerializeCompressed()
	pkR := privR.PubKey().SerializeCompressed()

	addrI := []byte{0x76, 0xa9, 0x14, 0x01}
	addrR := []byte{0x76, 0xa9, 0x14, 0x02}

	id := uuid.New()
	chanI := CreateOpener(id, "peerI", "peerR", pkI, pkR, addrI, addrR, capacity, 0)
	chanR := CreateResponder(id, "peerI", "peerR", pkI, pkR, addrI, addrR, capacity, 0)

	// Fund and open both sides identically, as the engine would after
	// funding confirms.
	var txid [32]byte
	txid[0] = 0xAB
	chanI.FundingTxid = txid
	chanI.FundingVout = 0
	chanI.State = StateOpen
	chanR.FundingTxid = txid
	chanR.FundingVout = 0
	chanR.State = StateOpen

	cfg := Config{FeePerByte: 0}
	initiator = New(chanI, newFakeStore(), &keySigner{priv: privI}, cfg)
	responder = New(chanR, newFakeStore(), &keySigner{priv: privR}, cfg)
	return
}

// P2/S1-style round trip: a successful SEND_PAY/RECV_PAY/ACK cycle leaves
// both sides with matching balances, sequence, and commitment bytes.
func TestSendRecvRoundTrip(t *testing.T) {
	initiator, responder, _, _ := pairedChannels(t, 10000)

	update, err := initiator.SendPay(100)
	if err != nil {
		t.Fatalf("SendPay: %v", err)
	}

	remoteSig, err := responder.RecvPay(update)
	if err != nil {
		t.Fatalf("RecvPay: %v", err)
	}

	if err := initiator.RecvAck(update.Sequence, remoteSig); err != nil {
		t.Fatalf("RecvAck: %v", err)
	}

	if initiator.Channel.Sequence != responder.Channel.Sequence {
		t.Fatalf("sequence mismatch: initiator=%d responder=%d", initiator.Channel.Sequence, responder.Channel.Sequence)
	}
	if initiator.Channel.BalInitiator != responder.Channel.BalInitiator ||
		initiator.Channel.BalResponder != responder.Channel.BalResponder {
		t.Fatalf("balance mismatch: initiator=(%d,%d) responder=(%d,%d)",
			initiator.Channel.BalInitiator, initiator.Channel.BalResponder,
			responder.Channel.BalInitiator, responder.Channel.BalResponder)
	}
	if initiator.Channel.BalInitiator != 9900 || initiator.Channel.BalResponder != 100 {
		t.Fatalf("unexpected balances: bI=%d bR=%d", initiator.Channel.BalInitiator, initiator.Channel.BalResponder)
	}

	// I1: conservation.
	if initiator.Channel.BalInitiator+initiator.Channel.BalResponder != initiator.Channel.Capacity {
		t.Fatalf("conservation violated")
	}

	txBytesI := serializeTx(t, initiator.Channel.Local.Tx)
	txBytesR := serializeTx(t, responder.Channel.Local.Tx)
	if !bytes.Equal(txBytesI, txBytesR) {
		t.Fatalf("commitment bytes diverged between peers")
	}
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return buf.Bytes()
}

// S2: sending more than the local balance fails with InsufficientBalance
// and leaves sequence unchanged.
func TestSendPayInsufficientBalance(t *testing.T) {
	initiator, _, _, _ := pairedChannels(t, 1000)
	_, err := initiator.SendPay(2000)
	if err == nil {
		t.Fatalf("expected InsufficientBalance error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Reason != ReasonInsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if initiator.Channel.Sequence != 0 {
		t.Fatalf("sequence should be unchanged, got %d", initiator.Channel.Sequence)
	}
}

// P7/S6: an UPDATE with the wrong sequence number is rejected and leaves
// sequence unchanged.
func TestRecvPayBadSequence(t *testing.T) {
	_, responder, _, _ := pairedChannels(t, 10000)
	bad := Update{Sequence: 2, BalInitiator: 9900, BalResponder: 100}
	_, err := responder.RecvPay(bad)
	if err == nil {
		t.Fatalf("expected BadSequence error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Reason != ReasonBadSequence {
		t.Fatalf("expected BadSequence, got %v", err)
	}
	if responder.Channel.Sequence != 0 {
		t.Fatalf("sequence should be unchanged, got %d", responder.Channel.Sequence)
	}
}

// P8-equivalent at the Machine layer: an UPDATE whose signature has been
// corrupted is rejected as BadSignature.
func TestRecvPayBadSignature(t *testing.T) {
	initiator, responder, _, _ := pairedChannels(t, 10000)
	update, err := initiator.SendPay(100)
	if err != nil {
		t.Fatalf("SendPay: %v", err)
	}
	forged := update
	forged.Signature = append([]byte{}, update.Signature...)
	forged.Signature[0] ^= 0xFF

	_, err = responder.RecvPay(forged)
	if err == nil {
		t.Fatalf("expected BadSignature error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Reason != ReasonBadSignature {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

// BadConservation: an UPDATE whose balances don't sum to capacity is
// rejected.
func TestRecvPayBadConservation(t *testing.T) {
	_, responder, _, _ := pairedChannels(t, 10000)
	bad := Update{Sequence: 1, BalInitiator: 9000, BalResponder: 500}
	_, err := responder.RecvPay(bad)
	if err == nil {
		t.Fatalf("expected BadConservation error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Reason != ReasonBadConservation {
		t.Fatalf("expected BadConservation, got %v", err)
	}
}

// CLOSE/AcceptSettlement: cooperative close assembles a valid unlock
// script and transitions to Closed.
func TestCooperativeClose(t *testing.T) {
	initiator, responder, _, _ := pairedChannels(t, 10000)

	tx, localSig, err := initiator.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if initiator.Channel.State != StateClosing {
		t.Fatalf("expected Closing state, got %s", initiator.Channel.State)
	}

	lockScript, err := script.MultiSig(responder.Channel.PkInitiator, responder.Channel.PkResponder)
	if err != nil {
		t.Fatalf("MultiSig: %v", err)
	}
	remoteSig, err := responder.signer.Sign(responder.id(), tx, 0, lockScript, responder.Channel.Capacity)
	if err != nil {
		t.Fatalf("remote sign: %v", err)
	}

	final, err := initiator.AcceptSettlement(tx, localSig, remoteSig)
	if err != nil {
		t.Fatalf("AcceptSettlement: %v", err)
	}
	if initiator.Channel.State != StateClosed {
		t.Fatalf("expected Closed state, got %s", initiator.Channel.State)
	}
	if len(final.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("expected non-empty unlock script")
	}
}

// S3/I3: SendPay must not durably advance Sequence/Local before RecvAck
// arrives. A crash between the two (simulated here by just never calling
// RecvAck and rebuilding a fresh Machine from what was actually persisted)
// must find the channel at its last fully-countersigned state, with no
// PaymentRecord logged for the in-flight update, so a retried SendPay
// reproduces the same result rather than skipping ahead or double-counting.
func TestSendPayCrashBeforeAckLeavesSequenceUnchanged(t *testing.T) {
	initiator, _, _, _ := pairedChannels(t, 10000)
	store := initiator.store.(*fakeStore)

	// Establish the durable s=0 baseline a real ConfirmOpen would have
	// persisted already.
	if err := store.SaveChannel(&initiator.Channel); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	if _, err := initiator.SendPay(100); err != nil {
		t.Fatalf("SendPay: %v", err)
	}

	if initiator.Channel.Sequence != 0 {
		t.Fatalf("in-memory Sequence must not advance before RecvAck, got %d", initiator.Channel.Sequence)
	}
	if initiator.Channel.Local.RemoteSig != nil {
		t.Fatalf("Local commitment must not exist before RecvAck")
	}
	if len(store.payments) != 0 {
		t.Fatalf("no PaymentRecord may be logged before RecvAck, got %d", len(store.payments))
	}
	if saved, ok := store.saved[initiator.Channel.ID]; ok && saved.Sequence != 0 {
		t.Fatalf("no persisted snapshot may advance past s=0 before RecvAck, got s=%d", saved.Sequence)
	}

	// Simulate a crash and restart: rebuild a Machine from exactly what
	// was (not) persisted, losing the in-flight pending update.
	recovered := New(store.saved[initiator.Channel.ID], store, initiator.signer, initiator.cfg)
	if recovered.Channel.Sequence != 0 {
		t.Fatalf("recovered channel must be at s=0, got %d", recovered.Channel.Sequence)
	}

	// The retried SEND_PAY succeeds from s=0 exactly as the first attempt did.
	update, err := recovered.SendPay(100)
	if err != nil {
		t.Fatalf("retried SendPay: %v", err)
	}
	if update.Sequence != 1 {
		t.Fatalf("expected retried SendPay to target sequence 1, got %d", update.Sequence)
	}
}

// Operations not allowed in the current state are rejected.
func TestOperationNotAllowedInState(t *testing.T) {
	initiator, _, _, _ := pairedChannels(t, 10000)
	initiator.Channel.State = StatePending
	if _, err := initiator.SendPay(1); err == nil {
		t.Fatalf("expected ChannelNotOpen error")
	}
}
