package forceclose

import (
	"context"
	"testing"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/chainrpc"
	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/script"
)

type fakeMachine struct {
	snap        channel.Channel
	forceClosed bool
}

func (f *fakeMachine) Snapshot() channel.Channel { return f.snap }
func (f *fakeMachine) ForceClosed() error {
	f.forceClosed = true
	return nil
}

type fakeOracle struct {
	broadcast *wire.MsgTx
}

func (f *fakeOracle) FetchTx(ctx context.Context, txid chainhash.Hash) (*chainrpc.TxInfo, error) {
	return nil, chainrpc.ErrNotFound
}
func (f *fakeOracle) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	f.broadcast = tx
	return tx.TxHash(), nil
}
func (f *fakeOracle) TipHeight(ctx context.Context) (int32, error) { return 100, nil }
func (f *fakeOracle) MerkleProof(ctx context.Context, txid chainhash.Hash) (*chainrpc.MerkleProof, error) {
	return nil, chainrpc.ErrNotFound
}
func (f *fakeOracle) VerifyMerkleRoot(ctx context.Context, height int32, root chainhash.Hash) (bool, error) {
	return true, nil
}
func (f *fakeOracle) FindSpend(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error) {
	return nil, false, nil
}

func buildSampleChannel(t *testing.T) channel.Channel {
	t.Helper()
	privI, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	privR, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	pkI := privI.PubKey().SerializeCompressed()
	pkR := privR.PubKey().SerializeCompressed()

	lockScript, err := script.MultiSig(pkI, pkR)
	if err != nil {
		t.Fatalf("MultiSig: %v", err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}, Sequence: 5})
	tx.AddTxOut(wire.NewTxOut(9000, []byte{0x76, 0xa9}))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))

	sigI, err := script.Sign(privI, tx, 0, lockScript, 10000)
	if err != nil {
		t.Fatalf("Sign initiator: %v", err)
	}
	sigR, err := script.Sign(privR, tx, 0, lockScript, 10000)
	if err != nil {
		t.Fatalf("Sign responder: %v", err)
	}

	return channel.Channel{
		ID:            uuid.New(),
		IsInitiator:   true,
		PkInitiator:   pkI,
		PkResponder:   pkR,
		Capacity:      10000,
		BalInitiator:  9000,
		BalResponder:  1000,
		State:         channel.StateOpen,
		LockTime:      uint32(time.Now().Add(-time.Hour).Unix()),
		Local: channel.Commitment{
			Sequence:     5,
			BalInitiator: 9000,
			BalResponder: 1000,
			Tx:           tx,
			LocalSig:     sigI,
			RemoteSig:    sigR,
		},
	}
}

func TestCloseBroadcastsAndTransitions(t *testing.T) {
	c := buildSampleChannel(t)
	m := &fakeMachine{snap: c}
	oracle := &fakeOracle{}

	txid, err := Close(context.Background(), m, oracle)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if txid == (chainhash.Hash{}) {
		t.Fatalf("expected non-zero broadcast txid")
	}
	if !m.forceClosed {
		t.Fatalf("expected ForceClosed to be called")
	}
	if oracle.broadcast == nil {
		t.Fatalf("expected a transaction to have been broadcast")
	}
	if len(oracle.broadcast.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("expected broadcast transaction to carry an unlock script")
	}
}

func TestCloseRejectsChannelWithNoCommitment(t *testing.T) {
	c := buildSampleChannel(t)
	c.Local.Tx = nil
	m := &fakeMachine{snap: c}
	oracle := &fakeOracle{}

	if _, err := Close(context.Background(), m, oracle); err == nil {
		t.Fatalf("expected error for channel with no commitment")
	}
}

func TestEligibleRequiresBothPreconditions(t *testing.T) {
	c := buildSampleChannel(t) // LockTime already in the past
	now := time.Now()

	// Peer recently seen: not eligible even though locktime has passed.
	if Eligible(c, now.Add(-time.Second), now, time.Minute) {
		t.Fatalf("expected ineligible: peer was recently seen")
	}

	// Peer silent, but locktime still in the future: not eligible.
	c.LockTime = uint32(now.Add(time.Hour).Unix())
	if Eligible(c, now.Add(-time.Hour), now, time.Minute) {
		t.Fatalf("expected ineligible: locktime has not passed")
	}

	// Both preconditions hold.
	c.LockTime = uint32(now.Add(-time.Hour).Unix())
	if !Eligible(c, now.Add(-time.Hour), now, time.Minute) {
		t.Fatalf("expected eligible: peer silent and locktime passed")
	}
}
