// Package testutil collects the in-memory ChainOracle, Transport and
// Wallet fakes shared by package tests, standing in for the teacher's
// paymentchannels/test/mock.go during unit and scenario testing.
package testutil

import (
	"context"
	"sync"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"

	"github.com/bchlabs/paychan/chainrpc"
)

// Oracle is an in-memory chainrpc.Oracle: Broadcast records every
// transaction it sees so FindSpend can answer queries against the funding
// outpoint dispute.Monitor and forceclose watch, without a real node.
type Oracle struct {
	mu        sync.Mutex
	height    int32
	broadcast []*wire.MsgTx
	txByHash  map[chainhash.Hash]*wire.MsgTx
}

// NewOracle builds an empty Oracle at height 1.
func NewOracle() *Oracle {
	return &Oracle{height: 1, txByHash: make(map[chainhash.Hash]*wire.MsgTx)}
}

func (o *Oracle) FetchTx(ctx context.Context, txid chainhash.Hash) (*chainrpc.TxInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tx, ok := o.txByHash[txid]
	if !ok {
		return nil, chainrpc.ErrNotFound
	}
	return &chainrpc.TxInfo{Tx: tx, BlockHeight: o.height}, nil
}

// Broadcast records tx and returns its hash. It never rejects — tests that
// need a RejectedError build their own chainrpc.Oracle stub instead.
func (o *Oracle) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	hash := tx.TxHash()
	o.broadcast = append(o.broadcast, tx)
	o.txByHash[hash] = tx
	return hash, nil
}

func (o *Oracle) TipHeight(ctx context.Context) (int32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.height, nil
}

func (o *Oracle) MerkleProof(ctx context.Context, txid chainhash.Hash) (*chainrpc.MerkleProof, error) {
	return nil, chainrpc.ErrNotFound
}

func (o *Oracle) VerifyMerkleRoot(ctx context.Context, height int32, root chainhash.Hash) (bool, error) {
	return false, chainrpc.ErrNotFound
}

// FindSpend scans every broadcast transaction for one spending outpoint,
// mirroring a real node's txindex-backed spend lookup closely enough for
// dispute.Monitor and forceclose tests.
func (o *Oracle) FindSpend(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, tx := range o.broadcast {
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint == outpoint {
				return tx, true, nil
			}
		}
	}
	return nil, false, nil
}

// Broadcasts returns every transaction Broadcast has recorded, in order.
func (o *Oracle) Broadcasts() []*wire.MsgTx {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*wire.MsgTx, len(o.broadcast))
	copy(out, o.broadcast)
	return out
}

// SetHeight advances the fake chain tip, e.g. to simulate confirmation.
func (o *Oracle) SetHeight(h int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.height = h
}
