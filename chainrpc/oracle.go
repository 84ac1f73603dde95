// Package chainrpc defines the ChainOracle port, per spec §4.C: the
// narrow slice of blockchain access the channel engine needs, modeled on
// the teacher's chain.Interface (gcash-bchwallet/chain/interface.go) but
// trimmed to fetch/broadcast/tip/merkle plus the one addition the dispute
// monitor needs, FindSpend.
package chainrpc

import (
	"context"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/go-errors/errors"
)

// RejectReason classifies why a broadcast was refused by the network,
// distinct from a transient connectivity failure.
type RejectReason string

const (
	RejectDoubleSpend   RejectReason = "double-spend"
	RejectNonFinal      RejectReason = "non-final"
	RejectFeeTooLow     RejectReason = "fee-too-low"
	RejectInvalid       RejectReason = "invalid"
	RejectUnknown       RejectReason = "unknown"
)

// ErrUnavailable marks a transient failure to reach the backend — the one
// error class Retrying will retry.
var ErrUnavailable = errors.New("chainrpc: backend unavailable")

// ErrNotFound is returned by FetchTx/MerkleProof when the backend is
// reachable but has no record of the requested transaction.
var ErrNotFound = errors.New("chainrpc: transaction not found")

// RejectedError reports that Broadcast reached the network but the
// transaction itself was refused. It is never retried by Retrying.
type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return "chainrpc: broadcast rejected: " + string(e.Reason) + ": " + e.Detail
	}
	return "chainrpc: broadcast rejected: " + string(e.Reason)
}

// TxInfo is what FetchTx returns for a transaction the backend knows
// about: the parsed transaction plus confirmation info when mined.
type TxInfo struct {
	Tx          *wire.MsgTx
	BlockHeight int32 // 0 if unconfirmed
	BlockHash   chainhash.Hash
}

// MerkleProof is an SPV-style inclusion proof for one transaction within
// a block, per §4.C's merkleProof operation.
type MerkleProof struct {
	TxID        chainhash.Hash
	BlockHash   chainhash.Hash
	BlockHeight int32
	Branch      []chainhash.Hash
	Index       uint32
}

// Oracle is the ChainOracle port. Implementations may be HTTP clients,
// full-node RPC clients, or in-memory fakes (internal/testutil), exactly
// as the teacher's chain.Interface abstracts over bchd/bitcoind/neutrino
// backends.
type Oracle interface {
	// FetchTx returns the transaction identified by txid, or ErrNotFound
	// if the backend has no record of it.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*TxInfo, error)

	// Broadcast submits a raw transaction to the network and returns its
	// txid, or a *RejectedError if the network refused it.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// TipHeight returns the current best-known block height.
	TipHeight(ctx context.Context) (int32, error)

	// MerkleProof returns an inclusion proof for txid, or ErrNotFound if
	// txid is unconfirmed or unknown.
	MerkleProof(ctx context.Context, txid chainhash.Hash) (*MerkleProof, error)

	// VerifyMerkleRoot checks that a block at height has merkle root
	// root, so a caller holding a MerkleProof can validate it against an
	// independently obtained header.
	VerifyMerkleRoot(ctx context.Context, height int32, root chainhash.Hash) (bool, error)

	// FindSpend reports the transaction that spends outpoint, if any has
	// been observed (mined or in the mempool). Used by dispute.Monitor to
	// watch a channel's funding output, per §4.H — expressed as a poll
	// rather than a subscription since the monitor already runs on a
	// ticker.
	FindSpend(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error)
}
