// Package txbuilder constructs the channel's three on-chain transaction
// kinds — funding, commitment and settlement — as pure functions of their
// inputs, per spec §4.B. Every construction here must be byte-for-byte
// reproducible given identical parameters (P4); none of it touches the
// network or any mutable state.
package txbuilder

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
)

// DustThreshold is the minimum satoshi value a payout output may carry
// before it is omitted from the built transaction, per the glossary.
const DustThreshold = 546

// SequenceMaxReplaceable is the base nSequence value commitment
// transactions count down from. Commitment s uses
// SequenceMaxReplaceable - s, so newer (higher s) states carry a strictly
// lower nSequence than older ones and can replace them under the chain's
// replacement rules, per §4.B.
const SequenceMaxReplaceable = uint32(0xFFFFFFFE)

// PayoutParams describes a transaction that spends the channel's single
// funding output and pays the two parties their current balances. It is
// shared by BuildCommitment and BuildSettlement, which differ only in
// nSequence/nLockTime.
type PayoutParams struct {
	FundingTxid chainhash.Hash
	FundingVout uint32

	// ScriptI and ScriptR are the two parties' payout locking scripts.
	ScriptI, ScriptR []byte

	// BalI and BalR are the pre-fee balances in satoshis; BalI+BalR must
	// equal the channel capacity (I1).
	BalI, BalR int64

	// Fee is the total transaction fee to apply, split per the dust
	// policy described on BuildPayout.
	Fee int64

	Sequence uint32
	LockTime uint32
}

// BuildPayout builds a transaction spending the funding outpoint with the
// given nSequence/nLockTime, paying (BalI-feeShareI, BalR-feeShareR) to
// (ScriptI, ScriptR). An output is omitted entirely if its pre-fee balance
// is at or below DustThreshold. When both outputs survive the dust check,
// Fee is split evenly between them; when only one survives, it absorbs the
// whole fee. Output ordering is sorted lexicographically by locking-script
// bytes so both peers build identical transactions regardless of which
// party is "I" and which is "R" (I5/§4.B).
func BuildPayout(p PayoutParams) (*wire.MsgTx, error) {
	if p.BalI < 0 || p.BalR < 0 {
		return nil, fmt.Errorf("txbuilder: negative balance (bI=%d, bR=%d)", p.BalI, p.BalR)
	}

	tx := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{
			{
				PreviousOutPoint: wire.OutPoint{
					Hash:  p.FundingTxid,
					Index: p.FundingVout,
				},
				Sequence: p.Sequence,
			},
		},
		LockTime: p.LockTime,
	}

	type candidate struct {
		script []byte
		value  int64
		dust   bool
	}
	candidates := []candidate{
		{script: p.ScriptI, value: p.BalI, dust: p.BalI <= DustThreshold},
		{script: p.ScriptR, value: p.BalR, dust: p.BalR <= DustThreshold},
	}

	var live []candidate
	for _, c := range candidates {
		if !c.dust {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("txbuilder: both outputs below dust threshold")
	}

	switch len(live) {
	case 1:
		live[0].value -= p.Fee
	case 2:
		live[0].value -= p.Fee / 2
		live[1].value -= p.Fee - p.Fee/2
	}

	sort.Slice(live, func(i, j int) bool {
		return bytes.Compare(live[i].script, live[j].script) < 0
	})

	for _, c := range live {
		tx.TxOut = append(tx.TxOut, wire.NewTxOut(c.value, c.script))
	}

	return tx, nil
}

// BuildCommitment builds the off-chain commitment transaction for sequence
// number s and absolute lock time lockTime. Its nSequence strictly decreases
// as s increases, so a newer commitment replaces an older broadcast one
// under the chain's replacement rules.
func BuildCommitment(p PayoutParams, s uint64, lockTime uint32) (*wire.MsgTx, error) {
	p.Sequence = SequenceMaxReplaceable - uint32(s)
	p.LockTime = lockTime
	return BuildPayout(p)
}

// BuildSettlement builds the final cooperative-close transaction: same
// shape as a commitment, but final (broadcastable immediately, not
// replaceable).
func BuildSettlement(p PayoutParams) (*wire.MsgTx, error) {
	p.Sequence = wire.MaxTxInSequenceNum
	p.LockTime = 0
	return BuildPayout(p)
}

// FindOutputIndex returns the index of the first output whose PkScript
// matches script, and whether one was found.
func FindOutputIndex(tx *wire.MsgTx, script []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			return uint32(i), true
		}
	}
	return 0, false
}
