package txbuilder

import (
	"fmt"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/bchlabs/paychan/script"
)

// FundingInput is a single UTXO the channel opener is spending to fund the
// channel (matches walletport.UTXO, kept separate to avoid a dependency
// cycle).
type FundingInput struct {
	Txid         chainhash.Hash
	Vout         uint32
	Amount       int64
	ScriptPubKey []byte
}

// FundingParams describes the funding transaction: the opener's inputs, the
// 2-of-2 multisig keys (in fixed party order, per I5), the channel capacity,
// and an optional change output.
type FundingParams struct {
	Inputs []FundingInput

	PkFirst, PkSecond []byte
	Capacity          int64

	ChangeScript []byte
	ChangeAmount int64
}

// BuildFunding builds the unsigned funding transaction: one input per UTXO
// (P2PKH, nSequence final), one multisig output of value Capacity, and an
// optional change output. Version 1, nLockTime 0, per §4.B. The caller signs
// each input afterward via the wallet port (§6).
func BuildFunding(p FundingParams) (tx *wire.MsgTx, multisigVout uint32, err error) {
	if len(p.Inputs) == 0 {
		return nil, 0, fmt.Errorf("txbuilder: funding transaction needs at least one input")
	}

	_, multisigOut, err := script.FundingOutput(p.PkFirst, p.PkSecond, p.Capacity)
	if err != nil {
		return nil, 0, err
	}

	tx = &wire.MsgTx{
		Version:  1,
		LockTime: 0,
	}
	for _, in := range p.Inputs {
		tx.TxIn = append(tx.TxIn, &wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: in.Txid, Index: in.Vout},
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}

	tx.TxOut = append(tx.TxOut, multisigOut)
	multisigVout = uint32(len(tx.TxOut) - 1)

	if p.ChangeAmount > DustThreshold && len(p.ChangeScript) > 0 {
		tx.TxOut = append(tx.TxOut, wire.NewTxOut(p.ChangeAmount, p.ChangeScript))
	}

	return tx, multisigVout, nil
}
