// Package script builds the channel's on-chain scripts deterministically:
// the 2-of-2 multisig lock, its unlocking script, and the fork-aware sighash
// preimage that both parties must sign identically.
package script

import (
	"fmt"

	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
)

// CompressedPubKeyLen is the length in bytes of a compressed secp256k1
// public key.
const CompressedPubKeyLen = 33

// MultiSig builds the channel's 2-of-2 locking script as the exact byte
// sequence OP_2 <pkFirst> <pkSecond> OP_2 OP_CHECKMULTISIG. Unlike a typical
// multisig helper, the keys are NOT sorted: pkFirst/pkSecond must be passed
// in the channel's fixed "party ordering" (the initiator's key first), the
// same order on both sides of the channel, per I5. Passing keys in the
// wrong order produces a script that looks valid but that the counterparty
// will never reproduce.
func MultiSig(pkFirst, pkSecond []byte) ([]byte, error) {
	if len(pkFirst) != CompressedPubKeyLen || len(pkSecond) != CompressedPubKeyLen {
		return nil, fmt.Errorf("script: compressed pubkeys only, got %d/%d bytes",
			len(pkFirst), len(pkSecond))
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(pkFirst)
	bldr.AddData(pkSecond)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// FundingOutput builds the funding transaction's multisig output: the bare
// (non-P2SH) locking script above, paying amount satoshis. The returned
// redeem script IS the locking script — there is no P2SH wrapping, per I5.
func FundingOutput(pkFirst, pkSecond []byte, amount int64) ([]byte, *wire.TxOut, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("script: funding amount must be positive, got %d", amount)
	}
	lockScript, err := MultiSig(pkFirst, pkSecond)
	if err != nil {
		return nil, nil, err
	}
	return lockScript, wire.NewTxOut(amount, lockScript), nil
}

// Unlock builds the unlocking script for the funding output's multisig:
// OP_0 <sigFirst> <sigSecond>, in the same fixed party order as MultiSig.
// The leading OP_0 works around the historical CHECKMULTISIG off-by-one
// stack bug.
func Unlock(sigFirst, sigSecond []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(sigFirst)
	bldr.AddData(sigSecond)
	return bldr.Script()
}
