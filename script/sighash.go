package script

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
)

// SigHashAllForkID is the sighash type byte for ALL|FORKID, the only type
// this channel engine ever produces or accepts, per spec §4.A.
const SigHashAllForkID byte = 0x41

// Preimage builds the fork-aware sighash preimage for signing or verifying
// input idx of tx against scriptCode, spending a prevout worth amount
// satoshis. The byte layout is fixed and MUST be reproduced identically by
// both parties (P5): version, double-SHA256 of all prevouts, double-SHA256
// of all sequences, this input's outpoint, the var-int-length-prefixed
// scriptCode, the funding amount (8-byte LE), this input's nSequence,
// double-SHA256 of all outputs, the transaction's lock time, and finally the
// single sighash-type byte.
func Preimage(tx *wire.MsgTx, idx int, scriptCode []byte, amount int64, hashType byte) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("script: input index %d out of range", idx)
	}

	prevOuts, err := hashPrevOuts(tx)
	if err != nil {
		return nil, err
	}
	sequences, err := hashSequences(tx)
	if err != nil {
		return nil, err
	}
	outputs, err := hashOutputs(tx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, tx.Version); err != nil {
		return nil, err
	}
	buf.Write(prevOuts)
	buf.Write(sequences)

	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	if err := binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index); err != nil {
		return nil, err
	}

	if err := wire.WriteVarInt(&buf, 0, uint64(len(scriptCode))); err != nil {
		return nil, err
	}
	buf.Write(scriptCode)

	if err := binary.Write(&buf, binary.LittleEndian, amount); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, in.Sequence); err != nil {
		return nil, err
	}

	buf.Write(outputs)

	if err := binary.Write(&buf, binary.LittleEndian, tx.LockTime); err != nil {
		return nil, err
	}
	buf.WriteByte(hashType)

	return buf.Bytes(), nil
}

// Digest returns the double-SHA256 digest of the preimage — the actual
// message an ECDSA signature commits to.
func Digest(tx *wire.MsgTx, idx int, scriptCode []byte, amount int64, hashType byte) ([]byte, error) {
	preimage, err := Preimage(tx, idx, scriptCode, amount, hashType)
	if err != nil {
		return nil, err
	}
	sum := chainhash.DoubleHashB(preimage)
	return sum, nil
}

func hashPrevOuts(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		if err := binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index); err != nil {
			return nil, err
		}
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

func hashSequences(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		if err := binary.Write(&buf, binary.LittleEndian, in.Sequence); err != nil {
			return nil, err
		}
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

func hashOutputs(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	for _, out := range tx.TxOut {
		if err := binary.Write(&buf, binary.LittleEndian, out.Value); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(&buf, 0, uint64(len(out.PkScript))); err != nil {
			return nil, err
		}
		buf.Write(out.PkScript)
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}
