package script

import (
	"fmt"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/wire"
)

// Sign produces a DER-encoded ECDSA signature over the fork-aware sighash
// digest of (tx, idx, scriptCode, amount), with the sighash-type byte
// appended — the exact byte string a peer expects to find in the channel's
// unlocking script (Unlock). bchec enforces low-S per BIP62.
func Sign(priv *bchec.PrivateKey, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) ([]byte, error) {
	digest, err := Digest(tx, idx, scriptCode, amount, SigHashAllForkID)
	if err != nil {
		return nil, err
	}
	sig, err := priv.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("script: sign: %w", err)
	}
	return append(sig.Serialize(), SigHashAllForkID), nil
}

// Verify checks a DER+hashtype signature (as produced by Sign) against pub
// over the same fork-aware sighash digest. A sighash type other than
// SigHashAllForkID is rejected.
func Verify(pub *bchec.PublicKey, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64, sigWithHashType []byte) (bool, error) {
	if len(sigWithHashType) < 2 {
		return false, fmt.Errorf("script: signature too short")
	}
	hashType := sigWithHashType[len(sigWithHashType)-1]
	if hashType != SigHashAllForkID {
		return false, fmt.Errorf("script: unsupported sighash type 0x%02x", hashType)
	}
	derSig := sigWithHashType[:len(sigWithHashType)-1]

	digest, err := Digest(tx, idx, scriptCode, amount, hashType)
	if err != nil {
		return false, err
	}
	sig, err := bchec.ParseDERSignature(derSig, bchec.S256())
	if err != nil {
		return false, fmt.Errorf("script: parse signature: %w", err)
	}
	return sig.Verify(digest, pub), nil
}
