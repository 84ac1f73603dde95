// Package walletport defines the external Wallet port, per spec §6: the
// narrow slice of wallet functionality the channel opener needs to fund a
// channel. It mirrors the teacher's paymentchannels.WalletBackend
// interface (gcash-bchwallet/paymentchannels/interface.go) almost
// verbatim, trimmed to the funding-specific subset: ListUtxos and
// SignP2PKH, LockOutpoint/UnlockOutpoint, and PublishTransaction for the
// finished funding transaction. The teacher's CreateSimpleTx is left out,
// since funding-transaction assembly itself is txbuilder's job here, not
// the wallet's.
package walletport

import (
	"errors"
	"fmt"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"

	"github.com/bchlabs/paychan/txbuilder"
)

// ErrInsufficientFunds is returned by SelectUtxos when the wallet's
// candidate set cannot cover the requested target amount.
var ErrInsufficientFunds = errors.New("walletport: insufficient funds")

// UTXO is one spendable output the wallet is willing to commit to channel
// funding. It mirrors txbuilder.FundingInput's shape; the two are kept as
// separate types (rather than one shared type) to avoid a dependency
// cycle between txbuilder and walletport, matching the same reasoning the
// teacher documents for its own WalletBackend split.
type UTXO struct {
	Txid         chainhash.Hash
	Vout         uint32
	Amount       int64
	ScriptPubKey []byte
}

// Backend is the Wallet port of spec §6, used by the channel opener only,
// to fund. Implementations may wrap a full local wallet (as the teacher's
// WalletBackend does) or a remote signing service; the engine only ever
// sees this interface.
type Backend interface {
	// ListUtxos returns every UTXO the wallet currently considers
	// spendable and unlocked.
	ListUtxos() ([]UTXO, error)

	// SignP2PKH signs input idx of tx, which spends utxo's P2PKH output,
	// returning a signature script ready to install on that input.
	SignP2PKH(utxo UTXO, tx *wire.MsgTx, idx int) ([]byte, error)

	// LockOutpoint marks an outpoint as committed to an in-flight funding
	// transaction so ListUtxos will not offer it again, mirroring the
	// teacher's WalletBackend.LockOutpoint.
	LockOutpoint(op wire.OutPoint)

	// UnlockOutpoint reverses LockOutpoint, e.g. when funding negotiation
	// fails before broadcast.
	UnlockOutpoint(op wire.OutPoint)

	// PublishTransaction submits a fully-signed transaction (the funding
	// transaction) to the network, mirroring the teacher's
	// WalletBackend.PublishTransaction.
	PublishTransaction(tx *wire.MsgTx) error
}

// AsFundingInput converts a wallet UTXO into the shape txbuilder.BuildFunding
// expects.
func AsFundingInput(u UTXO) txbuilder.FundingInput {
	return txbuilder.FundingInput{
		Txid:         u.Txid,
		Vout:         u.Vout,
		Amount:       u.Amount,
		ScriptPubKey: u.ScriptPubKey,
	}
}

// PayoutScript derives the P2PKH locking script a party is paid to when a
// commitment or settlement transaction settles its balance, from that
// party's channel pubkey: hash160(pubkey) wrapped in a bchutil.Address and
// rendered with txscript.PayToAddrScript, the same two-step derivation the
// teacher uses everywhere it turns a raw pubkey into a spendable output
// (e.g. buildP2SHAddress's pattern, generalized here from P2SH to P2PKH
// since this engine's payout outputs are plain P2PKH, not multisig).
func PayoutScript(pubKey []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(pubKey), params)
	if err != nil {
		return nil, fmt.Errorf("walletport: derive payout address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("walletport: build payout script: %w", err)
	}
	return script, nil
}

// SelectUtxos picks a prefix of candidates (in the order the wallet
// returned them; they are not sorted) summing to at least target, returning
// ErrInsufficientFunds if the full set isn't enough. The opener is the
// only party that ever needs to select coins, per §6.
func SelectUtxos(candidates []UTXO, target int64) ([]UTXO, int64, error) {
	var picked []UTXO
	var total int64
	for _, u := range candidates {
		if total >= target {
			break
		}
		picked = append(picked, u)
		total += u.Amount
	}
	if total < target {
		return nil, 0, ErrInsufficientFunds
	}
	return picked, total, nil
}
