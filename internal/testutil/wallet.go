package testutil

import (
	"fmt"
	"sync"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"

	"github.com/bchlabs/paychan/walletport"
)

// Wallet is an in-memory walletport.Backend: a fixed set of P2PKH UTXOs
// signed by one keypair, enough to fund channels in scenario tests without
// a real wallet.
type Wallet struct {
	priv *bchec.PrivateKey

	mu     sync.Mutex
	utxos  []walletport.UTXO
	locked map[wire.OutPoint]bool
}

// NewWallet builds a Wallet whose UTXOs are each worth amount, one per
// entry in amounts, all spendable by the same generated keypair.
func NewWallet(amounts ...int64) *Wallet {
	priv, pub := bchec.PrivKeyFromBytes(bchec.S256(), []byte("testutil-wallet-seed-000000000000"))
	_ = pub
	pkHash := bchec.Hash160(priv.PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(pkHash).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).Script()
	if err != nil {
		panic(fmt.Sprintf("testutil: build p2pkh script: %v", err))
	}

	w := &Wallet{priv: priv, locked: make(map[wire.OutPoint]bool)}
	for i, amt := range amounts {
		var txid [32]byte
		txid[0] = byte(i + 1)
		w.utxos = append(w.utxos, walletport.UTXO{
			Txid:         txid,
			Vout:         0,
			Amount:       amt,
			ScriptPubKey: script,
		})
	}
	return w
}

func (w *Wallet) ListUtxos() ([]walletport.UTXO, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []walletport.UTXO
	for _, u := range w.utxos {
		op := wire.OutPoint{Hash: u.Txid, Index: u.Vout}
		if !w.locked[op] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (w *Wallet) SignP2PKH(utxo walletport.UTXO, tx *wire.MsgTx, idx int) ([]byte, error) {
	return txscript.SignatureScript(tx, idx, utxo.ScriptPubKey, txscript.SigHashAll, w.priv, true)
}

func (w *Wallet) LockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locked[op] = true
}

func (w *Wallet) UnlockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locked, op)
}

func (w *Wallet) PublishTransaction(tx *wire.MsgTx) error {
	return nil
}
