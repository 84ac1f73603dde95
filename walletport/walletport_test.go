package walletport

import "testing"

func TestSelectUtxosPicksEnough(t *testing.T) {
	candidates := []UTXO{
		{Amount: 1000},
		{Amount: 2000},
		{Amount: 5000},
	}
	picked, total, err := SelectUtxos(candidates, 2500)
	if err != nil {
		t.Fatalf("SelectUtxos: %v", err)
	}
	if len(picked) != 2 {
		t.Fatalf("expected 2 utxos picked, got %d", len(picked))
	}
	if total != 3000 {
		t.Fatalf("expected total 3000, got %d", total)
	}
}

func TestSelectUtxosInsufficientFunds(t *testing.T) {
	candidates := []UTXO{{Amount: 100}, {Amount: 200}}
	_, _, err := SelectUtxos(candidates, 1000)
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestAsFundingInput(t *testing.T) {
	u := UTXO{Vout: 2, Amount: 12345, ScriptPubKey: []byte{0x76, 0xa9}}
	fi := AsFundingInput(u)
	if fi.Vout != u.Vout || fi.Amount != u.Amount {
		t.Fatalf("conversion mismatch: %+v vs %+v", fi, u)
	}
}
