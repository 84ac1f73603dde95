package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gcash/bchd/wire"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/channel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paychan.db")
	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleChannel() *channel.Channel {
	now := time.Now()
	return &channel.Channel{
		ID:            uuid.New(),
		Opener:        "peerA",
		Responder:     "peerB",
		IsInitiator:   true,
		PkInitiator:   []byte{0x02, 0x01, 0x02},
		PkResponder:   []byte{0x03, 0x04, 0x05},
		AddrInitiator: []byte{0x76, 0xa9},
		AddrResponder: []byte{0x76, 0xa9},
		Capacity:      10000,
		BalInitiator:  10000,
		BalResponder:  0,
		Sequence:      0,
		State:         channel.StateOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSaveAndLoadChannel(t *testing.T) {
	s := openTestStore(t)
	c := sampleChannel()
	c.Local = channel.Commitment{
		Sequence: 1, BalInitiator: 9900, BalResponder: 100,
		Tx:        wire.NewMsgTx(1),
		LocalSig:  []byte{0x01},
		RemoteSig: []byte{0x02},
	}
	if err := s.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	got, ok := s.GetChannel(c.ID)
	if !ok {
		t.Fatalf("expected channel to be present")
	}
	if got.Capacity != c.Capacity || got.BalInitiator != c.BalInitiator {
		t.Fatalf("round-tripped channel mismatch: %+v vs %+v", got, c)
	}
	if got.Local.Sequence != 1 {
		t.Fatalf("expected commitment sequence 1, got %d", got.Local.Sequence)
	}
}

// Recovery after restart: a fresh Store opened on the same path reloads
// every channel into memory, per §4.D's initialization requirement.
func TestRecoveryReloadsChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paychan.db")
	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := sampleChannel()
	if err := s.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, true)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.GetChannel(c.ID)
	if !ok {
		t.Fatalf("expected channel to survive restart")
	}
	if got.Sequence != c.Sequence {
		t.Fatalf("sequence mismatch after reload")
	}
}

// P6: the payment log's sequence for a channel never exceeds the persisted
// snapshot's sequence.
func TestPaymentLogNeverExceedsSnapshotSequence(t *testing.T) {
	s := openTestStore(t)
	c := sampleChannel()
	c.Sequence = 3
	if err := s.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		rec := &channel.PaymentRecord{ChannelID: c.ID, Amount: 100, Sequence: seq, Timestamp: time.Now()}
		if err := s.AppendPayment(rec); err != nil {
			t.Fatalf("AppendPayment: %v", err)
		}
	}

	records, err := s.PaymentsForChannel(c.ID)
	if err != nil {
		t.Fatalf("PaymentsForChannel: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 payment records, got %d", len(records))
	}
	snapshot, _ := s.GetChannel(c.ID)
	for _, r := range records {
		if r.Sequence > snapshot.Sequence {
			t.Fatalf("payment log sequence %d exceeds snapshot sequence %d", r.Sequence, snapshot.Sequence)
		}
	}
}

func TestListChannels(t *testing.T) {
	s := openTestStore(t)
	c1 := sampleChannel()
	c2 := sampleChannel()
	if err := s.SaveChannel(c1); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	if err := s.SaveChannel(c2); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	all := s.ListChannels()
	if len(all) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(all))
	}
}

func TestSaveAlert(t *testing.T) {
	s := openTestStore(t)
	c := sampleChannel()
	if err := s.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	alert := &channel.DisputeAlert{
		ChannelID:      c.ID,
		DetectedAt:     time.Now(),
		BroadcastSeq:   3,
		LatestKnownSeq: 10,
		Status:         channel.AlertOpen,
	}
	if err := s.SaveAlert(alert); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
}
