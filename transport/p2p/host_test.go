package p2p

import (
	"context"
	"crypto/rand"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	crypto "github.com/libp2p/go-libp2p-crypto"
	peer "github.com/libp2p/go-libp2p-peer"
	peerstore "github.com/libp2p/go-libp2p-peerstore"

	"github.com/bchlabs/paychan/wireproto"
)

// newTestHost builds a Host on an ephemeral port with a throwaway DHT
// datastore directory, mirroring paymentchannels/test's TestMain setup.
func newTestHost(t *testing.T, port uint32) *Host {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := os.MkdirTemp("", "paychan-p2p")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	h, err := NewHost(context.Background(), Config{
		ListenPort: port,
		PrivateKey: priv,
		DataDir:    path.Join(dir, "dht"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHostConnectivityAndEnvelopeRoundTrip(t *testing.T) {
	alice := newTestHost(t, 15001)
	bob := newTestHost(t, 15002)

	if err := bob.Bootstrap(context.Background(), []peerstore.PeerInfo{
		{ID: alice.host.ID(), Addrs: alice.host.Addrs()},
	}, 1); err != nil {
		t.Fatalf("bob bootstrap to alice: %v", err)
	}

	var mu sync.Mutex
	var got wireproto.Envelope
	var gotFrom string
	done := make(chan struct{}, 1)
	alice.Handle(func(peerID string, env wireproto.Envelope) {
		mu.Lock()
		got, gotFrom = env, peerID
		mu.Unlock()
		done <- struct{}{}
	})

	env := wireproto.Envelope{
		Kind:      wireproto.KindUpdateReq,
		ChannelID: "11111111-1111-1111-1111-111111111111",
		Timestamp: time.Now(),
	}
	if err := bob.Send(context.Background(), alice.ID(), env); err != nil {
		t.Fatalf("bob.Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alice to receive envelope")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ChannelID != env.ChannelID || got.Kind != env.Kind {
		t.Fatalf("received envelope mismatch: got %+v, want %+v", got, env)
	}
	if gotFrom != bob.ID() {
		t.Fatalf("received envelope attributed to %q, want bob's id %q", gotFrom, bob.ID())
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	alice := newTestHost(t, 15003)
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv
	unknownID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := alice.Send(ctx, unknownID.Pretty(), wireproto.Envelope{Kind: wireproto.KindError}); err == nil {
		t.Fatal("expected Send to an unreachable peer to fail")
	}
}
