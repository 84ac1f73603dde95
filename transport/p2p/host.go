// Package p2p is the concrete Transport-port adapter (spec §6) over
// libp2p: it maps engine.Transport's Send/Handle onto one libp2p stream
// per outbound message, using a Kademlia DHT for peer routing, the way the
// teacher's paymentchannels/node.go and net.go wire the same stack for its
// own channel protocol. engine.Engine never imports this package directly;
// it only depends on the engine.Transport interface.
package p2p

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	datastore "github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p-crypto"
	host "github.com/libp2p/go-libp2p-host"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	dhtopts "github.com/libp2p/go-libp2p-kad-dht/opts"
	inet "github.com/libp2p/go-libp2p-net"
	peer "github.com/libp2p/go-libp2p-peer"
	peerstore "github.com/libp2p/go-libp2p-peerstore"
	protocol "github.com/libp2p/go-libp2p-protocol"
	routing "github.com/libp2p/go-libp2p-routing"

	"github.com/bchlabs/paychan/wireproto"
)

// ProtocolPayChan is the libp2p protocol ID this adapter registers its
// stream handler under, namespaced the way the teacher's net.go namespaces
// ProtocolPaymnetChannel to avoid DHT protocol collisions.
const ProtocolPayChan = protocol.ID("/bitcoincash/paychan/1.0.0")

// ProtocolDHT is the protocol ID for this node's Kademlia routing table.
const ProtocolDHT = protocol.ID("/bitcoincash/paychan/kad/1.0.0")

// DefaultStreamTimeout bounds how long Send waits for a stream to accept a
// write before giving up, mirroring the teacher's DefaultNetworkTimeout.
const DefaultStreamTimeout = 10 * time.Second

// Config configures a new Host.
type Config struct {
	// ListenPort is the TCP port to listen on for both IPv4 and IPv6.
	ListenPort uint32

	// PrivateKey is this node's persistent libp2p identity key.
	PrivateKey crypto.PrivKey

	// DataDir holds the DHT's leveldb-backed routing datastore.
	DataDir string

	// BootstrapPeers seeds the DHT's routing table on startup.
	BootstrapPeers []peerstore.PeerInfo
}

// Host is an engine.Transport implementation backed by a libp2p host and a
// DHT for peer routing. One logical stream per outbound Send; Engine's
// wireproto traffic is multiplexed over ProtocolPayChan alongside whatever
// other protocols share the same libp2p host.
type Host struct {
	host    host.Host
	routing routing.IpfsRouting
	dstore  datastore.Datastore

	mu      sync.Mutex
	handler func(peerID string, env wireproto.Envelope)
}

// NewHost builds and starts a libp2p host listening on cfg.ListenPort,
// registers the payment-channel stream handler, and constructs (but does
// not yet bootstrap) its DHT routing table — mirrors
// paymentchannels.NewPaymentChannelNode.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
		libp2p.Identity(cfg.PrivateKey),
	}
	h, err := libp2p.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	dstore, err := leveldb.NewDatastore(cfg.DataDir, nil)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: open dht datastore: %w", err)
	}

	r, err := dht.New(ctx, h, dhtopts.Datastore(dstore), dhtopts.Protocols(ProtocolDHT))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create dht: %w", err)
	}

	for _, pi := range cfg.BootstrapPeers {
		h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	}

	p := &Host{host: h, routing: r, dstore: dstore}
	h.SetStreamHandler(ProtocolPayChan, p.handleStream)
	return p, nil
}

// ID returns this node's libp2p peer ID in the base58 string form used
// throughout engine and channel as Opener/Responder identifiers.
func (p *Host) ID() string {
	return p.host.ID().Pretty()
}

// Bootstrap connects to a random subset of known bootstrap peers and kicks
// off the DHT's own periodic bootstrap routine, mirroring
// paymentchannels.Bootstrap.
func (p *Host) Bootstrap(ctx context.Context, peers []peerstore.PeerInfo, minPeers int) error {
	connected := p.host.Network().Peers()
	if len(connected) >= minPeers {
		return nil
	}
	var notConnected []peerstore.PeerInfo
	for _, pi := range peers {
		if p.host.Network().Connectedness(pi.ID) != inet.Connected {
			notConnected = append(notConnected, pi)
		}
	}
	if len(notConnected) == 0 {
		return fmt.Errorf("p2p: no bootstrap candidates available")
	}
	n := minPeers - len(connected)
	if n > len(notConnected) {
		n = len(notConnected)
	}
	perm := rand.Perm(len(notConnected))[:n]

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, idx := range perm {
		pi := notConnected[idx]
		wg.Add(1)
		go func(pi peerstore.PeerInfo) {
			defer wg.Done()
			p.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
			if err := p.host.Connect(ctx, pi); err != nil {
				log.Debugf("p2p: bootstrap dial to %s failed: %s", pi.ID.Pretty(), err)
				errs <- err
				return
			}
			log.Infof("p2p: bootstrapped with %s", pi.ID.Pretty())
		}(pi)
	}
	wg.Wait()
	close(errs)
	failures := 0
	for range errs {
		failures++
	}
	if failures == n {
		return fmt.Errorf("p2p: failed to connect to any bootstrap peer")
	}
	if d, ok := p.routing.(*dht.IpfsDHT); ok {
		if _, err := d.BootstrapWithConfig(dht.DefaultBootstrapConfig); err != nil {
			return fmt.Errorf("p2p: dht bootstrap: %w", err)
		}
	}
	return nil
}

// Close shuts down the host, disconnecting every peer.
func (p *Host) Close() error {
	return p.host.Close()
}

// Send opens a fresh stream to peerID, writes one framed Envelope, and
// closes the write side. One stream per message, same as the teacher's
// one-stream-per-channel-action approach in net.go, simplified because
// wireproto's envelopes are already self-describing (no multi-message
// open/accept/commit handshake needs to share a stream).
func (p *Host) Send(ctx context.Context, peerID string, env wireproto.Envelope) error {
	pid, err := peer.IDB58Decode(peerID)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer id %q: %w", peerID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultStreamTimeout)
	defer cancel()

	s, err := p.host.NewStream(ctx, pid, ProtocolPayChan)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", pid.Pretty(), err)
	}
	defer s.Close()

	if err := wireproto.WriteEnvelope(s, env); err != nil {
		return fmt.Errorf("p2p: write envelope to %s: %w", pid.Pretty(), err)
	}
	return nil
}

// Handle registers the callback invoked for every inbound Envelope, from
// any peer. Only one handler may be installed; Engine installs its own
// dispatcher at construction.
func (p *Host) Handle(handler func(peerID string, env wireproto.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// handleStream is the libp2p stream handler registered under
// ProtocolPayChan: it reads exactly one framed Envelope and dispatches it
// to the registered handler, then closes the stream — the counterpart to
// Send's one-message-per-stream convention.
func (p *Host) handleStream(s inet.Stream) {
	defer s.Close()
	env, err := wireproto.ReadEnvelope(s)
	if err != nil {
		log.Errorf("p2p: reading envelope from %s: %s", s.Conn().RemotePeer().Pretty(), err)
		return
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		log.Warnf("p2p: dropping envelope from %s: no handler registered", s.Conn().RemotePeer().Pretty())
		return
	}
	h(s.Conn().RemotePeer().Pretty(), env)
}
