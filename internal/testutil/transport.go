package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/bchlabs/paychan/wireproto"
)

// Network is an in-memory hub connecting named peers' Transports, standing
// in for the teacher's libp2p-backed net.go during scenario tests.
// Delivery runs on its own goroutine per Send so two in-process engine.Engine
// instances exercise the same register-before-send ordering a real
// asynchronous transport would.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Transport
}

// NewNetwork builds an empty hub.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Transport)}
}

// Transport registers peerID (if not already present) and returns its
// engine.Transport-implementing endpoint.
func (n *Network) Transport(peerID string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.peers[peerID]; ok {
		return t
	}
	t := &Transport{net: n, self: peerID}
	n.peers[peerID] = t
	return t
}

// Transport is one peer's endpoint into a Network.
type Transport struct {
	net  *Network
	self string

	mu      sync.Mutex
	handler func(peerID string, env wireproto.Envelope)
}

// Send delivers env to peerID's registered handler on a new goroutine, if
// that peer is known to the Network; otherwise it returns an error, as a
// real transport would on an unreachable peer.
func (t *Transport) Send(ctx context.Context, peerID string, env wireproto.Envelope) error {
	t.net.mu.Lock()
	dst, ok := t.net.peers[peerID]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("testutil: unknown peer %q", peerID)
	}

	dst.mu.Lock()
	h := dst.handler
	dst.mu.Unlock()
	if h == nil {
		return fmt.Errorf("testutil: peer %q has no handler registered", peerID)
	}

	go h(t.self, env)
	return nil
}

// Handle registers the inbound-envelope callback, mirroring the one-handler
// contract of engine.Transport.
func (t *Transport) Handle(handler func(peerID string, env wireproto.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}
