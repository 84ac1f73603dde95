package engine

import (
	"context"

	"github.com/bchlabs/paychan/wireproto"
)

// Transport is the Transport port of spec §6, narrowed to what the engine
// needs: send one framed Envelope to a peer, and register the handler that
// every inbound Envelope (from any peer) is dispatched to. A concrete
// adapter (transport/p2p) maps this onto libp2p streams with the teacher's
// net.go openStream/handleNewStream pattern, opening a fresh stream for
// each sent Envelope; no stream is kept open between messages, either per
// peer or per channel. Engine itself never depends on libp2p.
type Transport interface {
	// Send delivers env to peerID.
	Send(ctx context.Context, peerID string, env wireproto.Envelope) error

	// Handle registers the function called for every inbound Envelope,
	// from any peer. Only one handler may be registered; Engine installs
	// its own dispatcher at construction time.
	Handle(handler func(peerID string, env wireproto.Envelope))
}

// ServiceProvider fulfills a paid service request once the payment for it
// has cleared, per §4.J's paidRequest: modeled on the shape of the
// teacher's BIP-70 payment-protocol client (build request, validate
// response, return a typed result) without pulling the BIP-70/X.509
// machinery itself into the core, since the service/quote layer sits
// above the channel engine and is explicitly out of scope.
type ServiceProvider interface {
	Fulfill(ctx context.Context, service string, params map[string]string, amountPaid int64) (ServiceResult, error)
}

// ServiceResult is whatever the ServiceProvider returns once a
// paidRequest's payment has cleared.
type ServiceResult struct {
	Service string
	Detail  string
}
