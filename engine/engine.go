// Package engine implements the thin facade spec §4.J describes: it wires
// the state machine (channel), persistence (store), signing (signer),
// chain access (chainrpc), the wire protocol (wireproto), dispute
// watching (dispute), and unilateral teardown (forceclose) behind a small
// set of cancellable operations — openChannel, pay, closeChannel,
// paidRequest, listChannels, channelBalance.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bchlabs/paychan/chainrpc"
	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/dispute"
	"github.com/bchlabs/paychan/forceclose"
	"github.com/bchlabs/paychan/signer"
	"github.com/bchlabs/paychan/walletport"
	"github.com/bchlabs/paychan/wireproto"
)

// Store is the slice of store.Store the engine needs. Defined here (not
// imported from the store package directly as a concrete type) so engine
// depends only on the narrow contract it actually uses, matching the
// Persister/Signer narrowing already used in channel.Machine.
type Store interface {
	SaveChannel(c *channel.Channel) error
	GetChannel(id uuid.UUID) (*channel.Channel, bool)
	ListChannels() []*channel.Channel
	AppendPayment(p *channel.PaymentRecord) error
	SaveAlert(a *channel.DisputeAlert) error
}

// Engine is the channel-engine facade. It implements EngineEvents, and
// dispute.Monitor reaches it only through the dispute.Rebroadcaster
// interface, so neither wireproto nor dispute holds a reference to
// Engine's concrete type.
type Engine struct {
	cfg Config

	localPeerID string
	secret      *signer.Signer

	store     Store
	oracle    chainrpc.Oracle
	wallet    walletport.Backend
	transport Transport
	provider  ServiceProvider

	correlator *wireproto.Correlator
	monitor    *dispute.Monitor

	chanLock kmutex
	events   *events

	mu       sync.RWMutex
	machines map[uuid.UUID]*channel.Machine
}

// Deps collects Engine's constructor-time dependencies.
type Deps struct {
	LocalPeerID string
	Secret      []byte
	Store       Store
	Oracle      chainrpc.Oracle
	Wallet      walletport.Backend
	Transport   Transport
	Provider    ServiceProvider
}

// New builds an Engine, loads every persisted channel from Store into
// in-memory Machines, wires the wire-protocol handler, and starts the
// dispute monitor.
func New(cfg Config, deps Deps) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		localPeerID: deps.LocalPeerID,
		secret:      signer.New(deps.Secret),
		store:       deps.Store,
		oracle:      deps.Oracle,
		wallet:      deps.Wallet,
		transport:   deps.Transport,
		provider:    deps.Provider,
		correlator:  wireproto.NewCorrelator(),
		chanLock:    newKmutex(),
		events:      newEvents(),
		machines:    make(map[uuid.UUID]*channel.Machine),
	}

	for _, c := range deps.Store.ListChannels() {
		e.machines[c.ID] = channel.New(*c, e.store, e.signerFor(c), channel.Config{FeePerByte: cfg.FeePerByte})
	}

	e.transport.Handle(e.handleEnvelope)

	e.monitor = dispute.New(dispute.Config{
		Store:    disputeStoreAdapter{e.store},
		Alerts:   disputeAlertAdapter{e.store},
		Oracle:   e.oracle,
		Rebroad:  e,
		Interval: cfg.DisputeCheckInterval,
	})
	if err := e.monitor.Start(); err != nil {
		return nil, fmt.Errorf("engine: start dispute monitor: %w", err)
	}

	return e, nil
}

// Close stops background work (the dispute monitor). It does not close
// any channels — CloseChannel does that, per-channel.
func (e *Engine) Close() error {
	return e.monitor.Stop()
}

// Events exposes the typed notification channels §9 mandates in place of
// a generic event-emitter.
func (e *Engine) Events() (opened <-chan ChannelOpened, payment <-chan ChannelPayment, closed <-chan ChannelClosed, disputed <-chan DisputeRaised) {
	return e.events.Opened, e.events.Payment, e.events.Closed, e.events.Dispute
}

func (e *Engine) signerFor(c *channel.Channel) channel.Signer {
	if c.IsInitiator {
		return e.secret.ForChannel(c.PkResponder)
	}
	return e.secret.ForChannel(c.PkInitiator)
}

// ListChannels returns every channel the engine currently tracks.
func (e *Engine) ListChannels() []*channel.Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(e.machines))
	for _, m := range e.machines {
		c := m.Snapshot()
		out = append(out, &c)
	}
	return out
}

// ChannelBalance returns the local balance held on channelID.
func (e *Engine) ChannelBalance(channelID uuid.UUID) (int64, error) {
	m, err := e.machine(channelID)
	if err != nil {
		return 0, err
	}
	return m.Snapshot().LocalBalance(), nil
}

func (e *Engine) machine(channelID uuid.UUID) (*channel.Machine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[channelID]
	if !ok {
		return nil, fmt.Errorf("engine: unknown channel %s", channelID)
	}
	return m, nil
}

func (e *Engine) withChannelLock(channelID uuid.UUID, fn func() error) error {
	e.chanLock.lock(channelID)
	defer e.chanLock.unlock(channelID)
	return fn()
}

// RebroadcastLatest implements dispute.Rebroadcaster: it force-closes the
// channel by broadcasting its latest held commitment, the correct
// response to observing a stale-state broadcast per §4.H.
func (e *Engine) RebroadcastLatest(ctx context.Context, channelID string) error {
	id, err := uuid.Parse(channelID)
	if err != nil {
		return fmt.Errorf("engine: invalid channel id %q: %w", channelID, err)
	}
	m, err := e.machine(id)
	if err != nil {
		return err
	}
	snap := m.Snapshot()
	e.OnDisputeAlert(id, 0, snap.Local.Sequence)

	var txid string
	err = e.withChannelLock(id, func() error {
		hash, err := forceclose.Close(ctx, m, e.oracle)
		if err != nil {
			return err
		}
		txid = hash.String()
		return nil
	})
	if err != nil {
		return err
	}
	e.OnClose(id, txid)
	return nil
}

// OnUpdate implements EngineEvents: it fans out a ChannelPayment
// notification for a newly committed balance split.
func (e *Engine) OnUpdate(channelID uuid.UUID, sequence uint64, balInitiator, balResponder int64) {
	e.events.emitPayment(ChannelPayment{
		ChannelID:    channelID,
		Sequence:     sequence,
		BalInitiator: balInitiator,
		BalResponder: balResponder,
	})
}

// OnClose implements EngineEvents: it fans out a ChannelClosed
// notification, whether the close was cooperative or unilateral.
func (e *Engine) OnClose(channelID uuid.UUID, txid string) {
	e.events.emitClosed(ChannelClosed{ChannelID: channelID, Txid: txid})
}

// OnOpenAccept implements EngineEvents: it decides whether an incoming
// OpenReq is accepted automatically. Proposals at or above
// AutoAcceptThreshold are refused here and must instead go through an
// explicit caller-driven acceptance path (not modeled at this layer, per
// §1's scope), since the embedding application owns that policy decision.
func (e *Engine) OnOpenAccept(channelID uuid.UUID, peer string, capacity int64) bool {
	if capacity < e.cfg.MinCapacity || capacity > e.cfg.MaxCapacity {
		return false
	}
	return capacity < e.cfg.AutoAcceptThreshold
}

// OnDisputeAlert implements EngineEvents: it fans out a DisputeRaised
// notification so the embedding application can alert an operator, even
// though the engine itself has already acted by the time this fires.
func (e *Engine) OnDisputeAlert(channelID uuid.UUID, broadcastSeq, latestKnownSeq uint64) {
	e.events.emitDispute(DisputeRaised{
		ChannelID:      channelID,
		BroadcastSeq:   broadcastSeq,
		LatestKnownSeq: latestKnownSeq,
	})
}

// disputeStoreAdapter narrows Store to dispute.ChannelSource.
type disputeStoreAdapter struct{ s Store }

func (a disputeStoreAdapter) ListChannels() []*channel.Channel { return a.s.ListChannels() }

// disputeAlertAdapter narrows Store to dispute.AlertSink.
type disputeAlertAdapter struct{ s Store }

func (a disputeAlertAdapter) SaveAlert(alert *channel.DisputeAlert) error {
	return a.s.SaveAlert(alert)
}
