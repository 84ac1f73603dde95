package engine

import (
	"time"

	"github.com/google/uuid"
)

// EngineEvents is the set of outcome hooks Engine implements, per the §9
// redesign note: Protocol never holds a reference back to Engine. The
// wireproto package never calls these hooks; Engine's own envelope
// handlers and operations call them, and dispute.Monitor reaches Engine
// only through the dispute.Rebroadcaster interface (RebroadcastLatest,
// which in turn calls OnDisputeAlert), so there is no cyclic ownership
// between the protocol layer and the facade that owns it.
type EngineEvents interface {
	OnUpdate(channelID uuid.UUID, sequence uint64, balInitiator, balResponder int64)
	OnClose(channelID uuid.UUID, txid string)
	OnOpenAccept(channelID uuid.UUID, peer string, capacity int64) bool
	OnDisputeAlert(channelID uuid.UUID, broadcastSeq, latestKnownSeq uint64)
}

// ChannelOpened fires once a channel reaches the Open state.
type ChannelOpened struct {
	ChannelID uuid.UUID
	Peer      string
	Capacity  int64
	Timestamp time.Time
}

// ChannelPayment fires after a SEND_PAY or RECV_PAY has been committed.
type ChannelPayment struct {
	ChannelID    uuid.UUID
	Sequence     uint64
	BalInitiator int64
	BalResponder int64
	Timestamp    time.Time
}

// ChannelClosed fires once a channel reaches the Closed state, whether by
// cooperative settlement or force-close.
type ChannelClosed struct {
	ChannelID uuid.UUID
	Txid      string
	Timestamp time.Time
}

// DisputeRaised fires when dispute.Monitor observes a stale-state
// broadcast on a channel's funding output.
type DisputeRaised struct {
	ChannelID      uuid.UUID
	BroadcastSeq   uint64
	LatestKnownSeq uint64
	Timestamp      time.Time
}

// events fans out state-change notifications over typed channels rather
// than a generic event-emitter, per §9. Each channel is buffered so a slow
// consumer cannot stall channel mutation; a full buffer drops the new
// notification (logged, not blocked), since these channels are
// a convenience view onto Store state, not the system of record.
type events struct {
	Opened  chan ChannelOpened
	Payment chan ChannelPayment
	Closed  chan ChannelClosed
	Dispute chan DisputeRaised
}

func newEvents() *events {
	return &events{
		Opened:  make(chan ChannelOpened, 32),
		Payment: make(chan ChannelPayment, 256),
		Closed:  make(chan ChannelClosed, 32),
		Dispute: make(chan DisputeRaised, 32),
	}
}

func (e *events) emitOpened(ev ChannelOpened) {
	ev.Timestamp = time.Now()
	select {
	case e.Opened <- ev:
	default:
		log.Warnf("engine: ChannelOpened event buffer full, dropping notification for %s", ev.ChannelID)
	}
}

func (e *events) emitPayment(ev ChannelPayment) {
	ev.Timestamp = time.Now()
	select {
	case e.Payment <- ev:
	default:
		log.Warnf("engine: ChannelPayment event buffer full, dropping notification for %s", ev.ChannelID)
	}
}

func (e *events) emitClosed(ev ChannelClosed) {
	ev.Timestamp = time.Now()
	select {
	case e.Closed <- ev:
	default:
		log.Warnf("engine: ChannelClosed event buffer full, dropping notification for %s", ev.ChannelID)
	}
}

func (e *events) emitDispute(ev DisputeRaised) {
	ev.Timestamp = time.Now()
	select {
	case e.Dispute <- ev:
	default:
		log.Warnf("engine: DisputeRaised event buffer full, dropping notification for %s", ev.ChannelID)
	}
}
