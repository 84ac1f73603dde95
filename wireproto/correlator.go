package wireproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimeoutForKind returns the per-kind timeout §4.G specifies: 30s for
// open/close negotiation, 5s for payments. Response kinds are matched to
// the timeout of the request they answer.
func TimeoutForKind(k Kind) time.Duration {
	switch k {
	case KindOpenReq, KindOpenAccept, KindOpenReject,
		KindFundingCreated, KindFundingSigned, KindChannelReady,
		KindCloseReq, KindCloseAccept, KindCloseComplete:
		return 30 * time.Second
	case KindUpdateReq, KindUpdateAck, KindUpdateReject:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}

// correlationKey identifies one pending request: channelID alone for
// open/close negotiation (one in flight at a time), or (channelID,
// sequence) for payments, per §4.G.
type correlationKey struct {
	channelID string
	sequence  uint64
}

// Correlator is the pending-request table described in §4.G: a sender
// registers a waiter keyed by channelId or (channelId, sequence) before
// sending, and the transport's read loop calls Resolve when a matching
// response arrives. It generalizes the teacher's readMessageWithTimeout
// (one in-flight request per stream) to many channels multiplexed over
// one connection.
type Correlator struct {
	mu      sync.Mutex
	pending map[correlationKey]chan Envelope
}

// NewCorrelator builds an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[correlationKey]chan Envelope)}
}

func keyFor(channelID string, sequence uint64, bySequence bool) correlationKey {
	if bySequence {
		return correlationKey{channelID: channelID, sequence: sequence}
	}
	return correlationKey{channelID: channelID}
}

// Waiter is a registered pending-request slot. Callers must register
// before sending the request that the response correlates to, so a
// response that arrives between send and Wait is never lost.
type Waiter struct {
	c   *Correlator
	key correlationKey
	ch  chan Envelope
}

// Register reserves a waiter for responses to a request sent for
// channelID (and sequence, for payment messages). Call Register before
// sending the request; the returned Waiter's Wait method blocks for the
// response.
func (c *Correlator) Register(channelID string, sequence uint64, bySequence bool) (*Waiter, error) {
	key := keyFor(channelID, sequence, bySequence)
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("wireproto: duplicate pending request for %+v", key)
	}
	c.pending[key] = ch
	return &Waiter{c: c, key: key, ch: ch}, nil
}

// Wait blocks until a matching Envelope arrives, ctx is canceled, or a
// timeout elapses: reqKind's configured timeout or ctx's own deadline,
// whichever comes first. Either timeout is surfaced as ErrTimeout per §7;
// a cancellation that is not a deadline returns ctx.Err().
func (w *Waiter) Wait(ctx context.Context, reqKind Kind) (Envelope, error) {
	defer func() {
		w.c.mu.Lock()
		delete(w.c.pending, w.key)
		w.c.mu.Unlock()
	}()

	timer := time.NewTimer(TimeoutForKind(reqKind))
	defer timer.Stop()

	select {
	case e := <-w.ch:
		return e, nil
	case <-timer.C:
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Envelope{}, ErrTimeout
		}
		return Envelope{}, ctx.Err()
	}
}

// Await is a convenience wrapper for callers that can tolerate the small
// window between registration and send being implicit (tests, or
// single-goroutine call sites); production call sites with a real
// transport should use Register followed by Wait around the send.
func (c *Correlator) Await(ctx context.Context, channelID string, sequence uint64, bySequence bool, reqKind Kind) (Envelope, error) {
	w, err := c.Register(channelID, sequence, bySequence)
	if err != nil {
		return Envelope{}, err
	}
	return w.Wait(ctx, reqKind)
}

// Resolve delivers e to the waiter registered for its (channelID,
// sequence), trying the sequence-keyed table first and falling back to
// the channel-only key. Unmatched responses are dropped with a log event,
// per §4.G: "unmatched responses are discarded with a log event."
func (c *Correlator) Resolve(e Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[keyFor(e.ChannelID, e.Sequence, true)]
	if !ok {
		ch, ok = c.pending[keyFor(e.ChannelID, 0, false)]
	}
	c.mu.Unlock()

	if !ok {
		log.Debugf("wireproto: discarding unmatched %s for channel %s seq %d", e.Kind, e.ChannelID, e.Sequence)
		return
	}
	select {
	case ch <- e:
	default:
		log.Debugf("wireproto: waiter for channel %s seq %d already fired", e.ChannelID, e.Sequence)
	}
}

// ErrTimeout is returned by Wait (and Await) when no response arrives
// within the kind's configured timeout or before ctx's deadline.
var ErrTimeout = fmt.Errorf("wireproto: timed out waiting for response")
