// Package dispute watches open and closing channels for stale-state
// broadcasts on their funding output, per spec §4.H. Monitor is
// structured like the pack's breach-watching subsystem
// (backend-engineer1-land/breacharbiter.go): idempotent atomic
// started/stopped flags, a quit channel, a sync.WaitGroup, and a single
// ticker goroutine, simplified here to a poll loop since the engine has
// no need for the breach arbiter's per-channel confirmation-notification
// goroutines.
package dispute

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gcash/bchd/wire"

	"github.com/bchlabs/paychan/chainrpc"
	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/txbuilder"
)

// DefaultInterval is how often Monitor polls the chain, per §4.H.
const DefaultInterval = 60 * time.Second

// ChannelSource is the slice of Store that Monitor needs: the set of
// channels currently in a state whose funding output could still be
// disputed.
type ChannelSource interface {
	ListChannels() []*channel.Channel
}

// AlertSink is the slice of Store that Monitor needs to persist what it
// observes.
type AlertSink interface {
	SaveAlert(a *channel.DisputeAlert) error
}

// Rebroadcaster lets Monitor ask for the channel's latest commitment to
// be rebroadcast once a stale state is detected, without Monitor needing
// to depend on the engine or forceclose packages directly.
type Rebroadcaster interface {
	RebroadcastLatest(ctx context.Context, channelID string) error
}

// Config collects Monitor's dependencies and tuning knobs.
type Config struct {
	Store    ChannelSource
	Alerts   AlertSink
	Oracle   chainrpc.Oracle
	Rebroad  Rebroadcaster
	Interval time.Duration
}

// Monitor periodically scans Open/Closing channels for a transaction
// that spends the funding output at a stale sequence number, per §4.H.
type Monitor struct {
	cfg Config

	started uint32
	stopped uint32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Monitor around cfg, defaulting Interval to DefaultInterval
// if unset.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{cfg: cfg, quit: make(chan struct{})}
}

// Start is idempotent: calling it more than once is a no-op, matching the
// teacher's breachArbiter.Start contract.
func (m *Monitor) Start() error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return nil
	}
	log.Infof("dispute: starting monitor, poll interval %s", m.cfg.Interval)
	m.wg.Add(1)
	go m.watch()
	return nil
}

// Stop is idempotent and blocks until the watch goroutine has exited.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return nil
	}
	close(m.quit)
	m.wg.Wait()
	return nil
}

func (m *Monitor) watch() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scanOnce()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) scanOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()

	for _, c := range m.cfg.Store.ListChannels() {
		if c.State != channel.StateOpen && c.State != channel.StateClosing {
			continue
		}
		m.checkChannel(ctx, c)
	}
}

func (m *Monitor) checkChannel(ctx context.Context, c *channel.Channel) {
	outpoint := wire.OutPoint{Hash: c.FundingTxid, Index: c.FundingVout}
	spendTx, found, err := m.cfg.Oracle.FindSpend(ctx, outpoint)
	if err != nil {
		log.Debugf("dispute: FindSpend(%s) failed: %v", c.ID, err)
		return
	}
	if !found {
		return
	}

	broadcastSeq, ok := replaceBySequence(spendTx)
	if !ok {
		return
	}
	if broadcastSeq >= c.Local.Sequence {
		return
	}

	log.Warnf("dispute: channel %s: observed stale broadcast at sequence %d, latest known is %d",
		c.ID, broadcastSeq, c.Local.Sequence)

	alert := &channel.DisputeAlert{
		ChannelID:      c.ID,
		DetectedAt:     time.Now(),
		BroadcastTxid:  spendTx.TxHash(),
		BroadcastSeq:   broadcastSeq,
		LatestKnownSeq: c.Local.Sequence,
		Deadline:       time.Unix(int64(c.LockTime), 0),
		Status:         channel.AlertOpen,
	}
	if err := m.cfg.Alerts.SaveAlert(alert); err != nil {
		log.Errorf("dispute: failed to persist alert for channel %s: %v", c.ID, err)
	}

	if err := m.cfg.Rebroad.RebroadcastLatest(ctx, c.ID.String()); err != nil {
		log.Errorf("dispute: rebroadcast for channel %s failed: %v", c.ID, err)
		return
	}
	alert.Status = channel.AlertResolved
	if err := m.cfg.Alerts.SaveAlert(alert); err != nil {
		log.Errorf("dispute: failed to persist resolved alert for channel %s: %v", c.ID, err)
	}
}

// replaceBySequence recovers the channel sequence number s encoded in the
// spending transaction's single funding input, inverting the
// txbuilder.BuildCommitment transform (nSequence = SequenceMaxReplaceable -
// s): a strictly higher s yields a strictly lower nSequence, which is what
// lets a newer state replace an older broadcast one under the chain's
// replacement rules. A final nSequence (wire.MaxTxInSequenceNum) marks a
// settlement transaction, not a disputable commitment state, and is ignored.
func replaceBySequence(tx *wire.MsgTx) (uint64, bool) {
	if len(tx.TxIn) == 0 {
		return 0, false
	}
	seq := tx.TxIn[0].Sequence
	if seq == wire.MaxTxInSequenceNum || seq > txbuilder.SequenceMaxReplaceable {
		return 0, false
	}
	return uint64(txbuilder.SequenceMaxReplaceable - seq), true
}
