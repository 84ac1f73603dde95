// Package forceclose implements the unilateral channel teardown of spec
// §4.I: triggered when the peer has been silent beyond a timeout and the
// channel's absolute locktime has passed, it assembles and broadcasts the
// latest held commitment transaction and transitions the channel to
// Closed. Unlike the teacher's cooperative-close-only path, forceclose
// never waits on the counterparty.
package forceclose

import (
	"context"
	"fmt"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"

	"github.com/bchlabs/paychan/chainrpc"
	"github.com/bchlabs/paychan/channel"
	"github.com/bchlabs/paychan/script"
)

// Machine is the slice of channel.Machine forceclose needs: the current
// Channel snapshot plus the ability to record that a force-close has
// happened.
type Machine interface {
	Snapshot() channel.Channel
	ForceClosed() error
}

// Eligible reports whether a channel may be force-closed right now: both
// of §4.I's preconditions, peer silence beyond peerTimeout and wall-clock
// past the channel's locktime T, must hold — neither alone is sufficient.
func Eligible(c channel.Channel, lastPeerContact time.Time, now time.Time, peerTimeout time.Duration) bool {
	if c.State != channel.StateOpen && c.State != channel.StateClosing {
		return false
	}
	peerSilent := now.Sub(lastPeerContact) > peerTimeout
	pastLockTime := uint32(now.Unix()) > c.LockTime
	return peerSilent && pastLockTime
}

// Close builds the fully-unlocked latest commitment transaction held by m,
// broadcasts it via oracle, transitions m to Closed, and returns the
// broadcast txid — resolving the §9 "placeholder txid" redesign flag: the
// caller always gets back the real txid the network accepted, never a
// synthesized stand-in.
func Close(ctx context.Context, m Machine, oracle chainrpc.Oracle) (chainhash.Hash, error) {
	c := m.Snapshot()
	if c.Local.Tx == nil {
		return chainhash.Hash{}, fmt.Errorf("forceclose: channel %s has no commitment to broadcast", c.ID)
	}

	tx := c.Local.Tx.Copy()
	var sigFirst, sigSecond []byte
	if c.IsInitiator {
		sigFirst, sigSecond = c.Local.LocalSig, c.Local.RemoteSig
	} else {
		sigFirst, sigSecond = c.Local.RemoteSig, c.Local.LocalSig
	}
	unlock, err := script.Unlock(sigFirst, sigSecond)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("forceclose: assemble unlock script: %w", err)
	}
	if len(tx.TxIn) == 0 {
		return chainhash.Hash{}, fmt.Errorf("forceclose: channel %s commitment has no inputs", c.ID)
	}
	tx.TxIn[0].SignatureScript = unlock

	txid, err := oracle.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("forceclose: broadcast channel %s commitment: %w", c.ID, err)
	}

	log.Infof("forceclose: channel %s force-closed, broadcast txid %s", c.ID, txid)

	if err := m.ForceClosed(); err != nil {
		return txid, fmt.Errorf("forceclose: record force-close for channel %s: %w", c.ID, err)
	}
	return txid, nil
}
