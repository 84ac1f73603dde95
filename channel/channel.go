// Package channel implements the authoritative channel lifecycle: the
// Channel data model, its persisted invariants, and the Machine that
// mutates balances and sequence numbers under per-channel serialization,
// per spec §3/§4.F.
package channel

import (
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/google/uuid"
)

// State is a channel's lifecycle state, per §4.F.
type State uint8

const (
	// StatePending covers everything from CREATE_CHANNEL through a funding
	// transaction that has not yet confirmed.
	StatePending State = iota
	// StateOpen is the normal payment-processing state.
	StateOpen
	// StateClosing is entered on CLOSE, before the settlement transaction
	// is broadcast and confirmed.
	StateClosing
	// StateClosed is terminal: either cooperative settlement or a
	// unilateral force-close has completed.
	StateClosed
	// StateFailed is terminal and reachable only from StatePending, when
	// funding negotiation is rejected or times out.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Commitment is the most recently agreed commitment (or settlement)
// transaction for a channel, together with both parties' signatures over
// it. A Commitment with Sequence 0 and no signatures is the pre-funding
// zero state, per I3.
type Commitment struct {
	Sequence     uint64
	BalInitiator int64
	BalResponder int64
	LockTime     uint32
	Tx           *wire.MsgTx
	LocalSig     []byte
	RemoteSig    []byte
}

// Channel is the durable record of a single payment channel, per spec §3.
// Fields are exported so the store package can gob-encode the struct
// directly, matching the teacher's approach in paymentchannels/db.go.
type Channel struct {
	ID uuid.UUID

	// Opener and Responder are the libp2p peer identifiers (string form)
	// of the two parties. IsInitiator tells us which side of that pair we
	// are, which in turn governs which of (bI, bR) is "our" balance for
	// SEND_PAY's limit check and which of (PkInitiator, PkResponder) is
	// "ours" for signing.
	Opener     string
	Responder  string
	IsInitiator bool

	// PkInitiator and PkResponder are compressed secp256k1 public keys,
	// recorded in the channel's fixed party order: the initiator's key
	// always comes first in the multisig script, never sorted, per I5 and
	// the §9 Open Question resolution in SPEC_FULL.md §4.A.
	PkInitiator []byte
	PkResponder []byte

	// AddrInitiator and AddrResponder are payout locking scripts (not
	// bchutil.Address values) so txbuilder can consume them directly.
	AddrInitiator []byte
	AddrResponder []byte

	Capacity     int64
	BalInitiator int64
	BalResponder int64
	Sequence     uint64

	// LockTime is the channel's absolute locktime T, in Unix seconds; it
	// bounds both commitment nLockTime and the force-close deadline.
	LockTime uint32

	FundingTxid chainhash.Hash
	FundingVout uint32

	// Local is the latest commitment both parties have agreed to: the one
	// with the highest Sequence for which we hold both signatures, per I3.
	Local Commitment

	State State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LocalBalance returns the balance that belongs to "us" — the party
// running this Machine instance — regardless of whether we are the
// initiator or the responder.
func (c *Channel) LocalBalance() int64 {
	if c.IsInitiator {
		return c.BalInitiator
	}
	return c.BalResponder
}

// RemoteBalance returns the counterparty's balance.
func (c *Channel) RemoteBalance() int64 {
	if c.IsInitiator {
		return c.BalResponder
	}
	return c.BalInitiator
}

// LocalPubKey and RemotePubKey return the compressed pubkeys in
// local/remote terms, honoring the channel's fixed party order.
func (c *Channel) LocalPubKey() []byte {
	if c.IsInitiator {
		return c.PkInitiator
	}
	return c.PkResponder
}

func (c *Channel) RemotePubKey() []byte {
	if c.IsInitiator {
		return c.PkResponder
	}
	return c.PkInitiator
}

// Direction tags a PaymentRecord from the recording party's point of view.
type Direction uint8

const (
	DirectionSent Direction = iota
	DirectionReceived
)

// PaymentRecord is an append-only audit log entry, per spec §3. It is never
// mutated once written and is not authoritative for balances — Channel.Local
// is.
type PaymentRecord struct {
	ChannelID uuid.UUID
	Amount    int64
	Direction Direction
	Sequence  uint64
	LocalSig  []byte
	RemoteSig []byte
	Timestamp time.Time
}

// AlertStatus is the lifecycle of a DisputeAlert.
type AlertStatus uint8

const (
	// AlertOpen means a stale broadcast was observed and the latest
	// commitment has not yet been rebroadcast to replace it.
	AlertOpen AlertStatus = iota
	// AlertResolved means the latest commitment has been rebroadcast.
	AlertResolved
	// AlertMissedDeadline means T elapsed before the latest commitment
	// could replace the stale broadcast — a bug in the watching node, not
	// a loss for the honest party (the newer state still wins the
	// nSequence race if it reached the mempool in time).
	AlertMissedDeadline
)

// DisputeAlert records detection of an old-state broadcast on a channel's
// funding output, per spec §3.
type DisputeAlert struct {
	ChannelID      uuid.UUID
	DetectedAt     time.Time
	BroadcastTxid  chainhash.Hash
	BroadcastSeq   uint64
	LatestKnownSeq uint64
	Deadline       time.Time
	Status         AlertStatus
}
