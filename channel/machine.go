package channel

import (
	"fmt"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/script"
	"github.com/bchlabs/paychan/signer"
	"github.com/bchlabs/paychan/txbuilder"
)

// Persister is the subset of store.Store the Machine needs: atomic,
// single-channel-granularity writes, per §4.D.
type Persister interface {
	SaveChannel(c *Channel) error
	AppendPayment(p *PaymentRecord) error
}

// Signer is the subset of signer.Signer the Machine needs: sign/verify a
// commitment input using the channel-scoped derived key. The Machine never
// sees raw key material, per §3's Signer ownership rule — it hands the
// transaction and scriptCode to the Signer and gets back a DER+hashtype
// signature (script.Sign's output format).
type Signer interface {
	Sign(channelID string, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) ([]byte, error)
}

// Config collects the Machine's tunables — fee rate and feature knobs that
// would otherwise be mutable globals, per the §9 "implicit mutable global
// configuration" redesign flag. The authoritative copy lives on
// engine.Config; Machine gets its own narrowed view.
type Config struct {
	// FeePerByte prices the commitment/settlement transaction fee, applied
	// via wire.MsgTx.SerializeSize() once outputs are provisionally built.
	FeePerByte int64
}

// Machine is the authoritative, in-memory owner of one Channel's lifecycle.
// Every exported method here is the single mutation path for that field of
// state; callers (engine.Engine) are responsible for the per-channel
// serialization described in spec §5 — Machine itself assumes it is only
// ever invoked under that lock.
type Machine struct {
	Channel Channel

	store  Persister
	signer Signer
	cfg    Config

	// pending holds our own SEND_PAY in flight, staged but not yet
	// promoted into Channel.Sequence/Channel.Local: I3 requires a
	// persisted snapshot with non-zero s to carry both signatures, and we
	// only have our own until RecvAck arrives. It is deliberately
	// in-memory only (not part of Channel, never gob-encoded) — a crash
	// here loses it, which is exactly right per S3: recovery lands back
	// on the last fully-countersigned state and a retried SendPay
	// reproduces the same update.
	pending *pendingUpdate
}

// pendingUpdate is the commitment we've built and signed for our own
// outstanding SEND_PAY, waiting on the counterparty's UPDATE_ACK.
type pendingUpdate struct {
	sequence     uint64
	balInitiator int64
	balResponder int64
	amount       int64
	tx           *wire.MsgTx
	localSig     []byte
}

// New wraps an existing Channel (freshly created or loaded from Store) in a
// Machine.
func New(c Channel, store Persister, signer Signer, cfg Config) *Machine {
	return &Machine{Channel: c, store: store, signer: signer, cfg: cfg}
}

// CreateOpener builds the Pending channel state for the party that calls
// CREATE_CHANNEL (the initiator), per §4.F's "propose" transition.
func CreateOpener(id uuid.UUID, opener, responder string, pkLocal, pkRemote []byte,
	addrLocal, addrRemote []byte, capacity int64, lockTime uint32) Channel {

	now := time.Now()
	return Channel{
		ID:            id,
		Opener:        opener,
		Responder:     responder,
		IsInitiator:   true,
		PkInitiator:   pkLocal,
		PkResponder:   pkRemote,
		AddrInitiator: addrLocal,
		AddrResponder: addrRemote,
		Capacity:      capacity,
		BalInitiator:  capacity,
		BalResponder:  0,
		LockTime:      lockTime,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CreateResponder builds the Pending channel state on the responder side
// upon OPEN_ACCEPTED, mirroring CreateOpener with IsInitiator false and the
// party order preserved (the initiator's key is still PkInitiator).
func CreateResponder(id uuid.UUID, opener, responder string, pkInitiator, pkResponder []byte,
	addrInitiator, addrResponder []byte, capacity int64, lockTime uint32) Channel {

	now := time.Now()
	return Channel{
		ID:            id,
		Opener:        opener,
		Responder:     responder,
		IsInitiator:   false,
		PkInitiator:   pkInitiator,
		PkResponder:   pkResponder,
		AddrInitiator: addrInitiator,
		AddrResponder: addrResponder,
		Capacity:      capacity,
		BalInitiator:  capacity,
		BalResponder:  0,
		LockTime:      lockTime,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (m *Machine) id() string { return m.Channel.ID.String() }

// SetFunding records the funding outpoint once the opener's funding
// transaction has been constructed (but not necessarily confirmed), per
// §4.F's Pending "SET_FUNDING" operation.
func (m *Machine) SetFunding(txid chainhash.Hash, vout uint32) error {
	if m.Channel.State != StatePending {
		return errInvalidTransition(m.id(), "SET_FUNDING", m.Channel.State)
	}
	m.Channel.FundingTxid = txid
	m.Channel.FundingVout = vout
	m.Channel.UpdatedAt = time.Now()
	return m.persist()
}

// ConfirmOpen transitions Pending -> Open once the funding transaction has
// confirmed on chain, per §4.F's "fund-confirmed" transition.
func (m *Machine) ConfirmOpen() error {
	if m.Channel.State != StatePending {
		return errInvalidTransition(m.id(), "CONFIRM_OPEN", m.Channel.State)
	}
	m.Channel.State = StateOpen
	m.Channel.UpdatedAt = time.Now()
	return m.persist()
}

// Fail transitions Pending -> Failed. Per §4.J, a channel never reaches
// Failed from Open — only funding negotiation failures produce it.
func (m *Machine) Fail(reason string) error {
	if m.Channel.State != StatePending {
		return errInvalidTransition(m.id(), "FAIL", m.Channel.State)
	}
	log.Debugf("channel %s: failing funding negotiation: %s", m.id(), reason)
	m.Channel.State = StateFailed
	m.Channel.UpdatedAt = time.Now()
	return m.persist()
}

// commitmentParams builds the deterministic txbuilder.PayoutParams for
// balances (balI, balR), sharing the fee calculation both
// SendPay and RecvPay must agree on bit-for-bit (P4).
func (m *Machine) commitmentParams(balI, balR int64) txbuilder.PayoutParams {
	p := txbuilder.PayoutParams{
		FundingTxid: m.Channel.FundingTxid,
		FundingVout: m.Channel.FundingVout,
		ScriptI:     m.Channel.AddrInitiator,
		ScriptR:     m.Channel.AddrResponder,
		BalI:        balI,
		BalR:        balR,
	}
	probe := &wire.MsgTx{Version: 1, TxIn: []*wire.TxIn{{}}, TxOut: []*wire.TxOut{
		wire.NewTxOut(balI, p.ScriptI),
		wire.NewTxOut(balR, p.ScriptR),
	}}
	p.Fee = m.cfg.FeePerByte * int64(probe.SerializeSize())
	return p
}

// buildAndSign constructs the commitment transaction for sequence s and
// balances (balI, balR), and returns our own signature over it alongside
// the scriptCode used, so the caller can also verify a counterparty
// signature against the same preimage.
func (m *Machine) buildAndSign(s uint64, balI, balR int64) (*wire.MsgTx, []byte, []byte, error) {
	lockScript, err := script.MultiSig(m.Channel.PkInitiator, m.Channel.PkResponder)
	if err != nil {
		return nil, nil, nil, err
	}
	tx, err := txbuilder.BuildCommitment(m.commitmentParams(balI, balR), s, m.Channel.LockTime)
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := m.signer.Sign(m.id(), tx, 0, lockScript, m.Channel.Capacity)
	if err != nil {
		return nil, nil, nil, err
	}
	return tx, lockScript, sig, nil
}

// Update carries the wire-level content of an UPDATE message: the new
// commitment parameters and the sender's signature over it, per §4.G.
type Update struct {
	Sequence     uint64
	BalInitiator int64
	BalResponder int64
	Signature    []byte
}

// SendPay implements the SEND_PAY contract of §4.F: move amount from our
// balance to the counterparty's, sign the new commitment, and stage it as
// pending. Per I3, a persisted snapshot with non-zero s must carry both a
// local and a remote signature, so SendPay does NOT touch Channel.Sequence,
// Channel.Local or the store — only RecvAck, once the counterparty's
// signature arrives, promotes the staged commitment into the authoritative,
// persisted state. The returned Update is what the caller (engine.Engine,
// via wireproto) sends as an UPDATE message; it does not yet reflect the
// counterparty's signature, and a crash before RecvAck simply loses the
// pending stage — the channel is found, unchanged, at its last
// fully-countersigned sequence on restart (S3).
func (m *Machine) SendPay(amount int64) (Update, error) {
	if m.Channel.State != StateOpen {
		return Update{}, errChannelNotOpen(m.id(), "SEND_PAY", m.Channel.State)
	}
	if amount <= 0 || amount > m.Channel.LocalBalance() {
		return Update{}, errInsufficientBalance(m.id(), "SEND_PAY")
	}

	balI, balR := m.Channel.BalInitiator, m.Channel.BalResponder
	if m.Channel.IsInitiator {
		balI -= amount
		balR += amount
	} else {
		balR -= amount
		balI += amount
	}
	newSeq := m.Channel.Sequence + 1

	tx, _, sig, err := m.buildAndSign(newSeq, balI, balR)
	if err != nil {
		return Update{}, err
	}

	m.pending = &pendingUpdate{
		sequence: newSeq, balInitiator: balI, balResponder: balR,
		amount: amount, tx: tx, localSig: sig,
	}

	return Update{Sequence: newSeq, BalInitiator: balI, BalResponder: balR, Signature: sig}, nil
}

// RecvAck records the counterparty's counter-signature for the update we
// staged via SendPay, completing the "latest committed state" pair of
// signatures required by I3, and is the point at which Channel.Sequence and
// Channel.Local actually advance and get persisted — never before. A late
// ACK (after a Timeout) still finalizes the pending update exactly the same
// way, per §5's cancellation contract: nothing was advanced earlier for it
// to conflict with.
func (m *Machine) RecvAck(sequence uint64, remoteSig []byte) error {
	if m.pending == nil || sequence != m.pending.sequence {
		// Not an error per se: either stale, a future ACK we can't use
		// yet, or there's no outstanding SEND_PAY at all. Callers
		// (wireproto correlator) should already have matched sequence via
		// the pending-request table; this is a defensive double-check.
		want := m.Channel.Sequence + 1
		if m.pending != nil {
			want = m.pending.sequence
		}
		return errBadSequence(m.id(), "UPDATE_ACK", want, sequence)
	}
	lockScript, err := script.MultiSig(m.Channel.PkInitiator, m.Channel.PkResponder)
	if err != nil {
		return err
	}
	ok, err := signer.Verify(remotePubKey(&m.Channel), m.pending.tx, 0, lockScript, m.Channel.Capacity, remoteSig)
	if err != nil {
		return errBadSignature(m.id(), "UPDATE_ACK", err)
	}
	if !ok {
		return errBadSignature(m.id(), "UPDATE_ACK", fmt.Errorf("signature does not verify"))
	}

	p := m.pending
	m.Channel.Sequence = p.sequence
	m.Channel.BalInitiator = p.balInitiator
	m.Channel.BalResponder = p.balResponder
	m.Channel.Local = Commitment{
		Sequence: p.sequence, BalInitiator: p.balInitiator, BalResponder: p.balResponder,
		LockTime: m.Channel.LockTime, Tx: p.tx, LocalSig: p.localSig, RemoteSig: remoteSig,
	}
	m.Channel.UpdatedAt = time.Now()

	record := &PaymentRecord{
		ChannelID: m.Channel.ID, Amount: p.amount, Direction: DirectionSent,
		Sequence: p.sequence, LocalSig: p.localSig, RemoteSig: remoteSig, Timestamp: m.Channel.UpdatedAt,
	}

	if err := m.persist(); err != nil {
		return err
	}
	m.pending = nil
	if err := m.store.AppendPayment(record); err != nil {
		return errStoreFailure(m.id(), "UPDATE_ACK", err)
	}
	return nil
}

// RecvPay implements the RECV_PAY contract of §4.F: validate sequence,
// conservation and signature (strictly, with no out-of-order tolerance),
// then atomically advance state and return the UPDATE_ACK payload (our
// counter-signature) to send back.
func (m *Machine) RecvPay(u Update) ([]byte, error) {
	if m.Channel.State != StateOpen {
		return nil, errChannelNotOpen(m.id(), "RECV_PAY", m.Channel.State)
	}
	wantSeq := m.Channel.Sequence + 1
	if u.Sequence != wantSeq {
		return nil, errBadSequence(m.id(), "RECV_PAY", wantSeq, u.Sequence)
	}
	if u.BalInitiator+u.BalResponder != m.Channel.Capacity {
		return nil, errBadConservation(m.id(), "RECV_PAY", m.Channel.Capacity, u.BalInitiator+u.BalResponder)
	}

	lockScript, err := script.MultiSig(m.Channel.PkInitiator, m.Channel.PkResponder)
	if err != nil {
		return nil, err
	}
	tx, err := txbuilder.BuildCommitment(m.commitmentParams(u.BalInitiator, u.BalResponder), u.Sequence, m.Channel.LockTime)
	if err != nil {
		return nil, err
	}
	ok, err := signer.Verify(remotePubKey(&m.Channel), tx, 0, lockScript, m.Channel.Capacity, u.Signature)
	if err != nil || !ok {
		return nil, errBadSignature(m.id(), "RECV_PAY", err)
	}

	localSig, err := m.signer.Sign(m.id(), tx, 0, lockScript, m.Channel.Capacity)
	if err != nil {
		return nil, err
	}

	prevBalance := m.Channel.LocalBalance()
	m.Channel.Sequence = u.Sequence
	m.Channel.BalInitiator = u.BalInitiator
	m.Channel.BalResponder = u.BalResponder
	m.Channel.Local = Commitment{
		Sequence: u.Sequence, BalInitiator: u.BalInitiator, BalResponder: u.BalResponder,
		LockTime: m.Channel.LockTime, Tx: tx, LocalSig: localSig, RemoteSig: u.Signature,
	}
	m.Channel.UpdatedAt = time.Now()

	amount := m.Channel.LocalBalance() - prevBalance
	if amount < 0 {
		amount = -amount
	}
	record := &PaymentRecord{
		ChannelID: m.Channel.ID, Amount: amount, Direction: DirectionReceived,
		Sequence: u.Sequence, LocalSig: localSig, RemoteSig: u.Signature, Timestamp: m.Channel.UpdatedAt,
	}

	if err := m.persist(); err != nil {
		return nil, err
	}
	if err := m.store.AppendPayment(record); err != nil {
		return nil, errStoreFailure(m.id(), "RECV_PAY", err)
	}

	return localSig, nil
}

// Close implements the CLOSE contract of §4.F: transition Open -> Closing
// and build the settlement transaction at current balances. The caller is
// responsible for exchanging signatures over the network and broadcasting
// once both are present (AcceptSettlement).
func (m *Machine) Close() (*wire.MsgTx, []byte, error) {
	if m.Channel.State != StateOpen {
		return nil, nil, errChannelNotOpen(m.id(), "CLOSE", m.Channel.State)
	}
	lockScript, err := script.MultiSig(m.Channel.PkInitiator, m.Channel.PkResponder)
	if err != nil {
		return nil, nil, err
	}
	tx, err := txbuilder.BuildSettlement(m.commitmentParams(m.Channel.BalInitiator, m.Channel.BalResponder))
	if err != nil {
		return nil, nil, err
	}
	sig, err := m.signer.Sign(m.id(), tx, 0, lockScript, m.Channel.Capacity)
	if err != nil {
		return nil, nil, err
	}
	m.Channel.State = StateClosing
	m.Channel.UpdatedAt = time.Now()
	if err := m.persist(); err != nil {
		return nil, nil, err
	}
	return tx, sig, nil
}

// AcceptSettlement finalizes a cooperative close once the counterparty's
// settlement signature has arrived: it assembles the unlock script,
// transitions Closing -> Closed, and returns the fully signed settlement
// transaction ready for broadcast.
func (m *Machine) AcceptSettlement(tx *wire.MsgTx, localSig, remoteSig []byte) (*wire.MsgTx, error) {
	if m.Channel.State != StateClosing {
		return nil, errInvalidTransition(m.id(), "ACCEPT_SETTLEMENT", m.Channel.State)
	}
	var sigFirst, sigSecond []byte
	if m.Channel.IsInitiator {
		sigFirst, sigSecond = localSig, remoteSig
	} else {
		sigFirst, sigSecond = remoteSig, localSig
	}
	unlock, err := script.Unlock(sigFirst, sigSecond)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = unlock

	m.Channel.State = StateClosed
	m.Channel.UpdatedAt = time.Now()
	if err := m.persist(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Snapshot returns a copy of the Machine's current Channel, letting
// callers outside this package (forceclose, engine) read the latest
// commitment and balances without holding a reference into the Machine's
// internal state.
func (m *Machine) Snapshot() Channel {
	return m.Channel
}

// ForceClosed records that a unilateral close has broadcast the latest
// commitment and the channel is now settled, per §4.I. The caller
// (forceclose package) is responsible for the broadcast itself.
func (m *Machine) ForceClosed() error {
	if m.Channel.State != StateOpen && m.Channel.State != StateClosing {
		return errInvalidTransition(m.id(), "FORCE_CLOSE", m.Channel.State)
	}
	m.Channel.State = StateClosed
	m.Channel.UpdatedAt = time.Now()
	return m.persist()
}

func (m *Machine) persist() error {
	if err := m.store.SaveChannel(&m.Channel); err != nil {
		return errStoreFailure(m.id(), "persist", err)
	}
	return nil
}

func remotePubKey(c *Channel) []byte { return c.RemotePubKey() }
