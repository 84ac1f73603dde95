package engine

import (
	"time"

	"github.com/gcash/bchd/chaincfg"
)

// Config collects every tunable the engine needs in one explicit struct,
// per the §9 redesign note against implicit mutable global configuration:
// capacity bounds, timeouts, fee rate, dispute-check interval, and the
// auto-accept threshold below which an incoming OpenReq is accepted
// without operator confirmation.
type Config struct {
	// MinCapacity and MaxCapacity bound OpenChannel/OpenReq amounts, in
	// satoshis.
	MinCapacity int64
	MaxCapacity int64

	// FeePerByte prices commitment and settlement transactions.
	FeePerByte int64

	// PeerTimeout is the peer-silence threshold for callers that decide
	// force-close eligibility with forceclose.Eligible. The engine does not
	// read it itself; its wire-response waits use wireproto.TimeoutForKind.
	PeerTimeout time.Duration

	// DisputeCheckInterval is passed to dispute.New when New builds the
	// dispute monitor; dispute.New uses dispute.DefaultInterval when it is
	// zero or negative.
	DisputeCheckInterval time.Duration

	// AutoAcceptThreshold is the capacity below which an incoming OpenReq
	// is accepted automatically; at or above it, OnOpenAccept refuses the
	// proposal.
	AutoAcceptThreshold int64

	// LockTimeHorizon is a default channel lifetime. OpenChannel does not
	// read it: a new channel's absolute locktime T is set from
	// OpenChannel's lifetime argument.
	LockTimeHorizon time.Duration

	// ChainParams selects the network whose address version bytes
	// walletport.PayoutScript uses when deriving a party's P2PKH payout
	// script from its channel pubkey.
	ChainParams *chaincfg.Params
}

// DefaultConfig is a starting configuration: a 1 sat/byte fee rate and a
// conservative one-hour peer timeout.
var DefaultConfig = Config{
	MinCapacity:          10_000,
	MaxCapacity:          100_000_000,
	FeePerByte:           1,
	PeerTimeout:          time.Hour,
	DisputeCheckInterval: time.Minute,
	AutoAcceptThreshold:  1_000_000,
	LockTimeHorizon:      30 * 24 * time.Hour,
	ChainParams:          &chaincfg.MainNetParams,
}
