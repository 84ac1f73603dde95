package chainrpc

import (
	"context"
	"errors"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
)

// RetryPolicy bounds the exponential backoff Retrying applies to
// ErrUnavailable, per §7: "tolerate transient Unavailable errors with
// bounded exponential retry," never retrying anything else.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the teacher's chain-client reconnect cadence
// loosely: a handful of attempts, starting small and capping quickly so a
// dead backend doesn't stall the caller for minutes.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Retrying wraps an Oracle, retrying any call that fails with
// ErrUnavailable under RetryPolicy. Every other error — including
// ErrNotFound and *RejectedError — is returned to the caller unretried on
// the first attempt, matching §7's propagation policy that only chain
// flakes are masked behind retries.
type Retrying struct {
	inner  Oracle
	policy RetryPolicy
}

// NewRetrying wraps inner with policy.
func NewRetrying(inner Oracle, policy RetryPolicy) *Retrying {
	return &Retrying{inner: inner, policy: policy}
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.policy.BaseDelay << uint(attempt)
	if d > r.policy.MaxDelay || d <= 0 {
		return r.policy.MaxDelay
	}
	return d
}

func (r *Retrying) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		log.Debugf("chainrpc: attempt %d failed with %v, retrying", attempt+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}
	return lastErr
}

func (r *Retrying) FetchTx(ctx context.Context, txid chainhash.Hash) (*TxInfo, error) {
	var out *TxInfo
	err := r.retry(ctx, func() error {
		var e error
		out, e = r.inner.FetchTx(ctx, txid)
		return e
	})
	return out, err
}

func (r *Retrying) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var out chainhash.Hash
	err := r.retry(ctx, func() error {
		var e error
		out, e = r.inner.Broadcast(ctx, tx)
		return e
	})
	return out, err
}

func (r *Retrying) TipHeight(ctx context.Context) (int32, error) {
	var out int32
	err := r.retry(ctx, func() error {
		var e error
		out, e = r.inner.TipHeight(ctx)
		return e
	})
	return out, err
}

func (r *Retrying) MerkleProof(ctx context.Context, txid chainhash.Hash) (*MerkleProof, error) {
	var out *MerkleProof
	err := r.retry(ctx, func() error {
		var e error
		out, e = r.inner.MerkleProof(ctx, txid)
		return e
	})
	return out, err
}

func (r *Retrying) VerifyMerkleRoot(ctx context.Context, height int32, root chainhash.Hash) (bool, error) {
	var out bool
	err := r.retry(ctx, func() error {
		var e error
		out, e = r.inner.VerifyMerkleRoot(ctx, height, root)
		return e
	})
	return out, err
}

func (r *Retrying) FindSpend(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error) {
	var tx *wire.MsgTx
	var found bool
	err := r.retry(ctx, func() error {
		var e error
		tx, found, e = r.inner.FindSpend(ctx, outpoint)
		return e
	})
	return tx, found, err
}
