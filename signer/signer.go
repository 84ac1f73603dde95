// Package signer owns the node's long-term secret and derives per-channel
// signing keys from it, per spec §4.E. No other package ever sees raw key
// material; callers receive only derived public keys and signatures.
package signer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/wire"
	"golang.org/x/crypto/hkdf"

	"github.com/bchlabs/paychan/script"
)

// Signer derives one child keypair per channel from a single long-term
// secret, binding the derivation to both the counterparty's pubkey and the
// channel id so that two channels (or two directions of the same
// counterparty relationship) never reuse a key. Signer is stateless apart
// from the immutable secret, so a single instance is safely shared across
// every channel a node holds open, per §5's "shared resources" note.
type Signer struct {
	secret []byte

	mu    sync.Mutex
	cache map[string]*bchec.PrivateKey
}

// New builds a Signer around secret, the node's long-term private key
// material. secret is copied; the caller's buffer is not retained.
func New(secret []byte) *Signer {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s, cache: make(map[string]*bchec.PrivateKey)}
}

// derivationKey is the HKDF info string binding a derived key to one
// channel, per spec §4.E: "channel:<id>".
func derivationKey(channelID string) []byte {
	return []byte(fmt.Sprintf("channel:%s", channelID))
}

// derive returns the channel-scoped private key for (channelID,
// counterpartyPubkey), deriving and caching it on first use. The same
// (secret, counterpartyPub, channelID) always yields the same key. The
// node's secret is the HKDF input key material, so the counterparty cannot
// compute our derived public key on its own; it receives it in the
// channel-open messages (OpenReq/OpenAccept) and verifies our signatures
// against it, without the private key ever being disclosed.
func (s *Signer) derive(channelID string, counterpartyPub []byte) (*bchec.PrivateKey, error) {
	cacheKey := channelID + ":" + string(counterpartyPub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if priv, ok := s.cache[cacheKey]; ok {
		return priv, nil
	}

	reader := hkdf.New(sha256.New, s.secret, counterpartyPub, derivationKey(channelID))
	var seed [32]byte
	if _, err := io.ReadFull(reader, seed[:]); err != nil {
		return nil, fmt.Errorf("signer: derive channel key: %w", err)
	}
	priv, _ := bchec.PrivKeyFromBytes(bchec.S256(), seed[:])
	s.cache[cacheKey] = priv
	return priv, nil
}

// ChannelPubKey returns the compressed public key this node will use for
// channelID when dealing with a counterparty whose long-term pubkey is
// counterpartyPub. The result depends on this node's secret, so the other
// party cannot compute it independently; it is sent to the other party
// during channel open, before the channel is funded.
func (s *Signer) ChannelPubKey(channelID string, counterpartyPub []byte) ([]byte, error) {
	priv, err := s.derive(channelID, counterpartyPub)
	if err != nil {
		return nil, err
	}
	return priv.PubKey().SerializeCompressed(), nil
}

// Sign derives the channel key for (channelID, counterpartyPub) and signs
// input idx of tx against scriptCode, returning a DER+hashtype signature
// per script.Sign.
func (s *Signer) Sign(channelID string, counterpartyPub []byte, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) ([]byte, error) {
	priv, err := s.derive(channelID, counterpartyPub)
	if err != nil {
		return nil, err
	}
	return script.Sign(priv, tx, idx, scriptCode, amount)
}

// Verify checks a counterparty signature against their channel-scoped
// public key. It does not touch the Signer's own key material.
func Verify(counterpartyChannelPub []byte, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64, sig []byte) (bool, error) {
	pub, err := bchec.ParsePubKey(counterpartyChannelPub, bchec.S256())
	if err != nil {
		return false, fmt.Errorf("signer: parse counterparty pubkey: %w", err)
	}
	return script.Verify(pub, tx, idx, scriptCode, amount, sig)
}

// ForChannel binds a Signer to one channel's counterparty long-term pubkey,
// producing a narrow view that satisfies channel.Machine's Signer interface
// (which takes no counterparty key, since a Machine only ever signs for the
// one channel it owns).
func (s *Signer) ForChannel(counterpartyPub []byte) *ChannelSigner {
	return &ChannelSigner{parent: s, counterpartyPub: counterpartyPub}
}

// ChannelSigner is a Signer narrowed to a single counterparty key.
type ChannelSigner struct {
	parent          *Signer
	counterpartyPub []byte
}

// Sign implements channel.Machine's Signer interface.
func (cs *ChannelSigner) Sign(channelID string, tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) ([]byte, error) {
	return cs.parent.Sign(channelID, cs.counterpartyPub, tx, idx, scriptCode, amount)
}

// PubKey returns this channel's derived compressed public key.
func (cs *ChannelSigner) PubKey(channelID string) ([]byte, error) {
	return cs.parent.ChannelPubKey(channelID, cs.counterpartyPub)
}
