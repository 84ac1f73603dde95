// Package store persists Channel state and the PaymentRecord/DisputeAlert
// logs, per spec §4.D. It wraps a walletdb.DB (bolt via walletdb/bdb, the
// same stack the teacher uses for its own wallet/address-manager state)
// with three buckets and single-channel-granularity atomic writes.
package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sync"

	"github.com/gcash/bchwallet/walletdb"
	_ "github.com/gcash/bchwallet/walletdb/bdb"
	"github.com/google/uuid"

	"github.com/bchlabs/paychan/channel"
)

var (
	rootBucket     = []byte("paychan")
	channelsBucket = []byte("channels")
	paymentsBucket = []byte("payments")
	alertsBucket   = []byte("alerts")
)

// Store is the durable channel table plus the payment-record and
// dispute-alert logs. Each write call (SaveChannel, AppendPayment,
// SaveAlert) runs in its own walletdb.Update transaction. I3/P6 still
// holds: recovery can never observe a payment-log entry whose sequence
// exceeds the persisted channel snapshot's sequence, because
// Machine.RecvAck/RecvPay always call SaveChannel before the paired
// AppendPayment, so the channel snapshot is committed in an earlier
// transaction than the log entry it corresponds to (see DESIGN.md for the
// full recovery argument).
type Store struct {
	db walletdb.DB

	mu       sync.RWMutex
	channels map[uuid.UUID]*channel.Channel
}

// Open creates (or re-opens) a walletdb-backed Store at path and loads
// every channel into memory, per §4.D's "initialization loads all channels
// into memory" requirement.
func Open(path string, noFreelistSync bool) (*Store, error) {
	db, err := walletdb.Create("bdb", path, noFreelistSync)
	if err != nil {
		db, err = walletdb.Open("bdb", path, noFreelistSync)
		if err != nil {
			return nil, err
		}
	}
	s := &Store{db: db, channels: make(map[uuid.UUID]*channel.Channel)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(rootBucket)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(channelsBucket); err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(paymentsBucket); err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(alertsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return err
	}
	return nil
}

func (s *Store) loadAll() error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		root := tx.ReadBucket(rootBucket)
		if root == nil {
			return nil
		}
		chans := root.NestedReadBucket(channelsBucket)
		if chans == nil {
			return nil
		}
		return chans.ForEach(func(k, v []byte) error {
			c, err := decodeChannel(v)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.channels[c.ID] = c
			s.mu.Unlock()
			return nil
		})
	})
}

// SaveChannel persists c, overwriting any prior snapshot for the same ID,
// inside a single walletdb transaction.
func (s *Store) SaveChannel(c *channel.Channel) error {
	buf, err := encodeChannel(c)
	if err != nil {
		return err
	}
	err = walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(rootBucket)
		chans := root.NestedReadWriteBucket(channelsBucket)
		return chans.Put(c.ID[:], buf)
	})
	if err != nil {
		return err
	}

	cp := *c
	s.mu.Lock()
	s.channels[c.ID] = &cp
	s.mu.Unlock()
	return nil
}

// GetChannel returns the in-memory copy of a loaded channel.
func (s *Store) GetChannel(id uuid.UUID) (*channel.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// ListChannels returns a snapshot of every loaded channel.
func (s *Store) ListChannels() []*channel.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// AppendPayment writes one immutable PaymentRecord, keyed (channelID,
// sequence) so the log is naturally ordered and never rewritten, per §3.
func (s *Store) AppendPayment(p *channel.PaymentRecord) error {
	buf, err := encodePayment(p)
	if err != nil {
		return err
	}
	key := paymentKey(p.ChannelID, p.Sequence)
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(rootBucket)
		payments := root.NestedReadWriteBucket(paymentsBucket)
		return payments.Put(key, buf)
	})
}

// PaymentsForChannel returns every PaymentRecord logged for id, ordered by
// sequence (the natural order of the key).
func (s *Store) PaymentsForChannel(id uuid.UUID) ([]*channel.PaymentRecord, error) {
	var out []*channel.PaymentRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		root := tx.ReadBucket(rootBucket)
		payments := root.NestedReadBucket(paymentsBucket)
		prefix := id[:]
		return payments.ForEach(func(k, v []byte) error {
			if len(k) < len(prefix) || !bytes.Equal(k[:len(prefix)], prefix) {
				return nil
			}
			p, err := decodePayment(v)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// SaveAlert persists a DisputeAlert, keyed (channelID, detectedAt-unixnano)
// so repeated alerts for the same channel accumulate rather than overwrite.
func (s *Store) SaveAlert(a *channel.DisputeAlert) error {
	buf, err := encodeAlert(a)
	if err != nil {
		return err
	}
	key := alertKey(a.ChannelID, a.DetectedAt.UnixNano())
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(rootBucket)
		alerts := root.NestedReadWriteBucket(alertsBucket)
		return alerts.Put(key, buf)
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func paymentKey(id uuid.UUID, seq uint64) []byte {
	key := make([]byte, 16+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[16:], seq)
	return key
}

func alertKey(id uuid.UUID, unixNano int64) []byte {
	key := make([]byte, 16+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[16:], uint64(unixNano))
	return key
}

func encodeChannel(c *channel.Channel) ([]byte, error) {
	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	if err := gob.NewEncoder(w).Encode(c); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeChannel(raw []byte) (*channel.Channel, error) {
	var c channel.Channel
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodePayment(p *channel.PaymentRecord) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodePayment(raw []byte) (*channel.PaymentRecord, error) {
	var p channel.PaymentRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodeAlert(a *channel.DisputeAlert) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(a); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
