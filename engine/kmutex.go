package engine

import "sync"

// kmutex is a keyed mutex that locks and unlocks per key, ported from the
// teacher's paymentchannels/kmutex.go. It serializes every mutation of one
// channel (SEND_PAY, RECV_PAY, CLOSE, force-close, Store writes) while
// leaving different channels free to progress concurrently, per §5.
type kmutex struct {
	m *sync.Map
}

func newKmutex() kmutex {
	m := sync.Map{}
	return kmutex{&m}
}

// lock acquires the mutex for key, blocking until available.
func (k kmutex) lock(key interface{}) {
	m := &sync.Mutex{}
	actual, _ := k.m.LoadOrStore(key, m)
	owned := actual.(*sync.Mutex)
	owned.Lock()
	if owned != m {
		owned.Unlock()
		k.lock(key)
		return
	}
}

// unlock releases the mutex for key and forgets it, so the next lock call
// allocates fresh.
func (k kmutex) unlock(key interface{}) {
	l, exists := k.m.Load(key)
	if !exists {
		panic("engine: kmutex unlock of unlocked mutex")
	}
	k.m.Delete(key)
	l.(*sync.Mutex).Unlock()
}
