// Package queue holds the matchmaking waiting lists: one FIFO bucket per
// stake amount. An identity holds at most one entry across all buckets, and
// pairing always takes the two oldest entries of a bucket.
package queue

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrAlreadyQueued is returned by Join when the identity already holds an
// entry in any stake bucket.
var ErrAlreadyQueued = errors.New("already in matchmaking queue")

// ErrInvalidStake is returned by Join for a non-positive stake.
var ErrInvalidStake = errors.New("stake must be positive")

// Entry is one waiting player.
type Entry struct {
	Identity string
	Stake    int64
	Handle   string // transport connection id that owns the entry
	JoinedAt time.Time
}

// PairFunc receives a matched pair. It is invoked without the manager lock
// held, so it may call back into the manager.
type PairFunc func(p1, p2 Entry, stake int64)

// Manager owns the stake buckets. All operations on the waiting lists run
// under one mutex: Join has to inspect every bucket for the single-membership
// invariant, so bucket-local locking would not be enough.
type Manager struct {
	mu      sync.Mutex
	buckets map[int64][]Entry
	pair    PairFunc
}

// NewManager creates an empty queue that hands pairs to pairFn.
func NewManager(pairFn PairFunc) *Manager {
	return &Manager{
		buckets: make(map[int64][]Entry),
		pair:    pairFn,
	}
}

// Join appends the identity to the bucket for stake and runs pairing for
// that bucket. An identity that is already waiting anywhere fails with
// ErrAlreadyQueued regardless of the target stake.
func (m *Manager) Join(identityAddr string, stake int64, handle string) error {
	if stake <= 0 {
		return ErrInvalidStake
	}

	m.mu.Lock()
	for _, bucket := range m.buckets {
		for _, e := range bucket {
			if e.Identity == identityAddr {
				m.mu.Unlock()
				return ErrAlreadyQueued
			}
		}
	}
	m.buckets[stake] = append(m.buckets[stake], Entry{
		Identity: identityAddr,
		Stake:    stake,
		Handle:   handle,
		JoinedAt: time.Now(),
	})
	log.Printf("[Queue] %s joined stake bucket %d (depth %d)", identityAddr, stake, len(m.buckets[stake]))
	pairs := m.drainPairsLocked(stake)
	m.mu.Unlock()

	for _, p := range pairs {
		m.pair(p[0], p[1], stake)
	}
	return nil
}

// drainPairsLocked pops FIFO pairs while the bucket holds at least two
// entries. Popping two entries with the same identity should be unreachable
// given the Join check; if it happens, the duplicate is dropped, the second
// entry goes back to the front of the bucket and pairing stops for this
// round.
func (m *Manager) drainPairsLocked(stake int64) [][2]Entry {
	var pairs [][2]Entry
	for len(m.buckets[stake]) >= 2 {
		bucket := m.buckets[stake]
		p1, p2 := bucket[0], bucket[1]
		m.buckets[stake] = bucket[2:]

		if p1.Identity == p2.Identity {
			log.Printf("[Queue] self-match for %s at stake %d, re-queueing", p1.Identity, stake)
			m.buckets[stake] = append([]Entry{p2}, m.buckets[stake]...)
			break
		}
		pairs = append(pairs, [2]Entry{p1, p2})
	}
	if len(m.buckets[stake]) == 0 {
		delete(m.buckets, stake)
	}
	return pairs
}

// Leave removes the identity's entry from whichever bucket holds it.
// Removing an absent identity is a no-op.
func (m *Manager) Leave(identityAddr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(func(e Entry) bool { return e.Identity == identityAddr })
}

// RemoveHandle removes the entry owned by a transport connection, for
// disconnects that never named an identity. Idempotent like Leave.
func (m *Manager) RemoveHandle(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(func(e Entry) bool { return e.Handle == handle })
}

func (m *Manager) removeLocked(match func(Entry) bool) bool {
	for stake, bucket := range m.buckets {
		for i, e := range bucket {
			if match(e) {
				m.buckets[stake] = append(bucket[:i:i], bucket[i+1:]...)
				if len(m.buckets[stake]) == 0 {
					delete(m.buckets, stake)
				}
				log.Printf("[Queue] %s left stake bucket %d", e.Identity, stake)
				return true
			}
		}
	}
	return false
}

// Waiting reports the bucket depth for a stake.
func (m *Manager) Waiting(stake int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[stake])
}
