package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"

	"race2048/apps/server/internal/identity"
)

// MemoryService simulates the escrow contract in memory: same call
// semantics, no chain. Used when no RPC endpoint is configured and by tests.
type MemoryService struct {
	mu      sync.Mutex
	matches map[string]*simMatch
	nextTx  uint64
}

type simMatch struct {
	p1, p2   string
	stake    int64
	createTx string
	settled  bool
}

// NewMemoryService creates an empty simulator.
func NewMemoryService() *MemoryService {
	return &MemoryService{matches: make(map[string]*simMatch)}
}

func (s *MemoryService) Close() error { return nil }

func (s *MemoryService) CreateMatch(_ context.Context, matchID, p1, p2 string, stake int64) (string, error) {
	if !identity.Valid(p1) || !identity.Valid(p2) {
		return "", ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matches[matchID]; ok {
		// Idempotent retry: hand back the original reference.
		return m.createTx, nil
	}
	s.nextTx++
	m := &simMatch{
		p1:       p1,
		p2:       p2,
		stake:    stake,
		createTx: fmt.Sprintf("sim-create-%06d", s.nextTx),
	}
	s.matches[matchID] = m
	log.Printf("[Bridge] sim: match %s created, %s vs %s, stake %d", matchID, p1, p2, stake)
	return m.createTx, nil
}

func (s *MemoryService) CommitResult(_ context.Context, matchID, winner string) (string, error) {
	if !identity.Valid(winner) {
		return "", ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return "", ErrUnknownMatch
	}
	if m.settled {
		return "", ErrAlreadySettled
	}
	if winner != m.p1 && winner != m.p2 {
		return "", fmt.Errorf("%w: winner %s is not a participant", ErrInvalidAddress, winner)
	}
	m.settled = true
	s.nextTx++
	tx := fmt.Sprintf("sim-settle-%06d", s.nextTx)
	log.Printf("[Bridge] sim: match %s settled, winner %s", matchID, winner)
	return tx, nil
}
