package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"race2048/apps/server/internal/bridge"
	"race2048/apps/server/internal/ledger"
)

// Coordinator is the registry of live sessions. It enforces at most one
// active session per identity and routes lookups from the gateway.
//
// Lock ordering: the coordinator never calls into a session while holding
// its own mutex, and sessions only call back via release, which takes the
// coordinator mutex last.
type Coordinator struct {
	cfg    Config
	bridge bridge.Service
	ledger ledger.Service

	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[string]string // identity -> matchID while not terminal
}

func NewCoordinator(cfg Config, bridgeService bridge.Service, ledgerService ledger.Service) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		bridge:   bridgeService,
		ledger:   ledgerService,
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}
}

// Create pairs two identities into a new session and starts its actor.
// The pairing notice goes out through broadcastFn before Create returns.
func (c *Coordinator) Create(p1, p2 string, stake int64, broadcastFn BroadcastFunc) (*Session, error) {
	if p1 == p2 {
		return nil, fmt.Errorf("cannot pair %s against itself", p1)
	}

	s := newSession(uuid.NewString(), p1, p2, stake, c.cfg, broadcastFn, c.bridge, c.ledger)
	s.onEnd = c.release

	c.mu.Lock()
	for _, p := range []string{p1, p2} {
		if id, ok := c.active[p]; ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%s is already in match %s", p, id)
		}
	}
	c.sessions[s.ID] = s
	c.active[p1] = s.ID
	c.active[p2] = s.ID
	c.mu.Unlock()

	c.ledger.RecordPairing(s.ID, p1, p2, stake)
	s.start()
	return s, nil
}

// Get returns a session by match id. Ended sessions stay resolvable so late
// events come back as stale instead of unknown.
func (c *Coordinator) Get(matchID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[matchID]
	return s, ok
}

// HasActive reports whether the identity is in a non-terminal session.
func (c *Coordinator) HasActive(identityAddr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[identityAddr]
	return ok
}

// SessionFor returns the identity's non-terminal session, if any.
func (c *Coordinator) SessionFor(identityAddr string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.active[identityAddr]
	if !ok {
		return nil, false
	}
	s, ok := c.sessions[id]
	return s, ok
}

// Disconnect forwards a connection loss to the identity's live session.
func (c *Coordinator) Disconnect(identityAddr string) {
	if s, ok := c.SessionFor(identityAddr); ok {
		s.Disconnect(identityAddr)
	}
}

// release frees both identities once their session hits a terminal state.
func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range s.Players() {
		if c.active[p] == s.ID {
			delete(c.active, p)
		}
	}
}
