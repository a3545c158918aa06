// Package session owns the lifecycle of one wagered match from pairing to
// settlement. Every session runs its own actor goroutine; all moves and
// lifecycle events for a match are serialized on its event channel, which is
// what makes win resolution and at-most-once settlement total-ordered.
// Blocking bridge calls never run on the actor: they run in a spawned
// goroutine and post their outcome back as an event.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"race2048/apps/server/internal/bridge"
	"race2048/apps/server/internal/codec"
	"race2048/apps/server/internal/ledger"
	"race2048/game2048"
)

var (
	// ErrStaleEvent marks an event for a session that already reached a
	// terminal state. Ignored and logged at the boundary, never fatal.
	ErrStaleEvent = errors.New("match already ended")
	// ErrNotActive marks gameplay events outside the Active state.
	ErrNotActive = errors.New("match is not active")
	// ErrNotParticipant marks events from identities outside the pairing.
	ErrNotParticipant = errors.New("not a participant of this match")
	// ErrBoardFinished marks moves on a board with no legal move left.
	ErrBoardFinished = errors.New("no moves left on this board")
	// ErrAlreadySettled is the re-entrancy guard on terminal transitions.
	// Every caller checks the state first, so tripping it is a bug.
	ErrAlreadySettled = errors.New("settlement already issued")
)

// State is the session lifecycle position. Transitions are monotonic; the
// four terminal states are absorbing.
type State int

const (
	StateCreated State = iota
	StateStakePending
	StateStaking
	StateActive
	StateP1Won
	StateP2Won
	StateDraw
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStakePending:
		return "stake_pending"
	case StateStaking:
		return "staking"
	case StateActive:
		return "active"
	case StateP1Won:
		return "p1_won"
	case StateP2Won:
		return "p2_won"
	case StateDraw:
		return "draw"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool { return s >= StateP1Won }

// Config carries the tunables shared by all sessions.
type Config struct {
	// Target is the winning tile value; game2048.DefaultTarget when zero.
	Target int
	// StakeTimeout bounds StakePending/Staking; zero disables the deadline.
	// The upstream protocol defines no duration, so the default is off.
	StakeTimeout time.Duration
	// Seed fixes the board rng; zero means time-based.
	Seed int64
}

func (c Config) target() int {
	if c.Target > 0 {
		return c.Target
	}
	return game2048.DefaultTarget
}

// BroadcastFunc delivers one encoded frame to one identity's connection.
type BroadcastFunc func(identityAddr string, data []byte)

type eventType int

const (
	eventJoinRoom eventType = iota
	eventMove
	eventQuit
	eventDisconnect
	eventEscrowDone
	eventSettleDone
)

type event struct {
	typ      eventType
	identity string
	dir      game2048.Direction
	ts       time.Time
	txRef    string
	err      error
	resp     chan error
}

type playerSlot struct {
	identity string
	board    game2048.Board
	score    int
	finished bool // board is terminal, no moves left
	joined   bool // joinRoom ack received
}

// Session is one paired, wagered match.
type Session struct {
	ID    string
	Stake int64

	cfg       Config
	broadcast BroadcastFunc
	bridge    bridge.Service
	ledger    ledger.Service
	onEnd     func(*Session)

	mu          sync.Mutex
	state       State
	players     [2]*playerSlot
	winner      int // player index, -1 until decided
	result      string
	escrowTx    string
	settleTx    string
	createdAt   time.Time
	pendingQuit int // player index that quit while escrow was in flight

	rng      *rand.Rand
	events   chan event
	done     chan struct{}
	stopOnce sync.Once
}

func newSession(
	id string,
	p1, p2 string,
	stake int64,
	cfg Config,
	broadcastFn BroadcastFunc,
	bridgeService bridge.Service,
	ledgerService ledger.Service,
) *Session {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Session{
		ID:          id,
		Stake:       stake,
		cfg:         cfg,
		broadcast:   broadcastFn,
		bridge:      bridgeService,
		ledger:      ledgerService,
		state:       StateCreated,
		winner:      -1,
		pendingQuit: -1,
		createdAt:   time.Now(),
		rng:         rand.New(rand.NewSource(seed)),
		events:      make(chan event, 64),
		done:        make(chan struct{}),
	}
	s.players[0] = &playerSlot{identity: p1}
	s.players[1] = &playerSlot{identity: p2}
	return s
}

// start announces the pairing and brings up the actor.
func (s *Session) start() {
	found := codec.MustEncode(codec.EventMatchFound, codec.MatchFound{
		MatchID: s.ID,
		Players: s.playerIDs(),
		Stake:   s.Stake,
	})
	s.broadcast(s.players[0].identity, found)
	s.broadcast(s.players[1].identity, found)

	s.mu.Lock()
	s.state = StateStakePending
	s.mu.Unlock()

	go s.run()
	log.Printf("[Session %s] created: %s vs %s, stake %d",
		s.ID, s.players[0].identity, s.players[1].identity, s.Stake)
}

// Players returns the pairing in pairing order.
func (s *Session) Players() [2]string {
	return [2]string{s.players[0].identity, s.players[1].identity}
}

// JoinRoom records one player's stake acknowledgement; the second ack
// triggers escrow.
func (s *Session) JoinRoom(identityAddr string) error {
	return s.submit(event{typ: eventJoinRoom, identity: identityAddr})
}

// ApplyMove applies one move to the mover's own board.
func (s *Session) ApplyMove(identityAddr string, dir game2048.Direction) error {
	return s.submit(event{typ: eventMove, identity: identityAddr, dir: dir, ts: time.Now()})
}

// Quit forfeits the match; the opponent takes the pot.
func (s *Session) Quit(identityAddr string) error {
	return s.submit(event{typ: eventQuit, identity: identityAddr})
}

// Disconnect is a hard connection loss, resolved like a quit. Idempotent:
// stale disconnects are swallowed.
func (s *Session) Disconnect(identityAddr string) {
	_ = s.submit(event{typ: eventDisconnect, identity: identityAddr})
}

func (s *Session) submit(e event) error {
	e.resp = make(chan error, 1)
	select {
	case s.events <- e:
	case <-s.done:
		return ErrStaleEvent
	}
	select {
	case err := <-e.resp:
		return err
	case <-s.done:
		// The actor is gone; by definition the session is terminal.
		select {
		case err := <-e.resp:
			return err
		default:
			return ErrStaleEvent
		}
	}
}

// post delivers actor-internal events (bridge outcomes) without waiting.
func (s *Session) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
		log.Printf("[Session %s] dropped internal event for stopped session", s.ID)
	}
}

func (s *Session) run() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.events:
			err := s.handleEvent(e)
			if e.resp != nil {
				e.resp <- err
			}
		case <-ticker.C:
			s.tick()
		case <-s.done:
			s.drainEvents()
			return
		}
	}
}

func (s *Session) drainEvents() {
	for {
		select {
		case e := <-s.events:
			if e.resp != nil {
				e.resp <- ErrStaleEvent
			}
		default:
			return
		}
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.StakeTimeout <= 0 {
		return
	}
	if s.state != StateStakePending && s.state != StateStaking {
		return
	}
	if time.Since(s.createdAt) < s.cfg.StakeTimeout {
		return
	}
	log.Printf("[Session %s] stake confirmation timed out in %s", s.ID, s.state)
	if err := s.finishLocked(-1, codec.ResultAbandoned, ""); err != nil {
		log.Printf("[Session %s] abandon after timeout failed: %v", s.ID, err)
	}
}

func (s *Session) handleEvent(e event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.typ {
	case eventJoinRoom:
		return s.handleJoinRoomLocked(e.identity)
	case eventMove:
		return s.handleMoveLocked(e.identity, e.dir, e.ts)
	case eventQuit:
		return s.handleQuitLocked(e.identity, false)
	case eventDisconnect:
		return s.handleQuitLocked(e.identity, true)
	case eventEscrowDone:
		return s.handleEscrowDoneLocked(e.txRef, e.err)
	case eventSettleDone:
		return s.handleSettleDoneLocked(e.txRef, e.err)
	}
	return fmt.Errorf("unknown session event type %d", e.typ)
}

func (s *Session) handleJoinRoomLocked(identityAddr string) error {
	if s.state.Terminal() {
		return ErrStaleEvent
	}
	idx := s.playerIndexLocked(identityAddr)
	if idx < 0 {
		return ErrNotParticipant
	}
	if s.state != StateStakePending {
		// Duplicate ack after staking started: replay the notice.
		s.sendTo(idx, codec.EventRoomJoined, codec.RoomJoined{MatchID: s.ID, Players: s.playerIDs()})
		return nil
	}

	s.players[idx].joined = true
	s.sendTo(idx, codec.EventRoomJoined, codec.RoomJoined{MatchID: s.ID, Players: s.playerIDs()})
	log.Printf("[Session %s] %s joined the room", s.ID, identityAddr)

	if s.players[0].joined && s.players[1].joined {
		s.state = StateStaking
		log.Printf("[Session %s] both players confirmed, escrowing stakes", s.ID)
		go s.escrow()
	}
	return nil
}

// escrow runs off the actor; the session lock is never held across the
// bridge call.
func (s *Session) escrow() {
	tx, err := s.bridge.CreateMatch(context.Background(),
		s.ID, s.players[0].identity, s.players[1].identity, s.Stake)
	s.post(event{typ: eventEscrowDone, txRef: tx, err: err})
}

func (s *Session) handleEscrowDoneLocked(txRef string, err error) error {
	if s.state != StateStaking {
		// A stake timeout or quit won the race; the outcome is stale.
		log.Printf("[Session %s] escrow result ignored in state %s", s.ID, s.state)
		return nil
	}
	if err != nil {
		log.Printf("[Session %s] createMatch failed: %v", s.ID, err)
		s.ledger.RecordSettlementFailure(s.ID, "createMatch", err)
		s.broadcastError("Staking failed, the match has been cancelled.")
		return s.finishLocked(-1, codec.ResultSettlementFailed, "")
	}

	s.escrowTx = txRef
	s.ledger.RecordEscrow(s.ID, txRef)
	s.state = StateActive
	for i, p := range s.players {
		p.board = game2048.NewBoard(s.rng)
		s.sendTo(i, codec.EventGameStarted, codec.GameStarted{MatchID: s.ID, Board: p.board.Cells()})
	}
	log.Printf("[Session %s] active, boards dealt (escrow %s)", s.ID, txRef)

	if s.pendingQuit >= 0 {
		return s.resolveQuitLocked(s.pendingQuit)
	}
	return nil
}

func (s *Session) handleMoveLocked(identityAddr string, dir game2048.Direction, ts time.Time) error {
	if s.state.Terminal() {
		return ErrStaleEvent
	}
	if s.state != StateActive {
		return ErrNotActive
	}
	idx := s.playerIndexLocked(identityAddr)
	if idx < 0 {
		return ErrNotParticipant
	}
	p := s.players[idx]
	if p.finished {
		return ErrBoardFinished
	}

	res := game2048.Move(p.board, dir)
	if !res.Moved {
		// Legal no-op: board and score stay put, nothing spawns.
		s.sendTo(idx, codec.EventMoveMade, codec.MoveMade{
			MatchID: s.ID, Player: p.identity, Board: p.board.Cells(),
			Score: p.score, Moved: false, IsGameOver: p.finished,
		})
		return nil
	}

	p.board = res.Board
	p.score += res.ScoreDelta
	p.board, _ = game2048.SpawnTile(p.board, s.rng)

	// The session, not the client, decides wins and dead boards: terminal
	// and target flags are recomputed from the move result here.
	reached := game2048.HasReachedTarget(p.board, s.cfg.target())
	p.finished = game2048.IsTerminal(p.board)

	s.sendTo(idx, codec.EventMoveMade, codec.MoveMade{
		MatchID: s.ID, Player: p.identity, Board: p.board.Cells(),
		Score: p.score, Moved: true, IsGameOver: p.finished,
	})
	s.sendTo(1-idx, codec.EventScoreUpdate, codec.ScoreUpdate{
		MatchID: s.ID, Player: p.identity, Score: p.score, IsGameOver: p.finished,
	})

	// Moves are serialized on the event channel, so the first move to reach
	// the target is also the earliest by timestamp; a same-instant tie
	// cannot reach this point as two events.
	if reached {
		log.Printf("[Session %s] %s reached %d at %s", s.ID, p.identity, s.cfg.target(), ts.Format(time.RFC3339Nano))
		return s.finishLocked(idx, codec.ResultWin, "")
	}
	if s.players[0].finished && s.players[1].finished {
		return s.finishLocked(-1, codec.ResultDraw, "")
	}
	return nil
}

func (s *Session) handleQuitLocked(identityAddr string, disconnect bool) error {
	if s.state.Terminal() {
		if disconnect {
			return nil
		}
		return ErrStaleEvent
	}
	idx := s.playerIndexLocked(identityAddr)
	if idx < 0 {
		if disconnect {
			return nil
		}
		return ErrNotParticipant
	}

	switch s.state {
	case StateCreated, StateStakePending:
		// Nothing escrowed yet: the match dissolves instead of forfeiting.
		log.Printf("[Session %s] %s left before staking", s.ID, identityAddr)
		return s.finishLocked(-1, codec.ResultAbandoned, "")
	case StateStaking:
		// Escrow is in flight; resolve once the bridge call lands.
		log.Printf("[Session %s] %s quit while staking, deferring", s.ID, identityAddr)
		s.pendingQuit = idx
		return nil
	default: // StateActive
		return s.resolveQuitLocked(idx)
	}
}

func (s *Session) resolveQuitLocked(quitterIdx int) error {
	winnerIdx := 1 - quitterIdx
	s.broadcastBoth(codec.EventPlayerQuitInfo, codec.PlayerQuitInfo{
		MatchID: s.ID,
		Player:  s.players[quitterIdx].identity,
		Winner:  s.players[winnerIdx].identity,
	})
	return s.finishLocked(winnerIdx, codec.ResultQuit, "")
}

// finishLocked is the only entry into a terminal state, and therefore the
// only place a settlement can be triggered from.
func (s *Session) finishLocked(winnerIdx int, result, settleTx string) error {
	if s.state.Terminal() {
		return ErrAlreadySettled
	}

	s.winner = winnerIdx
	s.result = result
	switch {
	case winnerIdx == 0:
		s.state = StateP1Won
	case winnerIdx == 1:
		s.state = StateP2Won
	case result == codec.ResultDraw:
		s.state = StateDraw
	default:
		s.state = StateAbandoned
	}
	log.Printf("[Session %s] terminal: %s (result=%s)", s.ID, s.state, result)

	if winnerIdx >= 0 {
		// The pot needs the on-chain commit before the closing broadcast.
		go s.settle(s.players[winnerIdx].identity)
		return nil
	}

	// No winner, nothing to commit: draws and abandoned matches close
	// immediately.
	s.ledger.RecordResult(s.ID, result, "", settleTx)
	s.closeOutLocked(settleTx)
	return nil
}

// settle runs off the actor, like escrow.
func (s *Session) settle(winnerAddr string) {
	tx, err := s.bridge.CommitResult(context.Background(), s.ID, winnerAddr)
	s.post(event{typ: eventSettleDone, txRef: tx, err: err})
}

func (s *Session) handleSettleDoneLocked(txRef string, err error) error {
	if !s.state.Terminal() || s.winner < 0 {
		log.Printf("[Session %s] settlement result in state %s ignored", s.ID, s.state)
		return nil
	}
	winnerAddr := s.players[s.winner].identity

	if err != nil {
		// Money is on the line: both players hear about it, the journal
		// keeps the row for manual escalation. No automatic retry.
		log.Printf("[Session %s] commitResult failed: %v", s.ID, err)
		s.ledger.RecordSettlementFailure(s.ID, "commitResult", err)
		s.ledger.RecordResult(s.ID, codec.ResultSettlementFailed, winnerAddr, "")
		s.broadcastError("Settlement failed; the result was recorded for manual payout.")
		s.result = codec.ResultSettlementFailed
		s.closeOutLocked("")
		return nil
	}

	s.settleTx = txRef
	s.ledger.RecordResult(s.ID, s.result, winnerAddr, txRef)
	log.Printf("[Session %s] settled: winner %s, tx %s", s.ID, winnerAddr, txRef)
	s.closeOutLocked(txRef)
	return nil
}

// closeOutLocked sends the final gameEnded frame, releases the identities
// and stops the actor.
func (s *Session) closeOutLocked(txRef string) {
	winnerAddr := ""
	if s.winner >= 0 {
		winnerAddr = s.players[s.winner].identity
	}
	s.broadcastBoth(codec.EventGameEnded, codec.GameEnded{
		MatchID:         s.ID,
		Winner:          winnerAddr,
		Result:          s.result,
		TransactionHash: txRef,
	})
	if s.onEnd != nil {
		s.onEnd(s)
	}
	s.stop()
}

func (s *Session) playerIndexLocked(identityAddr string) int {
	for i, p := range s.players {
		if p.identity == identityAddr {
			return i
		}
	}
	return -1
}

func (s *Session) playerIDs() []string {
	return []string{s.players[0].identity, s.players[1].identity}
}

func (s *Session) sendTo(idx int, eventName string, payload any) {
	s.broadcast(s.players[idx].identity, codec.MustEncode(eventName, payload))
}

func (s *Session) broadcastBoth(eventName string, payload any) {
	frame := codec.MustEncode(eventName, payload)
	s.broadcast(s.players[0].identity, frame)
	s.broadcast(s.players[1].identity, frame)
}

func (s *Session) broadcastError(msg string) {
	s.broadcastBoth(codec.EventError, codec.ErrorMessage{Message: msg})
}

// Snapshot is a point-in-time read of the session for callers outside the
// actor.
type Snapshot struct {
	ID       string
	State    State
	Players  [2]string
	Scores   [2]int
	Finished [2]bool
	Stake    int64
	Winner   string
	Result   string
	EscrowTx string
	SettleTx string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:       s.ID,
		State:    s.state,
		Stake:    s.Stake,
		Result:   s.result,
		EscrowTx: s.escrowTx,
		SettleTx: s.settleTx,
	}
	for i, p := range s.players {
		snap.Players[i] = p.identity
		snap.Scores[i] = p.score
		snap.Finished[i] = p.finished
	}
	if s.winner >= 0 {
		snap.Winner = s.players[s.winner].identity
	}
	return snap
}
