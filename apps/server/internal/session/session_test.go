package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"race2048/apps/server/internal/codec"
	"race2048/apps/server/internal/ledger"
	"race2048/game2048"
)

const (
	alice = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	bob   = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
	carol = "0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb"
)

type fakeBridge struct {
	mu          sync.Mutex
	creates     int
	commits     int
	lastWinner  string
	createErr   error
	commitErr   error
	createDelay time.Duration
}

func (f *fakeBridge) Close() error { return nil }

func (f *fakeBridge) CreateMatch(_ context.Context, _, _, _ string, _ int64) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates++
	return fmt.Sprintf("tx-create-%d", f.creates), nil
}

func (f *fakeBridge) CommitResult(_ context.Context, _, winner string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commits++
	f.lastWinner = winner
	return fmt.Sprintf("tx-settle-%d", f.commits), nil
}

func (f *fakeBridge) counts() (creates, commits int, lastWinner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.commits, f.lastWinner
}

type recorder struct {
	mu     sync.Mutex
	frames map[string][]codec.Envelope
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]codec.Envelope)}
}

func (r *recorder) send(identityAddr string, data []byte) {
	env, err := codec.Decode(data)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[identityAddr] = append(r.frames[identityAddr], env)
}

func (r *recorder) find(identityAddr, event string) (codec.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.frames[identityAddr] {
		if env.Event == event {
			return env, true
		}
	}
	return codec.Envelope{}, false
}

func waitForEvent(t *testing.T, rec *recorder, identityAddr, event string) codec.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env, ok := rec.find(identityAddr, event); ok {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", event, identityAddr)
	return codec.Envelope{}
}

func waitForRelease(t *testing.T, coord *Coordinator, identityAddr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !coord.HasActive(identityAddr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("identity %s never released", identityAddr)
}

func decodeGameEnded(t *testing.T, env codec.Envelope) codec.GameEnded {
	t.Helper()
	var ge codec.GameEnded
	if err := json.Unmarshal(env.Data, &ge); err != nil {
		t.Fatalf("decode gameEnded: %v", err)
	}
	return ge
}

// startActiveSession pairs alice and bob and walks them to the Active state.
func startActiveSession(t *testing.T, fb *fakeBridge) (*Coordinator, *Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.JoinRoom(alice); err != nil {
		t.Fatalf("alice joinRoom: %v", err)
	}
	if err := s.JoinRoom(bob); err != nil {
		t.Fatalf("bob joinRoom: %v", err)
	}
	waitForEvent(t, rec, alice, codec.EventGameStarted)
	waitForEvent(t, rec, bob, codec.EventGameStarted)
	return coord, s, rec
}

func setBoard(s *Session, identityAddr string, b game2048.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if p.identity == identityAddr {
			p.board = b
		}
	}
}

func TestWinSettlesExactlyOnce(t *testing.T) {
	fb := &fakeBridge{}
	coord, s, rec := startActiveSession(t, fb)

	setBoard(s, alice, game2048.Board{{1024, 1024, 0, 0}})
	if err := s.ApplyMove(alice, game2048.DirLeft); err != nil {
		t.Fatalf("winning move: %v", err)
	}

	ge := decodeGameEnded(t, waitForEvent(t, rec, bob, codec.EventGameEnded))
	if ge.Winner != alice || ge.Result != codec.ResultWin {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if ge.TransactionHash != "tx-settle-1" {
		t.Fatalf("settle tx = %q", ge.TransactionHash)
	}
	if _, commits, winner := fb.counts(); commits != 1 || winner != alice {
		t.Fatalf("commits=%d winner=%s", commits, winner)
	}

	waitForRelease(t, coord, alice)
	waitForRelease(t, coord, bob)

	if err := s.ApplyMove(bob, game2048.DirUp); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("move after end = %v, want ErrStaleEvent", err)
	}
	if err := s.Quit(bob); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("quit after end = %v, want ErrStaleEvent", err)
	}
}

func TestQuitForfeitsToOpponent(t *testing.T) {
	fb := &fakeBridge{}
	_, s, rec := startActiveSession(t, fb)

	if err := s.Quit(bob); err != nil {
		t.Fatalf("quit: %v", err)
	}

	waitForEvent(t, rec, alice, codec.EventPlayerQuitInfo)
	ge := decodeGameEnded(t, waitForEvent(t, rec, alice, codec.EventGameEnded))
	if ge.Winner != alice || ge.Result != codec.ResultQuit {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if _, commits, winner := fb.counts(); commits != 1 || winner != alice {
		t.Fatalf("commits=%d winner=%s", commits, winner)
	}
}

func TestDisconnectForfeitsToOpponent(t *testing.T) {
	fb := &fakeBridge{}
	coord, _, rec := startActiveSession(t, fb)

	coord.Disconnect(bob)

	ge := decodeGameEnded(t, waitForEvent(t, rec, alice, codec.EventGameEnded))
	if ge.Winner != alice || ge.Result != codec.ResultQuit {
		t.Fatalf("gameEnded = %+v", ge)
	}

	// A disconnect for an identity with no live session is a no-op.
	coord.Disconnect(carol)
}

func TestQuitBeforeStakingDissolvesMatch(t *testing.T) {
	fb := &fakeBridge{}
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.Quit(alice); err != nil {
		t.Fatalf("quit: %v", err)
	}

	ge := decodeGameEnded(t, waitForEvent(t, rec, bob, codec.EventGameEnded))
	if ge.Result != codec.ResultAbandoned || ge.Winner != "" {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if creates, commits, _ := fb.counts(); creates != 0 || commits != 0 {
		t.Fatalf("bridge touched: creates=%d commits=%d", creates, commits)
	}
}

func TestQuitDuringEscrowResolvesAfterActivation(t *testing.T) {
	fb := &fakeBridge{createDelay: 100 * time.Millisecond}
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.JoinRoom(alice); err != nil {
		t.Fatalf("alice joinRoom: %v", err)
	}
	if err := s.JoinRoom(bob); err != nil {
		t.Fatalf("bob joinRoom: %v", err)
	}

	// Escrow is still in flight; the quit must wait for it to land.
	if err := s.Quit(alice); err != nil {
		t.Fatalf("quit while staking: %v", err)
	}

	ge := decodeGameEnded(t, waitForEvent(t, rec, bob, codec.EventGameEnded))
	if ge.Winner != bob || ge.Result != codec.ResultQuit {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if creates, commits, winner := fb.counts(); creates != 1 || commits != 1 || winner != bob {
		t.Fatalf("creates=%d commits=%d winner=%s", creates, commits, winner)
	}
}

func TestDrawWhenBothBoardsDead(t *testing.T) {
	fb := &fakeBridge{}
	_, s, rec := startActiveSession(t, fb)

	// Bob's board is already dead. Alice's board has exactly one merge left;
	// playing it packs the grid and the spawned tile lands between cells that
	// can never match a 2 or a 4.
	s.mu.Lock()
	s.players[1].board = game2048.Board{
		{2, 4, 2, 4},
		{4, 2, 4, 2},
		{2, 4, 2, 4},
		{4, 2, 4, 2},
	}
	s.players[1].finished = true
	s.mu.Unlock()
	setBoard(s, alice, game2048.Board{
		{32, 64, 32, 64},
		{64, 32, 64, 32},
		{2, 2, 16, 8},
		{64, 128, 64, 128},
	})

	if err := s.ApplyMove(alice, game2048.DirLeft); err != nil {
		t.Fatalf("final move: %v", err)
	}

	ge := decodeGameEnded(t, waitForEvent(t, rec, alice, codec.EventGameEnded))
	if ge.Result != codec.ResultDraw || ge.Winner != "" {
		t.Fatalf("gameEnded = %+v", ge)
	}
	// Draws never touch the settlement contract.
	if _, commits, _ := fb.counts(); commits != 0 {
		t.Fatalf("commits = %d, want 0", commits)
	}
}

func TestSettlementFailureSurfacesToBothPlayers(t *testing.T) {
	fb := &fakeBridge{commitErr: errors.New("rpc down")}
	_, s, rec := startActiveSession(t, fb)

	setBoard(s, alice, game2048.Board{{1024, 1024, 0, 0}})
	if err := s.ApplyMove(alice, game2048.DirLeft); err != nil {
		t.Fatalf("winning move: %v", err)
	}

	waitForEvent(t, rec, alice, codec.EventError)
	waitForEvent(t, rec, bob, codec.EventError)
	ge := decodeGameEnded(t, waitForEvent(t, rec, bob, codec.EventGameEnded))
	if ge.Result != codec.ResultSettlementFailed || ge.Winner != alice {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if ge.TransactionHash != "" {
		t.Fatalf("tx hash on failed settlement: %q", ge.TransactionHash)
	}
}

func TestEscrowFailureCancelsMatch(t *testing.T) {
	fb := &fakeBridge{createErr: errors.New("insufficient allowance")}
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.JoinRoom(alice); err != nil {
		t.Fatalf("alice joinRoom: %v", err)
	}
	if err := s.JoinRoom(bob); err != nil {
		t.Fatalf("bob joinRoom: %v", err)
	}

	waitForEvent(t, rec, alice, codec.EventError)
	ge := decodeGameEnded(t, waitForEvent(t, rec, bob, codec.EventGameEnded))
	if ge.Result != codec.ResultSettlementFailed || ge.Winner != "" {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if _, commits, _ := fb.counts(); commits != 0 {
		t.Fatalf("commits = %d, want 0", commits)
	}
	waitForRelease(t, coord, alice)
}

func TestConcurrentWinAndQuitSettleOnce(t *testing.T) {
	fb := &fakeBridge{}
	_, s, rec := startActiveSession(t, fb)

	setBoard(s, alice, game2048.Board{{1024, 1024, 0, 0}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.ApplyMove(alice, game2048.DirLeft); err != nil && !errors.Is(err, ErrStaleEvent) {
			t.Errorf("move: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.Quit(bob); err != nil && !errors.Is(err, ErrStaleEvent) {
			t.Errorf("quit: %v", err)
		}
	}()
	wg.Wait()

	// Either ordering makes alice the winner; what matters is a single commit.
	ge := decodeGameEnded(t, waitForEvent(t, rec, alice, codec.EventGameEnded))
	if ge.Winner != alice {
		t.Fatalf("gameEnded = %+v", ge)
	}
	time.Sleep(50 * time.Millisecond)
	if _, commits, _ := fb.counts(); commits != 1 {
		t.Fatalf("commits = %d, want exactly 1", commits)
	}
}

func TestStakeTimeoutAbandonsMatch(t *testing.T) {
	fb := &fakeBridge{}
	rec := newRecorder()
	coord := NewCoordinator(Config{StakeTimeout: 50 * time.Millisecond}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.JoinRoom(alice); err != nil {
		t.Fatalf("alice joinRoom: %v", err)
	}
	// Bob never confirms.

	ge := decodeGameEnded(t, waitForEvent(t, rec, alice, codec.EventGameEnded))
	if ge.Result != codec.ResultAbandoned {
		t.Fatalf("gameEnded = %+v", ge)
	}
	if creates, _, _ := fb.counts(); creates != 0 {
		t.Fatalf("creates = %d, want 0", creates)
	}
}

func TestMoveGuards(t *testing.T) {
	fb := &fakeBridge{}
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())
	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.ApplyMove(alice, game2048.DirLeft); !errors.Is(err, ErrNotActive) {
		t.Fatalf("move before active = %v, want ErrNotActive", err)
	}

	if err := s.JoinRoom(carol); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger joinRoom = %v, want ErrNotParticipant", err)
	}

	if err := s.JoinRoom(alice); err != nil {
		t.Fatalf("alice joinRoom: %v", err)
	}
	if err := s.JoinRoom(bob); err != nil {
		t.Fatalf("bob joinRoom: %v", err)
	}
	waitForEvent(t, rec, alice, codec.EventGameStarted)

	if err := s.ApplyMove(carol, game2048.DirLeft); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger move = %v, want ErrNotParticipant", err)
	}

	// A dead board rejects further moves without ending the match.
	s.mu.Lock()
	s.players[0].finished = true
	s.mu.Unlock()
	if err := s.ApplyMove(alice, game2048.DirLeft); !errors.Is(err, ErrBoardFinished) {
		t.Fatalf("move on dead board = %v, want ErrBoardFinished", err)
	}
}

func TestCoordinatorOneSessionPerIdentity(t *testing.T) {
	fb := &fakeBridge{}
	rec := newRecorder()
	coord := NewCoordinator(Config{}, fb, ledger.NewNoopService())

	s, err := coord.Create(alice, bob, 25, rec.send)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := coord.Create(alice, carol, 25, rec.send); err == nil {
		t.Fatalf("second session for alice was allowed")
	}
	if _, err := coord.Create(alice, alice, 25, rec.send); err == nil {
		t.Fatalf("self pairing was allowed")
	}

	if err := s.Quit(alice); err != nil {
		t.Fatalf("quit: %v", err)
	}
	waitForRelease(t, coord, alice)

	if _, err := coord.Create(alice, carol, 25, rec.send); err != nil {
		t.Fatalf("re-pair after release: %v", err)
	}

	if got, ok := coord.Get(s.ID); !ok || got != s {
		t.Fatalf("ended session no longer resolvable by id")
	}
}
