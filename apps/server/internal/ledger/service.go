// Package ledger is the read side of settlement: a journal of created and
// settled matches plus the leaderboard fold over it. The session core only
// writes into the Service interface; nothing in queueing or session state
// depends on this package's storage.
package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
	ModeOff      = "off"

	defaultLeaderboardLimit = 100
	defaultRecentLimit      = 50
)

// Standing is one leaderboard row. Winnings count the full pot: double the
// stake for every win.
type Standing struct {
	Address       string `json:"address"`
	Wins          int    `json:"wins"`
	MatchesPlayed int    `json:"matchesPlayed"`
	TotalWon      int64  `json:"totalWon"`
}

// MatchRecord is one journal row.
type MatchRecord struct {
	MatchID     string     `json:"matchId"`
	P1          string     `json:"p1"`
	P2          string     `json:"p2"`
	Stake       int64      `json:"stake"`
	Result      string     `json:"result,omitempty"`
	Winner      string     `json:"winner,omitempty"`
	CreateTxRef string     `json:"createTx,omitempty"`
	ResultTxRef string     `json:"resultTx,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
}

// Service journals settlement activity. The Record methods are fire and
// forget: storage trouble is logged, never propagated into match handling.
type Service interface {
	Close() error

	// RecordPairing journals a fresh session before any chain activity.
	RecordPairing(matchID, p1, p2 string, stake int64)
	// RecordEscrow attaches the successful createMatch transaction.
	RecordEscrow(matchID, txRef string)
	// RecordResult closes the row with the terminal result.
	RecordResult(matchID, result, winner string, txRef string)
	// RecordSettlementFailure marks a failed bridge call for escalation.
	RecordSettlementFailure(matchID, stage string, cause error)

	Leaderboard(ctx context.Context, limit int) ([]Standing, error)
	RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error)
}

// NewNoopService returns a journal that discards everything. Used when
// LEDGER_MODE=off and as the default in tests of other packages.
func NewNoopService() Service { return noopService{} }

type noopService struct{}

func (noopService) Close() error                                 { return nil }
func (noopService) RecordPairing(string, string, string, int64)  {}
func (noopService) RecordEscrow(string, string)                  {}
func (noopService) RecordResult(string, string, string, string)  {}
func (noopService) RecordSettlementFailure(string, string, error) {}

func (noopService) Leaderboard(context.Context, int) ([]Standing, error) {
	return []Standing{}, nil
}

func (noopService) RecentMatches(context.Context, int) ([]MatchRecord, error) {
	return []MatchRecord{}, nil
}

func modeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_MODE")))
	switch raw {
	case "", ModeSQLite, "local":
		return ModeSQLite
	case ModePostgres, "postgresql", "pg":
		return ModePostgres
	case ModeOff, "none", "noop":
		return ModeOff
	default:
		return raw
	}
}

// NewServiceFromEnv builds the journal selected by LEDGER_MODE.
func NewServiceFromEnv() (Service, string, error) {
	mode := modeFromEnv()
	switch mode {
	case ModeSQLite:
		svc, err := NewSQLiteServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return svc, mode, nil
	case ModePostgres:
		svc, err := NewPostgresServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return svc, mode, nil
	case ModeOff:
		return noopService{}, mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid LEDGER_MODE %q (supported: %s, %s, %s)",
			mode, ModeSQLite, ModePostgres, ModeOff)
	}
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 || limit > 1000 {
		return fallback
	}
	return limit
}
