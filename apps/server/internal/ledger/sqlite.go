package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "race2048_local.db"

// SQLiteService is the default single-node journal.
type SQLiteService struct {
	db *sql.DB
}

func NewSQLiteServiceFromEnv() (*SQLiteService, error) {
	dbPath := strings.TrimSpace(os.Getenv("LEDGER_SQLITE_PATH"))
	if dbPath == "" {
		dbPath = defaultLocalDBName
	}
	return NewSQLiteService(dbPath)
}

func NewSQLiteService(dbPath string) (*SQLiteService, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteService{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS matches (
    match_id      TEXT PRIMARY KEY,
    p1            TEXT NOT NULL,
    p2            TEXT NOT NULL,
    stake         INTEGER NOT NULL,
    create_tx     TEXT NOT NULL DEFAULT '',
    result        TEXT NOT NULL DEFAULT '',
    winner        TEXT NOT NULL DEFAULT '',
    result_tx     TEXT NOT NULL DEFAULT '',
    failure       TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL,
    settled_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_matches_created_at ON matches (created_at_ms DESC);
`

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) RecordPairing(matchID, p1, p2 string, stake int64) {
	ctx, cancel := recordCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO matches (match_id, p1, p2, stake, created_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (match_id) DO NOTHING
`, matchID, p1, p2, stake, time.Now().UTC().UnixMilli())
	if err != nil {
		log.Printf("[Ledger] record pairing failed: match=%s err=%v", matchID, err)
	}
}

func (s *SQLiteService) RecordEscrow(matchID, txRef string) {
	ctx, cancel := recordCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE matches SET create_tx = ? WHERE match_id = ?`, txRef, matchID)
	if err != nil {
		log.Printf("[Ledger] record escrow failed: match=%s err=%v", matchID, err)
	}
}

func (s *SQLiteService) RecordResult(matchID, result, winner string, txRef string) {
	ctx, cancel := recordCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
UPDATE matches
SET result = ?, winner = ?, result_tx = ?, settled_at_ms = ?
WHERE match_id = ?
`, result, winner, txRef, time.Now().UTC().UnixMilli(), matchID)
	if err != nil {
		log.Printf("[Ledger] record result failed: match=%s err=%v", matchID, err)
	}
}

func (s *SQLiteService) RecordSettlementFailure(matchID, stage string, cause error) {
	ctx, cancel := recordCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE matches SET failure = ? WHERE match_id = ?`,
		fmt.Sprintf("%s: %v", stage, cause), matchID)
	if err != nil {
		log.Printf("[Ledger] record settlement failure failed: match=%s err=%v", matchID, err)
	}
}

func (s *SQLiteService) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	limit = clampLimit(limit, defaultLeaderboardLimit)
	rows, err := s.db.QueryContext(ctx, `
SELECT address,
       SUM(win)          AS wins,
       COUNT(*)          AS played,
       SUM(win * 2 * stake) AS total_won
FROM (
    SELECT p1 AS address, CASE WHEN winner = p1 THEN 1 ELSE 0 END AS win, stake FROM matches
    UNION ALL
    SELECT p2 AS address, CASE WHEN winner = p2 THEN 1 ELSE 0 END AS win, stake FROM matches
)
GROUP BY address
ORDER BY wins DESC, total_won DESC, address ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStandings(rows)
}

func (s *SQLiteService) RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	limit = clampLimit(limit, defaultRecentLimit)
	rows, err := s.db.QueryContext(ctx, `
SELECT match_id, p1, p2, stake, create_tx, result, winner, result_tx, failure,
       created_at_ms, settled_at_ms
FROM matches
ORDER BY created_at_ms DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func recordCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func scanStandings(rows *sql.Rows) ([]Standing, error) {
	items := make([]Standing, 0)
	for rows.Next() {
		var st Standing
		if err := rows.Scan(&st.Address, &st.Wins, &st.MatchesPlayed, &st.TotalWon); err != nil {
			return nil, err
		}
		items = append(items, st)
	}
	return items, rows.Err()
}

func scanMatches(rows *sql.Rows) ([]MatchRecord, error) {
	items := make([]MatchRecord, 0)
	for rows.Next() {
		var rec MatchRecord
		var createdMs int64
		var settledMs sql.NullInt64
		if err := rows.Scan(&rec.MatchID, &rec.P1, &rec.P2, &rec.Stake, &rec.CreateTxRef,
			&rec.Result, &rec.Winner, &rec.ResultTxRef, &rec.Failure, &createdMs, &settledMs); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		if settledMs.Valid {
			ts := time.UnixMilli(settledMs.Int64).UTC()
			rec.SettledAt = &ts
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
