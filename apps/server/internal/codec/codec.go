// Package codec defines the wire protocol: JSON text frames of the shape
// {"event": ..., "data": ...} with the event names the original socket
// protocol established. Payload structs live here so the gateway and the
// session layer agree on shapes without importing each other.
package codec

import (
	"encoding/json"
	"fmt"
)

// Client->server events.
const (
	EventJoinQueue  = "joinQueue"
	EventLeaveQueue = "leaveQueue"
	EventJoinRoom   = "joinRoom"
	EventMakeMove   = "makeMove"
	EventPlayerQuit = "playerQuit"
)

// Server->client events.
const (
	EventMatchFound     = "matchFound"
	EventRoomJoined     = "roomJoined"
	EventGameStarted    = "gameStarted"
	EventMoveMade       = "moveMade"
	EventScoreUpdate    = "scoreUpdate"
	EventGameEnded      = "gameEnded"
	EventPlayerQuitInfo = "playerQuit"
	EventError          = "error"
)

// Result values carried by GameEnded.
const (
	ResultWin              = "win"
	ResultDraw             = "draw"
	ResultQuit             = "quit"
	ResultAbandoned        = "abandoned"
	ResultSettlementFailed = "settlement_failed"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinQueue is the client request to enter a stake bucket.
type JoinQueue struct {
	Address string `json:"address"`
	Stake   int64  `json:"stake"`
}

// JoinRoom acknowledges a found match and confirms the stake.
type JoinRoom struct {
	MatchID string `json:"matchId"`
}

// MakeMove reports one move; the server recomputes the board itself.
type MakeMove struct {
	MatchID   string `json:"matchId"`
	Direction string `json:"direction"`
}

// PlayerQuit is the client-side forfeit.
type PlayerQuit struct {
	MatchID string `json:"matchId"`
}

// MatchFound announces a pairing to both players.
type MatchFound struct {
	MatchID string   `json:"matchId"`
	Players []string `json:"players"`
	Stake   int64    `json:"stake"`
}

// RoomJoined confirms a joinRoom ack.
type RoomJoined struct {
	MatchID string   `json:"matchId"`
	Players []string `json:"players"`
}

// GameStarted carries the recipient's own starting board. Boards are never
// sent to the opponent.
type GameStarted struct {
	MatchID string  `json:"matchId"`
	Board   [][]int `json:"board"`
}

// MoveMade echoes the authoritative move result back to the mover.
type MoveMade struct {
	MatchID    string  `json:"matchId"`
	Player     string  `json:"player"`
	Board      [][]int `json:"board"`
	Score      int     `json:"score"`
	Moved      bool    `json:"moved"`
	IsGameOver bool    `json:"isGameOver"`
}

// ScoreUpdate is the opponent's view of a move: progress only, no board.
type ScoreUpdate struct {
	MatchID    string `json:"matchId"`
	Player     string `json:"player"`
	Score      int    `json:"score"`
	IsGameOver bool   `json:"isGameOver"`
}

// GameEnded closes a session for both players.
type GameEnded struct {
	MatchID         string `json:"matchId"`
	Winner          string `json:"winner,omitempty"`
	Result          string `json:"result"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// PlayerQuitInfo tells both sides who forfeited and who takes the pot.
type PlayerQuitInfo struct {
	MatchID string `json:"matchId"`
	Player  string `json:"player"`
	Winner  string `json:"winner"`
}

// ErrorMessage is the user-facing error event.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode frames a payload under an event name.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// MustEncode is Encode for payloads that cannot fail to marshal; it panics
// on programmer error.
func MustEncode(event string, payload any) []byte {
	data, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a client frame into its envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}
