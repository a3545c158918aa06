// Package bridge is the boundary to the escrow contract. The session layer
// consumes the Service interface only; it guarantees each call is issued at
// most once per match, while implementations guarantee a retried CreateMatch
// with the same match id never escrows twice.
package bridge

import (
	"context"
	"errors"
)

var (
	// ErrInvalidAddress marks a malformed player address reaching the chain
	// boundary.
	ErrInvalidAddress = errors.New("invalid player address")
	// ErrAlreadySettled marks a second result commit for one match.
	ErrAlreadySettled = errors.New("match already settled")
	// ErrUnknownMatch marks a result commit for a match that was never
	// created.
	ErrUnknownMatch = errors.New("unknown match")
	// ErrChain wraps transport and transaction failures.
	ErrChain = errors.New("chain transaction failed")
)

// Service records match escrow and outcomes on an external ledger. Both
// calls block until inclusion and return an opaque transaction reference.
type Service interface {
	Close() error

	// CreateMatch escrows both stakes. Idempotent per matchID: a retry
	// returns the original transaction reference instead of escrowing again.
	CreateMatch(ctx context.Context, matchID, p1, p2 string, stake int64) (string, error)

	// CommitResult pays the pot to the winner. At most one commit per
	// matchID ever succeeds.
	CommitResult(ctx context.Context, matchID, winner string) (string, error)
}
