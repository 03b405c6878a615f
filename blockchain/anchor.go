// Package blockchain anchors vote fingerprints on an append-only ledger.
package blockchain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound means the ledger answered and holds no record for the serial.
	ErrRecordNotFound = errors.New("ledger record not found")
	// ErrLedgerUnavailable means the ledger could not be reached or did not answer in time.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrAlreadyAnchored   = errors.New("serial already anchored")
)

type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Timestamp   time.Time
}

type Record struct {
	SerialNumber string
	VoteHash     string
	TxHash       string
	BlockNumber  uint64
	Timestamp    time.Time
	Superseded   bool
}

// Anchor records (voteHash, serial) pairs on a ledger and answers point lookups.
// Callers treat every error from an Anchor as non-fatal.
type Anchor interface {
	RecordVote(ctx context.Context, voteHash, serialNumber string) (*Receipt, error)
	GetVoteRecord(ctx context.Context, serialNumber string) (*Record, error)
}

// Superseder is implemented by ledgers that can flag an anchored vote as
// replaced by a revote.
type Superseder interface {
	MarkSuperseded(ctx context.Context, serialNumber string) error
}
