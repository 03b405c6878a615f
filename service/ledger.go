package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"voting-audit/blockchain"
	"voting-audit/encryption"
	"voting-audit/models"
	"voting-audit/storage"
)

const (
	// castAttempts bounds retries after losing a concurrent cast for the same voter.
	castAttempts = 3
	// serialAttempts bounds retries after a serial number collision.
	serialAttempts = 5
)

const (
	MessageNotFound             = "not_found"
	MessageIntegrityWarning     = "integrity_warning"
	MessageVerified             = "verified"
	MessageVerifiedNoBlockchain = "verified_no_blockchain"
)

// LedgerStatus tells apart a ledger that answered "no record" from one that
// did not answer at all.
type LedgerStatus string

const (
	LedgerConfirmed   LedgerStatus = "confirmed"
	LedgerAbsent      LedgerStatus = "absent"
	LedgerUnavailable LedgerStatus = "unavailable"
)

// Enqueuer accepts a freshly cast vote for printing.
type Enqueuer interface {
	AddToQueue(ctx context.Context, voteID, pollingStationID string, priority *int) (*models.PrintJob, error)
}

type CastResult struct {
	SerialNumber     string    `json:"serialNumber"`
	VoteID           string    `json:"voteId"`
	BlockchainTxHash *string   `json:"blockchainTxHash"`
	Timestamp        time.Time `json:"timestamp"`
}

type CryptographicVerification struct {
	HashValid bool      `json:"hashValid"`
	CheckedAt time.Time `json:"checkedAt"`
}

type BlockchainConfirmation struct {
	Confirmed           bool       `json:"confirmed"`
	TxHash              *string    `json:"txHash"`
	ConfirmedAt         *time.Time `json:"confirmedAt"`
	BlockchainTimestamp *time.Time `json:"blockchainTimestamp"`
	IsSuperseded        bool       `json:"isSuperseded"`
}

type VerificationResult struct {
	Verified                  bool                       `json:"verified"`
	SerialNumber              string                     `json:"serialNumber"`
	Status                    models.VoteStatus          `json:"status,omitempty"`
	Timestamp                 *time.Time                 `json:"timestamp,omitempty"`
	ConfirmedAt               *time.Time                 `json:"confirmedAt"`
	CryptographicVerification *CryptographicVerification `json:"cryptographicVerification,omitempty"`
	BlockchainConfirmation    *BlockchainConfirmation    `json:"blockchainConfirmation,omitempty"`
	LedgerStatus              LedgerStatus               `json:"ledgerStatus,omitempty"`
	Message                   string                     `json:"message"`
}

// VoteLedger owns vote creation, the revote chain and verification.
type VoteLedger struct {
	store    storage.Store
	engine   encryption.Engine
	anchor   blockchain.Anchor
	enqueuer Enqueuer
	metrics  *Metrics
	log      zerolog.Logger
	now      func() time.Time
	serials  SerialSource
}

func NewVoteLedger(store storage.Store, engine encryption.Engine, opts ...Option) *VoteLedger {
	o := buildOptions(opts)
	return &VoteLedger{
		store:    store,
		engine:   engine,
		anchor:   o.anchor,
		enqueuer: o.enqueuer,
		metrics:  o.metrics,
		log:      o.log.With().Str("module", "ledger").Logger(),
		now:      o.now,
		serials:  o.serials,
	}
}

// CastVote encrypts and records a ballot. A voter with an active vote gets a
// revote that supersedes it. Ledger anchoring and print enqueueing are best
// effort and never fail the cast.
func (l *VoteLedger) CastVote(ctx context.Context, voter models.VoterContext, selections map[string]string, pollingStationID string) (*CastResult, error) {
	start := time.Now()

	if voter.VoterID == "" {
		return nil, models.NewError(models.KindValidation, "voter id is required")
	}
	if len(selections) == 0 {
		return nil, models.NewError(models.KindValidation, "at least one selection is required")
	}

	ciphertext, err := l.engine.Encrypt(selections)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to encrypt ballot")
	}
	hash := l.engine.Hash(ciphertext)

	var vote, previous *models.Vote
	for attempt := 1; attempt <= castAttempts; attempt++ {
		vote, previous, err = l.persistCast(ctx, voter, pollingStationID, ciphertext, hash)
		if !errors.Is(err, storage.ErrStaleVoter) {
			break
		}
		l.log.Debug().Int("attempt", attempt).Msg("concurrent cast detected, retrying as revote")
	}
	if errors.Is(err, storage.ErrStaleVoter) {
		return nil, models.WrapError(models.KindConflict, err, "concurrent casts for the same voter")
	}
	if err != nil {
		return nil, err
	}

	result := &CastResult{
		SerialNumber: vote.SerialNumber,
		VoteID:       vote.ID,
		Timestamp:    vote.Timestamp,
	}
	result.BlockchainTxHash = l.anchorVote(ctx, vote)

	kind := "first"
	if previous != nil {
		kind = "revote"
		l.flagSuperseded(ctx, previous.SerialNumber)
	}
	l.enqueue(ctx, vote)

	l.metrics.VotesCast.WithLabelValues(kind).Inc()
	l.metrics.CastDuration.Observe(time.Since(start).Seconds())
	l.log.Info().
		Str("serial", vote.SerialNumber).
		Str("kind", kind).
		Bool("anchored", result.BlockchainTxHash != nil).
		Msg("vote cast")

	return result, nil
}

func (l *VoteLedger) persistCast(ctx context.Context, voter models.VoterContext, stationID string, ciphertext []byte, hash string) (vote, previous *models.Vote, err error) {
	err = l.store.InTx(ctx, func(tx storage.Repositories) error {
		vote, previous = nil, nil

		record, err := tx.GetVoter(ctx, voter.VoterID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.NewError(models.KindNotEligible, "voter is not on the roll")
		}
		if err != nil {
			return models.WrapError(models.KindInternal, err, "failed to load voter")
		}
		if !record.Status.CanVote() {
			return models.NewError(models.KindNotEligible, "voter status %s does not permit voting", record.Status)
		}

		station, err := resolveStation(ctx, tx, stationID, record)
		if err != nil {
			return err
		}
		serial, err := l.mintSerial(ctx, tx)
		if err != nil {
			return err
		}

		now := l.now()
		vote = &models.Vote{
			ID:                uuid.NewString(),
			SerialNumber:      serial,
			VoterID:           record.ID,
			EncryptedVoteHash: hash,
			EncryptedVoteData: ciphertext,
			Status:            models.VoteStatusPending,
			PollingStationID:  station.ID,
			IsDistressFlagged: voter.Distress,
			Timestamp:         now,
			UpdatedAt:         now,
		}

		active, err := tx.ActiveVoteForVoter(ctx, record.ID)
		switch {
		case err == nil:
			if err := tx.SupersedeVote(ctx, active.ID, now); err != nil {
				return models.WrapError(models.KindInternal, err, "failed to supersede previous vote")
			}
			vote.PreviousVoteID = &active.ID
			previous = active
		case !errors.Is(err, storage.ErrNotFound):
			return models.WrapError(models.KindInternal, err, "failed to look up active vote")
		}

		if err := tx.CreateVote(ctx, vote); err != nil {
			return models.WrapError(models.KindInternal, err, "failed to store vote")
		}

		status := models.VoterStatusVoted
		if previous != nil {
			status = models.VoterStatusRevoted
		}
		if err := tx.RecordVoterCast(ctx, record.ID, record.VoteCount, status, now); err != nil {
			if errors.Is(err, storage.ErrStaleVoter) {
				return err
			}
			return models.WrapError(models.KindInternal, err, "failed to update voter")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return vote, previous, nil
}

func resolveStation(ctx context.Context, tx storage.Repositories, explicit string, voter *models.Voter) (*models.PollingStation, error) {
	id := explicit
	if id == "" {
		id = voter.PollingStationID
	}
	if id == "" {
		return nil, models.NewError(models.KindMissingPollingStation, "no polling station given and none registered for voter")
	}

	station, err := tx.GetStation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, models.NewError(models.KindMissingPollingStation, "polling station %s does not exist", id)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to load polling station")
	}
	return station, nil
}

func (l *VoteLedger) mintSerial(ctx context.Context, tx storage.Repositories) (string, error) {
	for i := 0; i < serialAttempts; i++ {
		serial, err := l.serials()
		if err != nil {
			return "", models.WrapError(models.KindInternal, err, "failed to generate serial number")
		}
		taken, err := tx.SerialExists(ctx, serial)
		if err != nil {
			return "", models.WrapError(models.KindInternal, err, "failed to check serial number")
		}
		if !taken {
			return serial, nil
		}
		l.log.Warn().Int("attempt", i+1).Msg("serial number collision")
	}
	return "", models.NewError(models.KindInternal, "no unique serial number after %d attempts", serialAttempts)
}

func (l *VoteLedger) anchorVote(ctx context.Context, vote *models.Vote) *string {
	if l.anchor == nil {
		return nil
	}

	receipt, err := l.anchor.RecordVote(ctx, vote.EncryptedVoteHash, vote.SerialNumber)
	if err != nil {
		l.metrics.LedgerAnchors.WithLabelValues("unavailable").Inc()
		l.log.Warn().Err(err).Str("serial", vote.SerialNumber).Msg("ledger unavailable, vote stays pending")
		return nil
	}

	confirmation := models.Confirmation{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		ConfirmedAt: l.now(),
	}
	if err := l.store.ConfirmVote(ctx, vote.ID, confirmation); err != nil {
		l.metrics.LedgerAnchors.WithLabelValues("unrecorded").Inc()
		l.log.Error().Err(err).Str("serial", vote.SerialNumber).Msg("anchored but failed to store confirmation")
		return nil
	}

	l.metrics.LedgerAnchors.WithLabelValues("confirmed").Inc()
	return &receipt.TxHash
}

func (l *VoteLedger) flagSuperseded(ctx context.Context, serial string) {
	s, ok := l.anchor.(blockchain.Superseder)
	if !ok {
		return
	}
	if err := s.MarkSuperseded(ctx, serial); err != nil && !errors.Is(err, blockchain.ErrRecordNotFound) {
		l.log.Warn().Err(err).Str("serial", serial).Msg("failed to flag superseded vote on ledger")
	}
}

func (l *VoteLedger) enqueue(ctx context.Context, vote *models.Vote) {
	if l.enqueuer == nil {
		return
	}
	if _, err := l.enqueuer.AddToQueue(ctx, vote.ID, vote.PollingStationID, nil); err != nil {
		l.log.Warn().Err(err).Str("serial", vote.SerialNumber).Msg("failed to queue vote for printing")
	}
}

// VerifyVote re-hashes the stored ciphertext and consults the ledger. An
// unreachable ledger degrades the answer but never fails it.
func (l *VoteLedger) VerifyVote(ctx context.Context, serial string) (*VerificationResult, error) {
	vote, err := l.store.GetVoteBySerial(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return &VerificationResult{SerialNumber: serial, Message: MessageNotFound}, nil
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to load vote")
	}

	hashValid := len(vote.EncryptedVoteData) > 0 && l.engine.Hash(vote.EncryptedVoteData) == vote.EncryptedVoteHash
	timestamp := vote.Timestamp
	result := &VerificationResult{
		SerialNumber: vote.SerialNumber,
		Status:       vote.Status,
		Timestamp:    &timestamp,
		ConfirmedAt:  vote.ConfirmedAt,
		CryptographicVerification: &CryptographicVerification{
			HashValid: hashValid,
			CheckedAt: l.now(),
		},
		BlockchainConfirmation: &BlockchainConfirmation{
			Confirmed:   vote.BlockchainTxHash != nil,
			TxHash:      vote.BlockchainTxHash,
			ConfirmedAt: vote.ConfirmedAt,
		},
	}

	if !hashValid {
		l.log.Warn().Str("serial", serial).Msg("stored ciphertext does not match its hash")
		result.Message = MessageIntegrityWarning
		return result, nil
	}

	record, status := l.lookupLedger(ctx, serial)
	result.LedgerStatus = status
	switch {
	case record != nil && record.VoteHash != vote.EncryptedVoteHash:
		l.log.Warn().Str("serial", serial).Msg("ledger hash disagrees with stored hash")
		result.BlockchainConfirmation.Confirmed = false
		result.Message = MessageIntegrityWarning
	case record != nil:
		ts := record.Timestamp
		result.BlockchainConfirmation = &BlockchainConfirmation{
			Confirmed:           true,
			TxHash:              &record.TxHash,
			ConfirmedAt:         vote.ConfirmedAt,
			BlockchainTimestamp: &ts,
			IsSuperseded:        record.Superseded,
		}
		result.Verified = true
		result.Message = MessageVerified
	default:
		result.BlockchainConfirmation.Confirmed = false
		result.Verified = true
		result.Message = MessageVerifiedNoBlockchain
	}
	return result, nil
}

func (l *VoteLedger) lookupLedger(ctx context.Context, serial string) (*blockchain.Record, LedgerStatus) {
	if l.anchor == nil {
		return nil, LedgerUnavailable
	}
	record, err := l.anchor.GetVoteRecord(ctx, serial)
	switch {
	case err == nil:
		return record, LedgerConfirmed
	case errors.Is(err, blockchain.ErrRecordNotFound):
		return nil, LedgerAbsent
	default:
		l.log.Warn().Err(err).Str("serial", serial).Msg("ledger lookup failed")
		return nil, LedgerUnavailable
	}
}

// VoteHistory returns the voter's supersession chain, newest first, by
// following PreviousVoteID from the latest vote.
func (l *VoteLedger) VoteHistory(ctx context.Context, voterID string) ([]models.Vote, error) {
	votes, err := l.store.ListVotesByVoter(ctx, voterID)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to list votes")
	}
	if len(votes) == 0 {
		return nil, models.NewError(models.KindVoteNotFound, "voter has not voted")
	}

	byID := make(map[string]models.Vote, len(votes))
	replaced := make(map[string]bool, len(votes))
	for _, v := range votes {
		byID[v.ID] = v
		if v.PreviousVoteID != nil {
			replaced[*v.PreviousVoteID] = true
		}
	}

	// the head is the newest vote nothing points back to
	head := votes[len(votes)-1]
	for i := len(votes) - 1; i >= 0; i-- {
		if !replaced[votes[i].ID] {
			head = votes[i]
			break
		}
	}

	chain := make([]models.Vote, 0, len(votes))
	seen := make(map[string]bool, len(votes))
	for current, ok := head, true; ok && !seen[current.ID]; {
		seen[current.ID] = true
		chain = append(chain, current)
		if current.PreviousVoteID == nil {
			break
		}
		current, ok = byID[*current.PreviousVoteID]
	}
	return chain, nil
}
