// Package storage persists votes, voters, polling stations and print jobs.
// The durable store is the only queue: every state transition of a print job
// is a conditional write against it.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"voting-audit/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrStatusMismatch = errors.New("status mismatch")
	// ErrStaleVoter is returned when a voter row changed between read and write.
	ErrStaleVoter = errors.New("voter record changed concurrently")
)

type VoteRepository interface {
	// CreateVote returns ErrDuplicate when the id or serial number is taken.
	CreateVote(ctx context.Context, vote *models.Vote) error
	GetVote(ctx context.Context, id string) (*models.Vote, error)
	GetVoteBySerial(ctx context.Context, serial string) (*models.Vote, error)
	SerialExists(ctx context.Context, serial string) (bool, error)
	// ActiveVoteForVoter returns the voter's PENDING or CONFIRMED vote, or ErrNotFound.
	ActiveVoteForVoter(ctx context.Context, voterID string) (*models.Vote, error)
	// SupersedeVote returns ErrStatusMismatch if the vote is no longer active.
	SupersedeVote(ctx context.Context, id string, at time.Time) error
	ConfirmVote(ctx context.Context, id string, c models.Confirmation) error
	// ListVotesByVoter returns the voter's votes oldest first.
	ListVotesByVoter(ctx context.Context, voterID string) ([]models.Vote, error)
}

type VoterRepository interface {
	GetVoter(ctx context.Context, id string) (*models.Voter, error)
	// RecordVoterCast bumps the vote count only if it still equals expectedCount,
	// otherwise it returns ErrStaleVoter.
	RecordVoterCast(ctx context.Context, id string, expectedCount int, status models.VoterStatus, at time.Time) error
}

type StationRepository interface {
	GetStation(ctx context.Context, id string) (*models.PollingStation, error)
}

type PrintJobRepository interface {
	// CreateJob returns ErrDuplicate when the vote already has a job.
	CreateJob(ctx context.Context, job *models.PrintJob) error
	// CreateJobs inserts jobs, silently skipping votes that are already queued,
	// and returns how many rows were added.
	CreateJobs(ctx context.Context, jobs []models.PrintJob) (int, error)
	GetJob(ctx context.Context, id string) (*models.PrintJob, error)
	GetJobByVoteID(ctx context.Context, voteID string) (*models.PrintJob, error)
	// ListJobs returns one page of jobs in claim order and the unpaged total.
	ListJobs(ctx context.Context, filter models.PrintJobFilter) ([]models.PrintJob, int, error)
	// ClaimNextJob atomically moves the best PENDING job to PRINTING.
	// It returns nil, nil when nothing is claimable.
	ClaimNextJob(ctx context.Context, printerID, stationID string, now time.Time) (*models.PrintJob, error)
	// UpdateJob applies fn to the job if its status is one of from (any status
	// when from is empty). A status outside from yields ErrStatusMismatch; an
	// error from fn leaves the job untouched and is returned as is.
	UpdateJob(ctx context.Context, id string, from []models.PrintJobStatus, fn func(*models.PrintJob) error) (*models.PrintJob, error)
	// ResetStuckJobs returns PRINTING jobs last updated before the cutoff to PENDING.
	ResetStuckJobs(ctx context.Context, before, now time.Time) (int, error)
	CountJobsByStatus(ctx context.Context, stationID string) (map[models.PrintJobStatus]int, error)
}

type Repositories interface {
	VoteRepository
	VoterRepository
	StationRepository
	PrintJobRepository
}

// Store is a Repositories with transactions and lifecycle.
type Store interface {
	Repositories
	// InTx runs fn atomically; any error rolls back every write fn made.
	InTx(ctx context.Context, fn func(Repositories) error) error
	// Seed upserts stations and inserts voters not yet on the roll. Known
	// voters keep their status and vote count.
	Seed(ctx context.Context, voters []models.Voter, stations []models.PollingStation) error
	Close() error
}

func statusIn(s models.PrintJobStatus, from []models.PrintJobStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func mismatch(id string, current models.PrintJobStatus) error {
	return errors.Wrapf(ErrStatusMismatch, "print job %s is %s", id, current)
}
