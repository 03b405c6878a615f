package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"voting-audit/ballot"
	"voting-audit/models"
	"voting-audit/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type QueueConfig struct {
	MaxAttempts     int
	DefaultPriority int
	MaxBatchSize    int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxAttempts: 3, DefaultPriority: 0, MaxBatchSize: 500}
}

// ClaimedJob is what a printer receives: the job and the payload to print.
type ClaimedJob struct {
	Job    *models.PrintJob          `json:"job"`
	Format *ballot.SecurePrintFormat `json:"printFormat"`
}

type BatchResult struct {
	Requested int `json:"requested"`
	Added     int `json:"added"`
	Skipped   int `json:"skipped"`
}

// JobVote is the slice of a vote an operator may see next to its print job.
type JobVote struct {
	SerialNumber      string            `json:"serialNumber"`
	HashPrefix        string            `json:"hashPrefix"`
	Status            models.VoteStatus `json:"status"`
	IsDistressFlagged bool              `json:"isDistressFlagged"`
}

type JobDetail struct {
	Job     *models.PrintJob       `json:"job"`
	Vote    *JobVote               `json:"vote"`
	Station *models.PollingStation `json:"pollingStation"`
}

type JobPage struct {
	Jobs   []models.PrintJob `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type ReconcileReport struct {
	Reset int               `json:"reset"`
	Stats models.QueueStats `json:"stats"`
	RanAt time.Time         `json:"ranAt"`
}

// PrintQueueEngine hands each vote to exactly one printer. The store is the
// queue; every transition is a conditional update on the job row.
type PrintQueueEngine struct {
	store     storage.Store
	formatter *ballot.Formatter
	cfg       QueueConfig
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time
}

var _ Enqueuer = (*PrintQueueEngine)(nil)

func NewPrintQueueEngine(store storage.Store, formatter *ballot.Formatter, cfg QueueConfig, opts ...Option) *PrintQueueEngine {
	o := buildOptions(opts)
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = DefaultQueueConfig().MaxBatchSize
	}
	return &PrintQueueEngine{
		store:     store,
		formatter: formatter,
		cfg:       cfg,
		metrics:   o.metrics,
		log:       o.log.With().Str("module", "print_queue").Logger(),
		now:       o.now,
	}
}

func (q *PrintQueueEngine) priority(p *int) (int, error) {
	if p == nil {
		return q.cfg.DefaultPriority, nil
	}
	if *p < models.MinPriority || *p > models.MaxPriority {
		return 0, models.NewError(models.KindValidation, "priority must be between %d and %d", models.MinPriority, models.MaxPriority)
	}
	return *p, nil
}

// AddToQueue creates the print job for a vote. A vote that is already
// queued gets its existing job back unchanged.
func (q *PrintQueueEngine) AddToQueue(ctx context.Context, voteID, pollingStationID string, priority *int) (*models.PrintJob, error) {
	p, err := q.priority(priority)
	if err != nil {
		return nil, err
	}
	if err := q.checkStation(ctx, pollingStationID); err != nil {
		return nil, err
	}

	vote, err := q.store.GetVote(ctx, voteID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, models.NewError(models.KindVoteNotFound, "vote %s not found", voteID)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to load vote")
	}

	existing, err := q.store.GetJobByVoteID(ctx, voteID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, models.WrapError(models.KindInternal, err, "failed to look up print job")
	}

	job := q.newJob(vote, pollingStationID, p)
	if err := q.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// lost a race with a concurrent add for the same vote
			return q.store.GetJobByVoteID(ctx, voteID)
		}
		return nil, models.WrapError(models.KindInternal, err, "failed to create print job")
	}

	q.metrics.JobsEnqueued.Inc()
	q.log.Debug().Str("job", job.ID).Int("priority", p).Msg("print job queued")
	return job, nil
}

// checkStation rejects an explicit station that is not on the roll. An empty
// id means the vote's own station.
func (q *PrintQueueEngine) checkStation(ctx context.Context, stationID string) error {
	if stationID == "" {
		return nil
	}
	_, err := q.store.GetStation(ctx, stationID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewError(models.KindMissingPollingStation, "polling station %s not found", stationID)
	}
	if err != nil {
		return models.WrapError(models.KindInternal, err, "failed to load polling station")
	}
	return nil
}

func (q *PrintQueueEngine) newJob(vote *models.Vote, stationID string, priority int) *models.PrintJob {
	if stationID == "" {
		stationID = vote.PollingStationID
	}
	now := q.now()
	return &models.PrintJob{
		ID:               uuid.NewString(),
		VoteID:           vote.ID,
		PollingStationID: stationID,
		Status:           models.PrintJobPending,
		Priority:         priority,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BatchAdd queues up to MaxBatchSize votes. Votes already queued, repeated
// or unknown are skipped.
func (q *PrintQueueEngine) BatchAdd(ctx context.Context, voteIDs []string, pollingStationID string, priority *int) (*BatchResult, error) {
	if len(voteIDs) == 0 {
		return nil, models.NewError(models.KindValidation, "batch must contain at least one vote")
	}
	if len(voteIDs) > q.cfg.MaxBatchSize {
		return nil, models.NewError(models.KindValidation, "batch of %d exceeds the limit of %d", len(voteIDs), q.cfg.MaxBatchSize)
	}
	p, err := q.priority(priority)
	if err != nil {
		return nil, err
	}
	if err := q.checkStation(ctx, pollingStationID); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(voteIDs))
	jobs := make([]models.PrintJob, 0, len(voteIDs))
	for _, id := range voteIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		vote, err := q.store.GetVote(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, models.WrapError(models.KindInternal, err, "failed to load vote")
		}
		jobs = append(jobs, *q.newJob(vote, pollingStationID, p))
	}

	added, err := q.store.CreateJobs(ctx, jobs)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to create print jobs")
	}

	q.metrics.JobsEnqueued.Add(float64(added))
	result := &BatchResult{Requested: len(voteIDs), Added: added, Skipped: len(voteIDs) - added}
	q.log.Info().Int("added", result.Added).Int("skipped", result.Skipped).Msg("print batch queued")
	return result, nil
}

// Claim atomically moves the best PENDING job to PRINTING for printerID.
// It returns nil when the queue is empty.
func (q *PrintQueueEngine) Claim(ctx context.Context, printerID, pollingStationID string) (*models.PrintJob, error) {
	if strings.TrimSpace(printerID) == "" {
		return nil, models.NewError(models.KindValidation, "printer id is required")
	}

	job, err := q.store.ClaimNextJob(ctx, printerID, pollingStationID, q.now())
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to claim print job")
	}
	if job == nil {
		return nil, nil
	}

	q.metrics.JobsClaimed.Inc()
	q.log.Info().Str("job", job.ID).Str("printer", printerID).Int("attempt", job.PrintAttempts).Msg("print job claimed")
	return job, nil
}

// Complete builds the print payload for a job printerID holds in PRINTING,
// mints its ballot number and marks it PRINTED. Any failure moves the job to
// FAILED. A printer that no longer holds the job gets KindConflict.
func (q *PrintQueueEngine) Complete(ctx context.Context, jobID, printerID string) (*ClaimedJob, error) {
	if strings.TrimSpace(printerID) == "" {
		return nil, models.NewError(models.KindValidation, "printer id is required")
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, q.jobError(err, jobID, "complete")
	}
	if job.Status != models.PrintJobPrinting {
		return nil, models.NewError(models.KindConflict, "print job %s is %s, not PRINTING", jobID, job.Status)
	}
	if err := checkHolder(job, printerID); err != nil {
		return nil, err
	}

	vote, err := q.store.GetVote(ctx, job.VoteID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}
	station, err := q.store.GetStation(ctx, job.PollingStationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}

	format, err := q.formatter.BuildSecurePrintFormat(job, vote, station)
	if err != nil {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}
	number, err := q.formatter.GenerateBallotNumber(station.Code)
	if err != nil {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}
	if err := q.formatter.Finalize(format, number); err != nil {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}

	printed, err := q.MarkPrinted(ctx, job.ID, printerID, number, format.QRCodeData)
	if models.IsKind(err, models.KindConflict) && !errors.Is(err, storage.ErrDuplicate) {
		// the job was reset or cancelled under us; it is no longer ours to fail
		return nil, err
	}
	if err != nil {
		return nil, q.failProcessing(ctx, job, printerID, err)
	}
	return &ClaimedJob{Job: printed, Format: format}, nil
}

// ClaimNextJob is Claim followed by Complete.
func (q *PrintQueueEngine) ClaimNextJob(ctx context.Context, printerID, pollingStationID string) (*ClaimedJob, error) {
	job, err := q.Claim(ctx, printerID, pollingStationID)
	if err != nil || job == nil {
		return nil, err
	}
	return q.Complete(ctx, job.ID, printerID)
}

func checkHolder(job *models.PrintJob, printerID string) error {
	if job.PrinterID == nil || *job.PrinterID != printerID {
		return models.NewError(models.KindConflict, "print job %s is not held by printer %s", job.ID, printerID)
	}
	return nil
}

// heldBy wraps a PRINTING-job update so it only applies while printerID
// still holds the job.
func heldBy(printerID string, apply func(*models.PrintJob)) func(*models.PrintJob) error {
	return func(j *models.PrintJob) error {
		if err := checkHolder(j, printerID); err != nil {
			return err
		}
		apply(j)
		return nil
	}
}

func (q *PrintQueueEngine) failProcessing(ctx context.Context, job *models.PrintJob, printerID string, cause error) error {
	msg := cause.Error()
	_, err := q.store.UpdateJob(ctx, job.ID, []models.PrintJobStatus{models.PrintJobPrinting}, heldBy(printerID, func(j *models.PrintJob) {
		j.Status = models.PrintJobFailed
		j.LastError = &msg
		j.UpdatedAt = q.now()
	}))
	if err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("failed to record print processing failure")
	}

	q.metrics.JobOutcomes.WithLabelValues("processing_failed").Inc()
	q.log.Error().Err(cause).Str("job", job.ID).Msg("print processing failed")
	return models.WrapError(models.KindPrintProcessingFailed, cause, "failed to prepare job "+job.ID+" for printing")
}

// MarkPrinted stores the minted ballot number and QR payload on a job
// printerID holds in PRINTING.
func (q *PrintQueueEngine) MarkPrinted(ctx context.Context, jobID, printerID, ballotNumber, qrCodeData string) (*models.PrintJob, error) {
	if ballotNumber == "" {
		return nil, models.NewError(models.KindValidation, "ballot number is required")
	}

	job, err := q.store.UpdateJob(ctx, jobID, []models.PrintJobStatus{models.PrintJobPrinting}, heldBy(printerID, func(j *models.PrintJob) {
		now := q.now()
		j.Status = models.PrintJobPrinted
		j.BallotNumber = &ballotNumber
		j.QRCodeData = &qrCodeData
		j.PrintedAt = &now
		j.LastError = nil
		j.UpdatedAt = now
	}))
	if err != nil {
		return nil, q.jobError(err, jobID, "mark printed")
	}

	q.metrics.JobOutcomes.WithLabelValues("printed").Inc()
	q.log.Info().Str("job", jobID).Str("ballot", ballotNumber).Msg("print job printed")
	return job, nil
}

// MarkFailed records a failure reported by the printer holding a PRINTING
// job. Attempts were counted at claim time; once they reach MaxAttempts the
// job is FAILED, otherwise it goes back to PENDING for any printer.
func (q *PrintQueueEngine) MarkFailed(ctx context.Context, jobID, printerID, message string) (*models.PrintJob, error) {
	if strings.TrimSpace(printerID) == "" {
		return nil, models.NewError(models.KindValidation, "printer id is required")
	}

	job, err := q.store.UpdateJob(ctx, jobID, []models.PrintJobStatus{models.PrintJobPrinting}, heldBy(printerID, func(j *models.PrintJob) {
		j.LastError = &message
		j.UpdatedAt = q.now()
		if j.PrintAttempts >= q.cfg.MaxAttempts {
			j.Status = models.PrintJobFailed
			return
		}
		j.Status = models.PrintJobPending
		j.PrinterID = nil
	}))
	if err != nil {
		return nil, q.jobError(err, jobID, "mark failed")
	}

	outcome := "requeued"
	if job.Status == models.PrintJobFailed {
		outcome = "failed"
	}
	q.metrics.JobOutcomes.WithLabelValues(outcome).Inc()
	q.log.Warn().Str("job", jobID).Int("attempts", job.PrintAttempts).Str("outcome", outcome).Msg("print attempt failed")
	return job, nil
}

func (q *PrintQueueEngine) Cancel(ctx context.Context, jobID string) (*models.PrintJob, error) {
	job, err := q.store.UpdateJob(ctx, jobID, []models.PrintJobStatus{models.PrintJobPending, models.PrintJobPrinting}, func(j *models.PrintJob) error {
		j.Status = models.PrintJobCancelled
		j.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		return nil, q.jobError(err, jobID, "cancel")
	}
	q.metrics.JobOutcomes.WithLabelValues("cancelled").Inc()
	q.log.Info().Str("job", jobID).Msg("print job cancelled")
	return job, nil
}

// Retry puts a FAILED job back in the queue with a fresh attempt budget.
func (q *PrintQueueEngine) Retry(ctx context.Context, jobID string) (*models.PrintJob, error) {
	job, err := q.store.UpdateJob(ctx, jobID, []models.PrintJobStatus{models.PrintJobFailed}, func(j *models.PrintJob) error {
		j.Status = models.PrintJobPending
		j.LastError = nil
		j.PrinterID = nil
		j.PrintAttempts = 0
		j.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		return nil, q.jobError(err, jobID, "retry")
	}
	q.log.Info().Str("job", jobID).Msg("print job retried")
	return job, nil
}

func (q *PrintQueueEngine) SetPriority(ctx context.Context, jobID string, priority int) (*models.PrintJob, error) {
	if _, err := q.priority(&priority); err != nil {
		return nil, err
	}
	job, err := q.store.UpdateJob(ctx, jobID, nil, func(j *models.PrintJob) error {
		j.Priority = priority
		j.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		return nil, q.jobError(err, jobID, "set priority")
	}
	return job, nil
}

func (q *PrintQueueEngine) Get(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, q.jobError(err, jobID, "get")
	}
	detail := &JobDetail{Job: job}

	vote, err := q.store.GetVote(ctx, job.VoteID)
	switch {
	case err == nil:
		detail.Vote = &JobVote{
			SerialNumber:      vote.SerialNumber,
			HashPrefix:        hashPrefix(vote.EncryptedVoteHash),
			Status:            vote.Status,
			IsDistressFlagged: vote.IsDistressFlagged,
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, models.WrapError(models.KindInternal, err, "failed to load vote")
	}

	station, err := q.store.GetStation(ctx, job.PollingStationID)
	switch {
	case err == nil:
		detail.Station = station
	case !errors.Is(err, storage.ErrNotFound):
		return nil, models.WrapError(models.KindInternal, err, "failed to load polling station")
	}
	return detail, nil
}

func (q *PrintQueueEngine) List(ctx context.Context, filter models.PrintJobFilter) (*JobPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, models.NewError(models.KindValidation, "unknown status %q", filter.Status)
	}
	if filter.Offset < 0 || filter.Limit < 0 {
		return nil, models.NewError(models.KindValidation, "limit and offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	jobs, total, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to list print jobs")
	}
	return &JobPage{Jobs: jobs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (q *PrintQueueEngine) Stats(ctx context.Context, pollingStationID string) (models.QueueStats, error) {
	counts, err := q.store.CountJobsByStatus(ctx, pollingStationID)
	if err != nil {
		return models.QueueStats{}, models.WrapError(models.KindInternal, err, "failed to count print jobs")
	}
	return models.NewQueueStats(counts), nil
}

// ResetStuckJobs returns PRINTING jobs untouched for longer than threshold
// to PENDING. Re-running it is a no-op for jobs already reset.
func (q *PrintQueueEngine) ResetStuckJobs(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, models.NewError(models.KindValidation, "threshold must be positive")
	}

	now := q.now()
	n, err := q.store.ResetStuckJobs(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, models.WrapError(models.KindInternal, err, "failed to reset stuck print jobs")
	}
	if n > 0 {
		q.metrics.StuckResets.Add(float64(n))
		q.log.Warn().Int("count", n).Dur("threshold", threshold).Msg("reset stuck print jobs")
	}
	return n, nil
}

func (q *PrintQueueEngine) Reconcile(ctx context.Context, threshold time.Duration) (*ReconcileReport, error) {
	n, err := q.ResetStuckJobs(ctx, threshold)
	if err != nil {
		return nil, err
	}
	stats, err := q.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	return &ReconcileReport{Reset: n, Stats: stats, RanAt: q.now()}, nil
}

func (q *PrintQueueEngine) jobError(err error, jobID, action string) error {
	var domainErr *models.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return models.NewError(models.KindPrintJobNotFound, "print job %s not found", jobID)
	case errors.Is(err, storage.ErrStatusMismatch):
		return models.WrapError(models.KindConflict, err, "cannot "+action)
	case errors.Is(err, storage.ErrDuplicate):
		return models.WrapError(models.KindConflict, err, "cannot "+action+": ballot number already issued")
	}
	return models.WrapError(models.KindInternal, err, "failed to "+action+" print job")
}

func hashPrefix(h string) string {
	h = strings.TrimPrefix(h, "0x")
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
