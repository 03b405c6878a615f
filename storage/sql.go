package storage

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"voting-audit/models"
)

// claimAttempts bounds how often ClaimNextJob re-selects after losing a race.
const claimAttempts = 16

// SQLStore persists through gorm. Every job transition is a conditional
// UPDATE so concurrent writers can never both win the same row.
type SQLStore struct {
	*sqlRepo
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens (and migrates) a SQLite database. ":memory:" is accepted.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to access sql handle")
	}
	// SQLite serialises writers anyway; one connection also keeps ":memory:" alive.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return NewSQLStore(db)
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&models.PollingStation{}, &models.Voter{}, &models.Vote{}, &models.PrintJob{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	return &SQLStore{sqlRepo: &sqlRepo{db: db}}, nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlRepo{db: tx})
	})
}

func (s *SQLStore) Seed(ctx context.Context, voters []models.Voter, stations []models.PollingStation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(stations) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&stations).Error; err != nil {
				return errors.Wrap(err, "failed to seed polling stations")
			}
		}
		if len(voters) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&voters).Error; err != nil {
				return errors.Wrap(err, "failed to seed voters")
			}
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlRepo struct {
	db *gorm.DB
}

func (r *sqlRepo) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func (r *sqlRepo) CreateVote(ctx context.Context, vote *models.Vote) error {
	if err := r.conn(ctx).Create(vote).Error; err != nil {
		if isDuplicate(err) {
			return errors.Wrapf(ErrDuplicate, "vote %s serial %s", vote.ID, vote.SerialNumber)
		}
		return errors.Wrap(err, "failed to insert vote")
	}
	return nil
}

func (r *sqlRepo) GetVote(ctx context.Context, id string) (*models.Vote, error) {
	var v models.Vote
	if err := r.conn(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "vote %s", id)
	}
	return &v, nil
}

func (r *sqlRepo) GetVoteBySerial(ctx context.Context, serial string) (*models.Vote, error) {
	var v models.Vote
	if err := r.conn(ctx).First(&v, "serial_number = ?", serial).Error; err != nil {
		return nil, notFound(err, "serial %s", serial)
	}
	return &v, nil
}

func (r *sqlRepo) SerialExists(ctx context.Context, serial string) (bool, error) {
	var n int64
	if err := r.conn(ctx).Model(&models.Vote{}).Where("serial_number = ?", serial).Count(&n).Error; err != nil {
		return false, errors.Wrap(err, "failed to count serials")
	}
	return n > 0, nil
}

func (r *sqlRepo) ActiveVoteForVoter(ctx context.Context, voterID string) (*models.Vote, error) {
	var v models.Vote
	err := r.conn(ctx).
		Where("voter_id = ? AND status IN ?", voterID, models.ActiveVoteStatuses).
		Order("timestamp DESC").
		First(&v).Error
	if err != nil {
		return nil, notFound(err, "active vote for voter %s", voterID)
	}
	return &v, nil
}

func (r *sqlRepo) SupersedeVote(ctx context.Context, id string, at time.Time) error {
	res := r.conn(ctx).Model(&models.Vote{}).
		Where("id = ? AND status IN ?", id, models.ActiveVoteStatuses).
		Updates(map[string]interface{}{
			"status":     models.VoteStatusSuperseded,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to supersede vote %s", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	current, err := r.GetVote(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrStatusMismatch, "vote %s is %s", id, current.Status)
}

func (r *sqlRepo) ConfirmVote(ctx context.Context, id string, c models.Confirmation) error {
	res := r.conn(ctx).Model(&models.Vote{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.VoteStatusPending, models.VoteStatusConfirmed),
			"blockchain_tx_hash": c.TxHash,
			"block_number":       c.BlockNumber,
			"confirmed_at":       c.ConfirmedAt.UTC(),
			"updated_at":         c.ConfirmedAt.UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to confirm vote %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "vote %s", id)
	}
	return nil
}

func (r *sqlRepo) ListVotesByVoter(ctx context.Context, voterID string) ([]models.Vote, error) {
	var votes []models.Vote
	err := r.conn(ctx).Where("voter_id = ?", voterID).Order("timestamp ASC, id ASC").Find(&votes).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list votes for voter %s", voterID)
	}
	return votes, nil
}

func (r *sqlRepo) GetVoter(ctx context.Context, id string) (*models.Voter, error) {
	var v models.Voter
	if err := r.conn(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "voter %s", id)
	}
	return &v, nil
}

func (r *sqlRepo) RecordVoterCast(ctx context.Context, id string, expectedCount int, status models.VoterStatus, at time.Time) error {
	res := r.conn(ctx).Model(&models.Voter{}).
		Where("id = ? AND vote_count = ?", id, expectedCount).
		Updates(map[string]interface{}{
			"vote_count":    expectedCount + 1,
			"status":        status,
			"last_voted_at": at.UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update voter %s", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.GetVoter(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(ErrStaleVoter, "voter %s", id)
}

func (r *sqlRepo) GetStation(ctx context.Context, id string) (*models.PollingStation, error) {
	var s models.PollingStation
	if err := r.conn(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "polling station %s", id)
	}
	return &s, nil
}

func (r *sqlRepo) CreateJob(ctx context.Context, job *models.PrintJob) error {
	if err := r.conn(ctx).Create(job).Error; err != nil {
		if isDuplicate(err) {
			return errors.Wrapf(ErrDuplicate, "print job for vote %s", job.VoteID)
		}
		return errors.Wrap(err, "failed to insert print job")
	}
	return nil
}

func (r *sqlRepo) CreateJobs(ctx context.Context, jobs []models.PrintJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	res := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&jobs)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to insert print jobs")
	}
	return int(res.RowsAffected), nil
}

func (r *sqlRepo) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	var j models.PrintJob
	if err := r.conn(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "print job %s", id)
	}
	return &j, nil
}

func (r *sqlRepo) GetJobByVoteID(ctx context.Context, voteID string) (*models.PrintJob, error) {
	var j models.PrintJob
	if err := r.conn(ctx).First(&j, "vote_id = ?", voteID).Error; err != nil {
		return nil, notFound(err, "print job for vote %s", voteID)
	}
	return &j, nil
}

const claimOrder = "priority DESC, created_at ASC, id ASC"

func (r *sqlRepo) ListJobs(ctx context.Context, filter models.PrintJobFilter) ([]models.PrintJob, int, error) {
	scoped := func() *gorm.DB {
		q := r.conn(ctx).Model(&models.PrintJob{})
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.PollingStationID != "" {
			q = q.Where("polling_station_id = ?", filter.PollingStationID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count print jobs")
	}

	q := scoped().Order(claimOrder).Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	jobs := []models.PrintJob{}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to list print jobs")
	}
	return jobs, int(total), nil
}

func (r *sqlRepo) ClaimNextJob(ctx context.Context, printerID, stationID string, now time.Time) (*models.PrintJob, error) {
	now = now.UTC()
	for attempt := 0; attempt < claimAttempts; attempt++ {
		q := r.conn(ctx).Where("status = ?", models.PrintJobPending)
		if stationID != "" {
			q = q.Where("polling_station_id = ?", stationID)
		}

		var candidate models.PrintJob
		err := q.Order(claimOrder).First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to select print job")
		}

		res := r.conn(ctx).Model(&models.PrintJob{}).
			Where("id = ? AND status = ?", candidate.ID, models.PrintJobPending).
			Updates(map[string]interface{}{
				"status":         models.PrintJobPrinting,
				"printer_id":     printerID,
				"print_attempts": gorm.Expr("print_attempts + 1"),
				"updated_at":     now,
			})
		if res.Error != nil {
			return nil, errors.Wrapf(res.Error, "failed to claim print job %s", candidate.ID)
		}
		if res.RowsAffected == 1 {
			return r.GetJob(ctx, candidate.ID)
		}
		// another claimer won this row; pick again
	}
	return nil, errors.Errorf("gave up claiming after %d contended attempts", claimAttempts)
}

func (r *sqlRepo) UpdateJob(ctx context.Context, id string, from []models.PrintJobStatus, fn func(*models.PrintJob) error) (*models.PrintJob, error) {
	var updated *models.PrintJob
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PrintJob
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return notFound(err, "print job %s", id)
		}
		if !statusIn(job.Status, from) {
			return mismatch(id, job.Status)
		}

		prev := job.Status
		if err := fn(&job); err != nil {
			return err
		}
		job.ID = id
		job.CreatedAt = job.CreatedAt.UTC()
		job.UpdatedAt = job.UpdatedAt.UTC()

		res := tx.Model(&job).Where("status = ?", prev).Select("*").Updates(&job)
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return errors.Wrapf(ErrDuplicate, "print job %s", id)
			}
			return errors.Wrapf(res.Error, "failed to update print job %s", id)
		}
		if res.RowsAffected != 1 {
			return mismatch(id, prev)
		}
		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *sqlRepo) ResetStuckJobs(ctx context.Context, before, now time.Time) (int, error) {
	res := r.conn(ctx).Model(&models.PrintJob{}).
		Where("status = ? AND updated_at < ?", models.PrintJobPrinting, before.UTC()).
		Updates(map[string]interface{}{
			"status":     models.PrintJobPending,
			"printer_id": nil,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to reset stuck print jobs")
	}
	return int(res.RowsAffected), nil
}

func (r *sqlRepo) CountJobsByStatus(ctx context.Context, stationID string) (map[models.PrintJobStatus]int, error) {
	var rows []struct {
		Status models.PrintJobStatus
		Count  int
	}
	q := r.conn(ctx).Model(&models.PrintJob{}).Select("status, COUNT(*) AS count")
	if stationID != "" {
		q = q.Where("polling_station_id = ?", stationID)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count print jobs")
	}

	counts := make(map[models.PrintJobStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
