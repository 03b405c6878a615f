package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"voting-audit/models"
)

type memState struct {
	votes    map[string]models.Vote
	voters   map[string]models.Voter
	stations map[string]models.PollingStation
	jobs     map[string]models.PrintJob
}

func newMemState() *memState {
	return &memState{
		votes:    make(map[string]models.Vote),
		voters:   make(map[string]models.Voter),
		stations: make(map[string]models.PollingStation),
		jobs:     make(map[string]models.PrintJob),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		votes:    make(map[string]models.Vote, len(s.votes)),
		voters:   make(map[string]models.Voter, len(s.voters)),
		stations: make(map[string]models.PollingStation, len(s.stations)),
		jobs:     make(map[string]models.PrintJob, len(s.jobs)),
	}
	for k, v := range s.votes {
		c.votes[k] = v
	}
	for k, v := range s.voters {
		c.voters[k] = v
	}
	for k, v := range s.stations {
		c.stations[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

// MemoryStore keeps everything in process memory. A transaction works on a
// copy of the state which replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(&memRepo{st: draft}); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryStore) read() *memRepo {
	return &memRepo{st: m.state}
}

func (m *MemoryStore) Seed(ctx context.Context, voters []models.Voter, stations []models.PollingStation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range voters {
		if _, ok := m.state.voters[v.ID]; !ok {
			m.state.voters[v.ID] = v
		}
	}
	for _, s := range stations {
		m.state.stations[s.ID] = s
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateVote(ctx context.Context, vote *models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateVote(ctx, vote)
}

func (m *MemoryStore) GetVote(ctx context.Context, id string) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetVote(ctx, id)
}

func (m *MemoryStore) GetVoteBySerial(ctx context.Context, serial string) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetVoteBySerial(ctx, serial)
}

func (m *MemoryStore) SerialExists(ctx context.Context, serial string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().SerialExists(ctx, serial)
}

func (m *MemoryStore) ActiveVoteForVoter(ctx context.Context, voterID string) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ActiveVoteForVoter(ctx, voterID)
}

func (m *MemoryStore) SupersedeVote(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SupersedeVote(ctx, id, at)
}

func (m *MemoryStore) ConfirmVote(ctx context.Context, id string, c models.Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().ConfirmVote(ctx, id, c)
}

func (m *MemoryStore) ListVotesByVoter(ctx context.Context, voterID string) ([]models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListVotesByVoter(ctx, voterID)
}

func (m *MemoryStore) GetVoter(ctx context.Context, id string) (*models.Voter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetVoter(ctx, id)
}

func (m *MemoryStore) RecordVoterCast(ctx context.Context, id string, expectedCount int, status models.VoterStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().RecordVoterCast(ctx, id, expectedCount, status, at)
}

func (m *MemoryStore) GetStation(ctx context.Context, id string) (*models.PollingStation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetStation(ctx, id)
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.PrintJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateJob(ctx, job)
}

func (m *MemoryStore) CreateJobs(ctx context.Context, jobs []models.PrintJob) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateJobs(ctx, jobs)
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetJob(ctx, id)
}

func (m *MemoryStore) GetJobByVoteID(ctx context.Context, voteID string) (*models.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetJobByVoteID(ctx, voteID)
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter models.PrintJobFilter) ([]models.PrintJob, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListJobs(ctx, filter)
}

func (m *MemoryStore) ClaimNextJob(ctx context.Context, printerID, stationID string, now time.Time) (*models.PrintJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().ClaimNextJob(ctx, printerID, stationID, now)
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, from []models.PrintJobStatus, fn func(*models.PrintJob) error) (*models.PrintJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateJob(ctx, id, from, fn)
}

func (m *MemoryStore) ResetStuckJobs(ctx context.Context, before, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().ResetStuckJobs(ctx, before, now)
}

func (m *MemoryStore) CountJobsByStatus(ctx context.Context, stationID string) (map[models.PrintJobStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CountJobsByStatus(ctx, stationID)
}

// memRepo implements Repositories over a state the caller has already locked.
type memRepo struct {
	st *memState
}

func (r *memRepo) CreateVote(_ context.Context, vote *models.Vote) error {
	if _, ok := r.st.votes[vote.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "vote %s", vote.ID)
	}
	for _, v := range r.st.votes {
		if v.SerialNumber == vote.SerialNumber {
			return errors.Wrapf(ErrDuplicate, "serial %s", vote.SerialNumber)
		}
	}
	r.st.votes[vote.ID] = *vote
	return nil
}

func (r *memRepo) GetVote(_ context.Context, id string) (*models.Vote, error) {
	v, ok := r.st.votes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vote %s", id)
	}
	return &v, nil
}

func (r *memRepo) GetVoteBySerial(_ context.Context, serial string) (*models.Vote, error) {
	for _, v := range r.st.votes {
		if v.SerialNumber == serial {
			return &v, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "serial %s", serial)
}

func (r *memRepo) SerialExists(ctx context.Context, serial string) (bool, error) {
	_, err := r.GetVoteBySerial(ctx, serial)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *memRepo) ActiveVoteForVoter(_ context.Context, voterID string) (*models.Vote, error) {
	var found *models.Vote
	for _, v := range r.st.votes {
		if v.VoterID != voterID || !v.Status.IsActive() {
			continue
		}
		if found == nil || v.Timestamp.After(found.Timestamp) {
			found = &v
		}
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "active vote for voter %s", voterID)
	}
	return found, nil
}

func (r *memRepo) SupersedeVote(_ context.Context, id string, at time.Time) error {
	v, ok := r.st.votes[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "vote %s", id)
	}
	if !v.Status.IsActive() {
		return errors.Wrapf(ErrStatusMismatch, "vote %s is %s", id, v.Status)
	}
	v.Status = models.VoteStatusSuperseded
	v.UpdatedAt = at
	r.st.votes[id] = v
	return nil
}

func (r *memRepo) ConfirmVote(_ context.Context, id string, c models.Confirmation) error {
	v, ok := r.st.votes[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "vote %s", id)
	}
	if v.Status == models.VoteStatusPending {
		v.Status = models.VoteStatusConfirmed
	}
	tx, block, at := c.TxHash, c.BlockNumber, c.ConfirmedAt
	v.BlockchainTxHash = &tx
	v.BlockNumber = &block
	v.ConfirmedAt = &at
	v.UpdatedAt = at
	r.st.votes[id] = v
	return nil
}

func (r *memRepo) ListVotesByVoter(_ context.Context, voterID string) ([]models.Vote, error) {
	var out []models.Vote
	for _, v := range r.st.votes {
		if v.VoterID == voterID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memRepo) GetVoter(_ context.Context, id string) (*models.Voter, error) {
	v, ok := r.st.voters[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "voter %s", id)
	}
	return &v, nil
}

func (r *memRepo) RecordVoterCast(_ context.Context, id string, expectedCount int, status models.VoterStatus, at time.Time) error {
	v, ok := r.st.voters[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "voter %s", id)
	}
	if v.VoteCount != expectedCount {
		return errors.Wrapf(ErrStaleVoter, "voter %s has %d votes, expected %d", id, v.VoteCount, expectedCount)
	}
	v.VoteCount++
	v.Status = status
	v.LastVotedAt = &at
	r.st.voters[id] = v
	return nil
}

func (r *memRepo) GetStation(_ context.Context, id string) (*models.PollingStation, error) {
	s, ok := r.st.stations[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "polling station %s", id)
	}
	return &s, nil
}

func (r *memRepo) CreateJob(_ context.Context, job *models.PrintJob) error {
	if _, ok := r.st.jobs[job.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "print job %s", job.ID)
	}
	if r.jobForVote(job.VoteID) != nil {
		return errors.Wrapf(ErrDuplicate, "print job for vote %s", job.VoteID)
	}
	r.st.jobs[job.ID] = *job
	return nil
}

func (r *memRepo) CreateJobs(ctx context.Context, jobs []models.PrintJob) (int, error) {
	added := 0
	for i := range jobs {
		err := r.CreateJob(ctx, &jobs[i])
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (r *memRepo) GetJob(_ context.Context, id string) (*models.PrintJob, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "print job %s", id)
	}
	return &j, nil
}

func (r *memRepo) GetJobByVoteID(_ context.Context, voteID string) (*models.PrintJob, error) {
	if j := r.jobForVote(voteID); j != nil {
		return j, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "print job for vote %s", voteID)
}

func (r *memRepo) jobForVote(voteID string) *models.PrintJob {
	for _, j := range r.st.jobs {
		if j.VoteID == voteID {
			return &j
		}
	}
	return nil
}

func (r *memRepo) ListJobs(_ context.Context, filter models.PrintJobFilter) ([]models.PrintJob, int, error) {
	var matched []models.PrintJob
	for _, j := range r.st.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.PollingStationID != "" && j.PollingStationID != filter.PollingStationID {
			continue
		}
		matched = append(matched, j)
	}
	sortClaimOrder(matched)

	total := len(matched)
	if filter.Offset >= total {
		return []models.PrintJob{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (r *memRepo) ClaimNextJob(_ context.Context, printerID, stationID string, now time.Time) (*models.PrintJob, error) {
	var pending []models.PrintJob
	for _, j := range r.st.jobs {
		if j.Status != models.PrintJobPending {
			continue
		}
		if stationID != "" && j.PollingStationID != stationID {
			continue
		}
		pending = append(pending, j)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sortClaimOrder(pending)

	job := pending[0]
	job.Status = models.PrintJobPrinting
	job.PrinterID = &printerID
	job.PrintAttempts++
	job.UpdatedAt = now
	r.st.jobs[job.ID] = job
	return &job, nil
}

func (r *memRepo) UpdateJob(_ context.Context, id string, from []models.PrintJobStatus, fn func(*models.PrintJob) error) (*models.PrintJob, error) {
	job, ok := r.st.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "print job %s", id)
	}
	if !statusIn(job.Status, from) {
		return nil, mismatch(id, job.Status)
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	job.ID = id
	if job.BallotNumber != nil {
		for _, other := range r.st.jobs {
			if other.ID != id && other.BallotNumber != nil && *other.BallotNumber == *job.BallotNumber {
				return nil, errors.Wrapf(ErrDuplicate, "ballot number %s", *job.BallotNumber)
			}
		}
	}
	r.st.jobs[id] = job
	return &job, nil
}

func (r *memRepo) ResetStuckJobs(_ context.Context, before, now time.Time) (int, error) {
	n := 0
	for id, j := range r.st.jobs {
		if j.Status != models.PrintJobPrinting || !j.UpdatedAt.Before(before) {
			continue
		}
		j.Status = models.PrintJobPending
		j.PrinterID = nil
		j.UpdatedAt = now
		r.st.jobs[id] = j
		n++
	}
	return n, nil
}

func (r *memRepo) CountJobsByStatus(_ context.Context, stationID string) (map[models.PrintJobStatus]int, error) {
	counts := make(map[models.PrintJobStatus]int)
	for _, j := range r.st.jobs {
		if stationID != "" && j.PollingStationID != stationID {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

// sortClaimOrder orders jobs by priority desc, then createdAt asc, then id.
func sortClaimOrder(jobs []models.PrintJob) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
