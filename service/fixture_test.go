package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voting-audit/ballot"
	"voting-audit/blockchain"
	"voting-audit/encryption"
	"voting-audit/models"
	"voting-audit/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockAnchor struct {
	mock.Mock
}

func (m *mockAnchor) RecordVote(ctx context.Context, voteHash, serial string) (*blockchain.Receipt, error) {
	args := m.Called(ctx, voteHash, serial)
	r, _ := args.Get(0).(*blockchain.Receipt)
	return r, args.Error(1)
}

func (m *mockAnchor) GetVoteRecord(ctx context.Context, serial string) (*blockchain.Record, error) {
	args := m.Called(ctx, serial)
	r, _ := args.Get(0).(*blockchain.Record)
	return r, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) AddToQueue(ctx context.Context, voteID, stationID string, priority *int) (*models.PrintJob, error) {
	args := m.Called(ctx, voteID, stationID, priority)
	j, _ := args.Get(0).(*models.PrintJob)
	return j, args.Error(1)
}

const (
	alice = "v-alice"
	bob   = "v-bob"
	carol = "v-carol" // pending verification
	dave  = "v-dave"  // no polling station
	erin  = "v-erin"  // suspended
	frank = "v-frank"
)

var ballotSelections = map[string]string{"mayor": "cand-7", "council": "cand-12"}

func seedRoll(t *testing.T, s storage.Store) {
	t.Helper()
	err := s.Seed(context.Background(),
		[]models.Voter{
			{ID: alice, Status: models.VoterStatusRegistered, PollingStationID: "st-1"},
			{ID: bob, Status: models.VoterStatusRegistered, PollingStationID: "st-1"},
			{ID: carol, Status: models.VoterStatusPendingVerification, PollingStationID: "st-1"},
			{ID: dave, Status: models.VoterStatusRegistered},
			{ID: erin, Status: models.VoterStatusSuspended, PollingStationID: "st-2"},
			{ID: frank, Status: models.VoterStatusRegistered, PollingStationID: "st-2"},
		},
		[]models.PollingStation{
			{ID: "st-1", Code: "VIL1", Name: "Vilnius Old Town"},
			{ID: "st-2", Code: "KAU1", Name: "Kaunas Centre"},
		},
	)
	require.NoError(t, err)
}

func newEngine(t *testing.T) *encryption.ECIESEngine {
	t.Helper()
	key, err := encryption.LoadOrGenerateKey("")
	require.NoError(t, err)
	return encryption.NewECIESEngineWithKey(key)
}

type fixture struct {
	store   storage.Store
	clock   *fakeClock
	metrics *Metrics
	engine  *encryption.ECIESEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	seedRoll(t, store)
	return &fixture{store: store, clock: newFakeClock(), metrics: NewMetrics(nil), engine: newEngine(t)}
}

// forEachBackend runs fn against a seeded fixture on every store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	backends := map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return storage.NewMemoryStore() },
		"sqlite": func(t *testing.T) storage.Store {
			s, err := storage.OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.store = open(t)
			seedRoll(t, f.store)
			fn(t, f)
		})
	}
}

func (f *fixture) opts(extra ...Option) []Option {
	return append([]Option{WithClock(f.clock.Now), WithMetrics(f.metrics)}, extra...)
}

func (f *fixture) ledger(extra ...Option) *VoteLedger {
	return NewVoteLedger(f.store, f.engine, f.opts(extra...)...)
}

func (f *fixture) queue(formatter *ballot.Formatter) *PrintQueueEngine {
	if formatter == nil {
		formatter = ballot.NewFormatter(ballot.WithClock(f.clock.Now))
	}
	return NewPrintQueueEngine(f.store, formatter, DefaultQueueConfig(), f.opts()...)
}

// castN casts n votes for voter, advancing the clock between casts.
func (f *fixture) castN(t *testing.T, l *VoteLedger, voter string, n int) []*CastResult {
	t.Helper()
	var out []*CastResult
	for i := 0; i < n; i++ {
		res, err := l.CastVote(context.Background(), models.VoterContext{VoterID: voter}, ballotSelections, "")
		require.NoError(t, err)
		out = append(out, res)
		f.clock.Advance(time.Second)
	}
	return out
}
