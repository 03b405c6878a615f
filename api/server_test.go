package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-audit/ballot"
	"voting-audit/blockchain"
	"voting-audit/encryption"
	"voting-audit/models"
	"voting-audit/registry"
	"voting-audit/service"
	"voting-audit/storage"
)

const (
	eligibleVoter = "39001011234"
	pendingVoter  = "37007073456"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	require.NoError(t, registry.DefaultSeed().Apply(ctx, store))

	key, err := encryption.LoadOrGenerateKey("")
	require.NoError(t, err)

	file, err := blockchain.NewChainFile(t.TempDir())
	require.NoError(t, err)
	chain, err := blockchain.NewChain(file, 1, zerolog.Nop())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)

	queue := service.NewPrintQueueEngine(store, ballot.NewFormatter(), service.DefaultQueueConfig(), service.WithMetrics(metrics))
	ledger := service.NewVoteLedger(store, encryption.NewECIESEngineWithKey(key),
		service.WithAnchor(chain),
		service.WithEnqueuer(queue),
		service.WithMetrics(metrics),
	)
	return NewServer(ledger, queue, reg, 5*time.Minute, zerolog.Nop()).Handler()
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if c.body != "" {
		body = bytes.NewReader([]byte(c.body))
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func castAs(t *testing.T, h http.Handler, voter string) service.CastResult {
	t.Helper()
	rec := do(t, h, call{
		method:  http.MethodPost,
		path:    "/api/votes",
		body:    `{"selections":{"mayor":"cand-7"}}`,
		headers: map[string]string{headerVoterID: voter},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[service.CastResult](t, rec)
}

func TestPing(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, call{method: http.MethodGet, path: "/api/ping"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestCastVoteRejections(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name     string
		call     call
		wantCode int
		wantKind string
	}{
		{
			name:     "no identity",
			call:     call{method: http.MethodPost, path: "/api/votes", body: `{"selections":{"mayor":"cand-7"}}`},
			wantCode: http.StatusUnauthorized,
			wantKind: "Unauthenticated",
		},
		{
			name: "not eligible",
			call: call{method: http.MethodPost, path: "/api/votes", body: `{"selections":{"mayor":"cand-7"}}`,
				headers: map[string]string{headerVoterID: pendingVoter}},
			wantCode: http.StatusForbidden,
			wantKind: models.KindNotEligible.String(),
		},
		{
			name: "unknown station",
			call: call{method: http.MethodPost, path: "/api/votes", body: `{"selections":{"mayor":"cand-7"},"pollingStationId":"nowhere"}`,
				headers: map[string]string{headerVoterID: eligibleVoter}},
			wantCode: http.StatusBadRequest,
			wantKind: models.KindMissingPollingStation.String(),
		},
		{
			name: "malformed body",
			call: call{method: http.MethodPost, path: "/api/votes", body: `{"selections":`,
				headers: map[string]string{headerVoterID: eligibleVoter}},
			wantCode: http.StatusBadRequest,
			wantKind: models.KindValidation.String(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.call)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			body := decode[map[string]string](t, rec)
			assert.Equal(t, tt.wantKind, body["error"])
		})
	}
}

func TestCastVerifyAndHistory(t *testing.T) {
	h := newTestServer(t)

	first := castAs(t, h, eligibleVoter)
	require.NotEmpty(t, first.SerialNumber)
	require.NotNil(t, first.BlockchainTxHash)

	second := castAs(t, h, eligibleVoter)
	assert.NotEqual(t, first.SerialNumber, second.SerialNumber)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/votes/" + second.SerialNumber + "/verify"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[service.VerificationResult](t, rec)
	assert.True(t, res.Verified)
	assert.Equal(t, service.MessageVerified, res.Message)
	assert.Equal(t, models.VoteStatusConfirmed, res.Status)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/votes/" + first.SerialNumber + "/verify"})
	res = decode[service.VerificationResult](t, rec)
	assert.Equal(t, models.VoteStatusSuperseded, res.Status)
	require.NotNil(t, res.BlockchainConfirmation)
	assert.True(t, res.BlockchainConfirmation.IsSuperseded)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/votes/FFFFFFFFFFFFFFFF/verify"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[service.VerificationResult](t, rec)
	assert.False(t, res.Verified)
	assert.Equal(t, service.MessageNotFound, res.Message)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/votes/history",
		headers: map[string]string{headerVoterID: eligibleVoter}})
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Votes []models.Vote `json:"votes"`
	}](t, rec)
	require.Len(t, history.Votes, 2)
	assert.Equal(t, second.SerialNumber, history.Votes[0].SerialNumber)
	assert.Equal(t, first.SerialNumber, history.Votes[1].SerialNumber)
}

func TestPrintQueueFlow(t *testing.T) {
	h := newTestServer(t)
	cast := castAs(t, h, eligibleVoter)

	// the cast auto-enqueues, so an explicit add returns the same job
	rec := do(t, h, call{method: http.MethodPost, path: "/api/print-queue", body: `{"voteId":"` + cast.VoteID + `"}`})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[models.PrintJob](t, rec)
	assert.Equal(t, models.PrintJobPending, job.Status)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue?status=PENDING"})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[service.JobPage](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/claim", body: `{"printerId":"printer-1"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claimed := decode[service.ClaimedJob](t, rec)
	assert.Equal(t, job.ID, claimed.Job.ID)
	assert.Equal(t, models.PrintJobPrinted, claimed.Job.Status)
	assert.True(t, strings.HasPrefix(claimed.Format.BallotNumber, "BAL-VLN1-"), claimed.Format.BallotNumber)
	assert.Equal(t, cast.SerialNumber, claimed.Format.SerialNumber)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/claim", body: `{"printerId":"printer-1"}`})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/cancel"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue/" + job.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[service.JobDetail](t, rec)
	assert.Equal(t, cast.SerialNumber, detail.Vote.SerialNumber)
	assert.Equal(t, "VLN1", detail.Station.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue/stats"})
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.QueueStats](t, rec)
	assert.Equal(t, 1, stats.ByStatus[models.PrintJobPrinted])

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/reconcile"})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[service.ReconcileReport](t, rec)
	assert.Zero(t, report.Reset)
}

func TestTwoPhaseClaim(t *testing.T) {
	h := newTestServer(t)
	castAs(t, h, eligibleVoter)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/print-queue/reserve", body: `{"printerId":"printer-2","pollingStationId":"st-vln-001"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decode[models.PrintJob](t, rec)
	assert.Equal(t, models.PrintJobPrinting, job.Status)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/failed", body: `{"error":"paper jam"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/failed", body: `{"printerId":"printer-7","error":"paper jam"}`})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/failed", body: `{"printerId":"printer-2","error":"paper jam"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job = decode[models.PrintJob](t, rec)
	assert.Equal(t, models.PrintJobPending, job.Status)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/reserve", body: `{"printerId":"printer-2"}`})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/complete"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/complete", body: `{"printerId":"printer-7"}`})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + job.ID + "/complete", body: `{"printerId":"printer-2"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claimed := decode[service.ClaimedJob](t, rec)
	assert.Equal(t, models.PrintJobPrinted, claimed.Job.Status)
}

func TestPrintQueueValidation(t *testing.T) {
	h := newTestServer(t)
	cast := castAs(t, h, eligibleVoter)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/print-queue/" + cast.VoteID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue", body: `{"voteId":"missing"}`})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue", body: `{"voteId":"` + cast.VoteID + `","pollingStationId":"st-nowhere"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MissingPollingStation")

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue?limit=abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue?status=LOST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/batch", body: `{"voteIds":[]}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/claim", body: `{}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/print-queue"})
	page := decode[service.JobPage](t, rec)
	require.Len(t, page.Jobs, 1)
	jobID := page.Jobs[0].ID

	rec = do(t, h, call{method: http.MethodPut, path: "/api/print-queue/" + jobID + "/priority", body: `{"priority":101}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/print-queue/" + jobID + "/priority", body: `{"priority":80}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 80, decode[models.PrintJob](t, rec).Priority)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/print-queue/" + jobID + "/retry"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t)
	castAs(t, h, eligibleVoter)

	rec := do(t, h, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `voting_votes_cast_total{kind="first"} 1`)
	assert.Contains(t, rec.Body.String(), "voting_print_queue_jobs_enqueued_total 1")
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(models.KindNotEligible))
	assert.Equal(t, http.StatusNotFound, statusFor(models.KindPrintJobNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(models.KindConflict))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.KindLedgerUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.KindPrintProcessingFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.KindInternal))
}
