// Package api is the HTTP boundary of votingd. It authenticates nothing
// itself: voter identity arrives in headers set by the trusted gateway.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"voting-audit/models"
	"voting-audit/service"
)

const (
	headerVoterID  = "X-Voter-ID"
	headerDistress = "X-Voter-Distress"

	shutdownGrace = 10 * time.Second
)

type Server struct {
	ledger    *service.VoteLedger
	queue     *service.PrintQueueEngine
	gatherer  prometheus.Gatherer
	threshold time.Duration
	log       zerolog.Logger
	router    *gin.Engine
}

// NewServer wires the routes. threshold is the default stuck-job cutoff
// for POST /api/print-queue/reconcile.
func NewServer(ledger *service.VoteLedger, queue *service.PrintQueueEngine, gatherer prometheus.Gatherer, threshold time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		ledger:    ledger,
		queue:     queue,
		gatherer:  gatherer,
		threshold: threshold,
		log:       log.With().Str("module", "api").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(r)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down http server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(r gin.IRouter) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	votes := api.Group("/votes")
	votes.POST("", s.castVote)
	votes.GET("/history", s.voteHistory)
	votes.GET("/:serial/verify", s.verifyVote)

	pq := api.Group("/print-queue")
	pq.POST("", s.addJob)
	pq.POST("/batch", s.batchAdd)
	pq.GET("", s.listJobs)
	pq.GET("/stats", s.stats)
	pq.POST("/claim", s.claimNext)
	pq.POST("/reserve", s.reserve)
	pq.POST("/reconcile", s.reconcile)
	pq.GET("/:id", s.getJob)
	pq.POST("/:id/complete", s.complete)
	pq.POST("/:id/cancel", s.cancel)
	pq.POST("/:id/retry", s.retry)
	pq.PUT("/:id/priority", s.setPriority)
	pq.POST("/:id/failed", s.markFailed)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotEligible:
		return http.StatusForbidden
	case models.KindMissingPollingStation, models.KindValidation:
		return http.StatusBadRequest
	case models.KindVoteNotFound, models.KindPrintJobNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError && kind == models.KindInternal {
		s.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": kind.String(), "message": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": models.KindValidation.String(), "message": err.Error()})
}

func voterFromHeaders(c *gin.Context) (models.VoterContext, bool) {
	id := c.GetHeader(headerVoterID)
	if id == "" {
		return models.VoterContext{}, false
	}
	distress, _ := strconv.ParseBool(c.GetHeader(headerDistress))
	return models.VoterContext{VoterID: id, Distress: distress}, true
}

type castVoteRequest struct {
	Selections       map[string]string `json:"selections" binding:"required"`
	PollingStationID string            `json:"pollingStationId"`
}

func (s *Server) castVote(c *gin.Context) {
	voter, ok := voterFromHeaders(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated", "message": "missing voter identity"})
		return
	}

	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.ledger.CastVote(c.Request.Context(), voter, req.Selections, req.PollingStationID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) voteHistory(c *gin.Context) {
	voter, ok := voterFromHeaders(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated", "message": "missing voter identity"})
		return
	}

	history, err := s.ledger.VoteHistory(c.Request.Context(), voter.VoterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": history})
}

func (s *Server) verifyVote(c *gin.Context) {
	res, err := s.ledger.VerifyVote(c.Request.Context(), c.Param("serial"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type addJobRequest struct {
	VoteID           string `json:"voteId" binding:"required"`
	PollingStationID string `json:"pollingStationId"`
	Priority         *int   `json:"priority"`
}

func (s *Server) addJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.queue.AddToQueue(c.Request.Context(), req.VoteID, req.PollingStationID, req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

type batchAddRequest struct {
	VoteIDs          []string `json:"voteIds"`
	PollingStationID string   `json:"pollingStationId"`
	Priority         *int     `json:"priority"`
}

func (s *Server) batchAdd(c *gin.Context) {
	var req batchAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.queue.BatchAdd(c.Request.Context(), req.VoteIDs, req.PollingStationID, req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listJobs(c *gin.Context) {
	filter := models.PrintJobFilter{
		Status:           models.PrintJobStatus(c.Query("status")),
		PollingStationID: c.Query("pollingStationId"),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		badRequest(c, err)
		return
	}

	page, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func (s *Server) getJob(c *gin.Context) {
	detail, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type claimRequest struct {
	PrinterID        string `json:"printerId" binding:"required"`
	PollingStationID string `json:"pollingStationId"`
}

// claimNext is the one-shot protocol: the response carries the printed payload.
func (s *Server) claimNext(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claimed, err := s.queue.ClaimNextJob(c.Request.Context(), req.PrinterID, req.PollingStationID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if claimed == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

// reserve is the first half of the two-phase protocol.
func (s *Server) reserve(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.queue.Claim(c.Request.Context(), req.PrinterID, req.PollingStationID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

type completeRequest struct {
	PrinterID string `json:"printerId" binding:"required"`
}

func (s *Server) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claimed, err := s.queue.Complete(c.Request.Context(), c.Param("id"), req.PrinterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

func (s *Server) cancel(c *gin.Context) {
	job, err := s.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) retry(c *gin.Context) {
	job, err := s.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type priorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

func (s *Server) setPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.queue.SetPriority(c.Request.Context(), c.Param("id"), *req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type failedRequest struct {
	PrinterID string `json:"printerId" binding:"required"`
	Error     string `json:"error" binding:"required"`
}

func (s *Server) markFailed(c *gin.Context) {
	var req failedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.queue.MarkFailed(c.Request.Context(), c.Param("id"), req.PrinterID, req.Error)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context(), c.Query("pollingStationId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type reconcileRequest struct {
	ThresholdMinutes int `json:"thresholdMinutes"`
}

func (s *Server) reconcile(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	threshold := s.threshold
	if req.ThresholdMinutes != 0 {
		threshold = time.Duration(req.ThresholdMinutes) * time.Minute
	}

	report, err := s.queue.Reconcile(c.Request.Context(), threshold)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
