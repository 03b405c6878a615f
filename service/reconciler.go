package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler periodically returns abandoned PRINTING jobs to the queue.
type Reconciler struct {
	queue      *PrintQueueEngine
	interval   time.Duration
	threshold  time.Duration
	log        zerolog.Logger
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

func NewReconciler(queue *PrintQueueEngine, interval, threshold time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		queue:      queue,
		interval:   interval,
		threshold:  threshold,
		log:        log.With().Str("module", "reconciler").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the sweep loop. It stops on Stop or when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop(ctx)
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.shutdownCh) })
	r.wg.Wait()
}

// RunOnce performs one sweep. A sweep always runs to completion, even if
// ctx is cancelled half way.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	return r.queue.Reconcile(context.WithoutCancel(ctx), r.threshold)
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("reconciliation failed")
				continue
			}
			r.log.Info().
				Int("reset", report.Reset).
				Int("total", report.Stats.Total).
				Float64("failure_rate", report.Stats.FailureRate).
				Msg("reconciliation finished")
		}
	}
}
