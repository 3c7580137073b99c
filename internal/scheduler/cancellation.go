package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"listing-sync/internal/connector"
	"listing-sync/internal/models"
	"listing-sync/internal/store"
	"listing-sync/internal/telemetry"
)

const cancelBatchSize = 100

// CancellationScheduler polls for platform rows whose cancellation cooldown
// has elapsed and executes them through connectors. There is no retry cap: a
// sold item still listed elsewhere is a double-sale risk, so a failed cancel
// stays pending_cancel and is picked up again every cycle until it succeeds
// or an operator steps in. The due time lives in the store, so restarts and
// extra replicas are safe.
type CancellationScheduler struct {
	store          store.SyncStore
	registry       *connector.Registry
	pollInterval   time.Duration
	cancelTimeout  time.Duration
	maxConcurrency int

	now func() time.Time
}

func NewCancellationScheduler(st store.SyncStore, reg *connector.Registry, pollInterval, cancelTimeout time.Duration, maxConcurrency int) *CancellationScheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &CancellationScheduler{
		store:          st,
		registry:       reg,
		pollInterval:   pollInterval,
		cancelTimeout:  cancelTimeout,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Run polls until context cancellation. A bad cycle is logged and the loop
// moves on; a single connector failure can never kill the scheduler.
func (s *CancellationScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				log.Printf("cancellation scheduler: %v", err)
			} else if n > 0 {
				log.Printf("cancellation scheduler: processed %d cancellation(s)", n)
			}
		}
	}
}

// RunOnce processes one batch of due cancellations and returns how many
// succeeded. Rows for different listings run concurrently; per-row failures
// are recorded in the store, not returned.
func (s *CancellationScheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.store.DuePendingCancels(ctx, s.now().UTC(), cancelBatchSize)
	if err != nil {
		return 0, err
	}
	telemetry.PendingCancelGauge.Set(float64(len(due)))
	if len(due) == 0 {
		return 0, nil
	}

	var processed atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(s.maxConcurrency)
	for _, row := range due {
		row := row
		g.Go(func() error {
			if s.processOne(ctx, row) {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load()), nil
}

func (s *CancellationScheduler) processOne(ctx context.Context, row models.PlatformListing) bool {
	// Rows that never got a marketplace id have nothing to cancel remotely.
	if row.ExternalID == nil || *row.ExternalID == "" {
		return s.finishCancel(ctx, row, "no external listing id; canceled locally")
	}

	conn, err := s.registry.Get(row.Platform)
	if err != nil {
		s.recordFailure(ctx, row, err.Error())
		return false
	}

	callCtx := ctx
	if s.cancelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cancelTimeout)
		defer cancel()
	}
	if err := conn.Cancel(callCtx, *row.ExternalID); err != nil {
		s.recordFailure(ctx, row, err.Error())
		return false
	}
	return s.finishCancel(ctx, row, "canceled after cooldown")
}

func (s *CancellationScheduler) finishCancel(ctx context.Context, row models.PlatformListing, detail string) bool {
	applied, err := s.store.MarkPlatformCanceled(ctx, row.ListingID, row.Platform, s.now().UTC())
	if err != nil {
		log.Printf("cancellation scheduler: mark %s/%s canceled: %v", row.ListingID, row.Platform, err)
		return false
	}
	if !applied {
		// Someone else already moved the row out of pending_cancel.
		return false
	}
	if err := s.store.AppendSyncLog(ctx, models.SyncLogEntry{
		ListingID: row.ListingID, Platform: row.Platform,
		Action: models.ActionCancel, Status: models.LogSuccess, Detail: detail,
	}); err != nil {
		log.Printf("cancellation scheduler: log cancel for %s/%s: %v", row.ListingID, row.Platform, err)
	}
	telemetry.CancelsProcessed.Inc()
	return true
}

func (s *CancellationScheduler) recordFailure(ctx context.Context, row models.PlatformListing, msg string) {
	log.Printf("cancellation scheduler: cancel %s on %s: %s", row.ListingID, row.Platform, msg)
	if err := s.store.RecordCancelError(ctx, row.ListingID, row.Platform, msg); err != nil {
		log.Printf("cancellation scheduler: record error for %s/%s: %v", row.ListingID, row.Platform, err)
	}
	if err := s.store.AppendSyncLog(ctx, models.SyncLogEntry{
		ListingID: row.ListingID, Platform: row.Platform,
		Action: models.ActionCancel, Status: models.LogFailed, Detail: msg,
	}); err != nil {
		log.Printf("cancellation scheduler: log failure for %s/%s: %v", row.ListingID, row.Platform, err)
	}
	telemetry.CancelsFailed.Inc()
}
