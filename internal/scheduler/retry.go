package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"listing-sync/internal/connector"
	"listing-sync/internal/lifecycle"
	"listing-sync/internal/models"
	"listing-sync/internal/notify"
	"listing-sync/internal/store"
	"listing-sync/internal/telemetry"
)

const retryBatchSize = 50

// RetryCoordinator re-attempts failed platform posts, bounded by a retry
// budget and deferred per row by exponential backoff. Rows that exhaust the
// budget stay failed and raise exactly one operator alert. It never touches
// rows of a sold listing.
type RetryCoordinator struct {
	store          store.SyncStore
	registry       *connector.Registry
	orch           *lifecycle.Orchestrator
	gateway        *notify.Gateway
	pollInterval   time.Duration
	publishTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxRetries     int
	maxConcurrency int

	now func() time.Time
}

type RetryConfig struct {
	PollInterval   time.Duration
	PublishTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxRetries     int
	MaxConcurrency int
}

func NewRetryCoordinator(st store.SyncStore, reg *connector.Registry, orch *lifecycle.Orchestrator, gw *notify.Gateway, cfg RetryConfig) *RetryCoordinator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &RetryCoordinator{
		store:          st,
		registry:       reg,
		orch:           orch,
		gateway:        gw,
		pollInterval:   cfg.PollInterval,
		publishTimeout: cfg.PublishTimeout,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		maxRetries:     cfg.MaxRetries,
		maxConcurrency: cfg.MaxConcurrency,
		now:            time.Now,
	}
}

// Run polls until context cancellation, logging and continuing on bad cycles.
func (r *RetryCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				log.Printf("retry coordinator: %v", err)
			} else if n > 0 {
				log.Printf("retry coordinator: attempted %d retry(ies)", n)
			}
		}
	}
}

// RunOnce retries one batch of due failed rows, then raises alerts for rows
// that have exhausted their budget. Returns the number of retry attempts made.
func (r *RetryCoordinator) RunOnce(ctx context.Context) (int, error) {
	rows, err := r.store.RetryablePlatformFailures(ctx, r.now().UTC(), r.maxRetries, retryBatchSize)
	if err != nil {
		return 0, err
	}

	g := &errgroup.Group{}
	g.SetLimit(r.maxConcurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			r.retryOne(ctx, row)
			return nil
		})
	}
	_ = g.Wait()

	if err := r.notifyExhausted(ctx); err != nil {
		log.Printf("retry coordinator: exhausted scan: %v", err)
	}
	return len(rows), nil
}

func (r *RetryCoordinator) retryOne(ctx context.Context, row models.PlatformListing) {
	telemetry.RetriesAttempted.Inc()
	attempt := row.RetryCount + 1

	// The full publish payload was persisted at create time, so a retry posts
	// exactly what the first attempt posted.
	listing, err := r.store.GetListing(ctx, row.ListingID)
	if err != nil {
		log.Printf("retry coordinator: load listing %s: %v", row.ListingID, err)
		return
	}
	if listing.Status == models.ListingSold {
		return
	}

	outcome, err := r.publish(ctx, listing, row.Platform)
	if err != nil {
		next := r.now().UTC().Add(backoffWithJitter(r.backoffInitial, r.backoffMax, attempt))
		if rerr := r.orch.RecordPlatformFailure(ctx, row.ListingID, row.Platform, err.Error(), next); rerr != nil {
			log.Printf("retry coordinator: record failure %s/%s: %v", row.ListingID, row.Platform, rerr)
		}
		return
	}
	if err := r.orch.RecordPlatformSuccess(ctx, row.ListingID, row.Platform, outcome.ExternalID, outcome.ExternalURL); err != nil {
		log.Printf("retry coordinator: record success %s/%s: %v", row.ListingID, row.Platform, err)
	}
}

func (r *RetryCoordinator) publish(ctx context.Context, listing models.Listing, platform string) (connector.PublishOutcome, error) {
	conn, err := r.registry.Get(platform)
	if err != nil {
		return connector.PublishOutcome{}, err
	}
	if r.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.publishTimeout)
		defer cancel()
	}
	return conn.Publish(ctx, listing)
}

// notifyExhausted alerts the operator about rows that used up their retries.
// The notified flag is flipped with a conditional update, so even with
// concurrent coordinators each row alerts exactly once.
func (r *RetryCoordinator) notifyExhausted(ctx context.Context) error {
	rows, err := r.store.ExhaustedUnnotified(ctx, r.maxRetries, retryBatchSize)
	if err != nil {
		return err
	}
	for _, row := range rows {
		won, err := r.store.MarkExhaustedNotified(ctx, row.ListingID, row.Platform)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		msg := fmt.Sprintf("gave up after %d attempts", row.RetryCount)
		if row.LastError != nil {
			msg = fmt.Sprintf("%s: %s", msg, *row.LastError)
		}
		r.gateway.Notify(ctx, notify.Event{
			Kind:      notify.KindRetriesExhausted,
			ListingID: row.ListingID,
			Platform:  row.Platform,
			Message:   msg,
		})
		telemetry.RetriesExhausted.Inc()
	}
	return nil
}
