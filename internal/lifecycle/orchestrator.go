package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"listing-sync/internal/models"
	"listing-sync/internal/notify"
	"listing-sync/internal/publisher"
	"listing-sync/internal/store"
	"listing-sync/internal/telemetry"
)

var (
	// ErrNoPlatforms rejects a publish request with an empty platform set.
	ErrNoPlatforms = errors.New("no platforms requested")
	// ErrListingNotActive rejects a sale against a listing that is neither
	// active nor already sold.
	ErrListingNotActive = errors.New("listing is not active")
)

// Orchestrator owns the listing state machine. It is the only writer of
// listing and platform-listing status; connectors and background loops feed
// results back through it (or through the same conditional store updates).
type Orchestrator struct {
	store          store.SyncStore
	publisher      *publisher.Publisher
	gateway        *notify.Gateway
	cancelCooldown time.Duration

	now func() time.Time
}

func New(st store.SyncStore, pub *publisher.Publisher, gw *notify.Gateway, cancelCooldown time.Duration) *Orchestrator {
	return &Orchestrator{
		store:          st,
		publisher:      pub,
		gateway:        gw,
		cancelCooldown: cancelCooldown,
		now:            time.Now,
	}
}

// CreateInput is the full publish payload. It is persisted as-is so retries
// always work from the original data, never a partial reconstruction.
type CreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Condition   string   `json:"condition"`
	Quantity    int      `json:"quantity"`
	Photos      []string `json:"photos"`
}

// PublishSummary reports the per-platform outcome of one publish call.
// Partial failure is a normal, reportable outcome, not an error.
type PublishSummary struct {
	ListingID    string                           `json:"listing_id"`
	ExternalUUID string                           `json:"external_uuid"`
	Status       string                           `json:"status"`
	Results      map[string]models.PlatformResult `json:"results"`
	SuccessCount int                              `json:"success_count"`
	Total        int                              `json:"total"`
}

// SoldOutcome reports what a MarkSold call did.
type SoldOutcome struct {
	ListingID         string     `json:"listing_id"`
	SoldPlatform      string     `json:"sold_platform"`
	AlreadySold       bool       `json:"already_sold"`
	RemainingQuantity int        `json:"remaining_quantity"`
	CancelScheduled   []string   `json:"cancel_scheduled,omitempty"`
	CancelAt          *time.Time `json:"cancel_at,omitempty"`
}

// CreateAndPublish persists a new listing, fans it out to every requested
// platform, records per-platform outcomes, and derives the listing status
// once all platform tasks have joined.
func (o *Orchestrator) CreateAndPublish(ctx context.Context, input CreateInput, platforms []string) (PublishSummary, error) {
	if len(platforms) == 0 {
		return PublishSummary{}, ErrNoPlatforms
	}
	if input.Quantity < 1 {
		input.Quantity = 1
	}

	listing := models.Listing{
		ID:           uuid.New().String(),
		ExternalUUID: uuid.New().String(),
		Title:        input.Title,
		Description:  input.Description,
		Price:        input.Price,
		Condition:    input.Condition,
		Quantity:     input.Quantity,
		Photos:       input.Photos,
		Status:       models.ListingDraft,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.CreateListing(ctx, listing, platforms); err != nil {
		return PublishSummary{}, fmt.Errorf("create listing: %w", err)
	}
	if _, err := o.store.TransitionListing(ctx, listing.ID, models.ListingDraft, models.ListingPublishing); err != nil {
		return PublishSummary{}, fmt.Errorf("transition to publishing: %w", err)
	}

	results := o.publisher.PublishAll(ctx, listing, platforms)

	successCount := 0
	for _, platform := range platforms {
		res := results[platform]
		if res.Success {
			successCount++
		}
		if err := o.applyPublishResult(ctx, listing, res, models.ActionCreate); err != nil {
			return PublishSummary{}, err
		}
	}

	// The listing-level status is derived only after every platform task has
	// completed; a partial join must not leak a premature status.
	finalStatus := models.ListingFailed
	if successCount > 0 {
		finalStatus = models.ListingActive
	}
	if _, err := o.store.TransitionListing(ctx, listing.ID, models.ListingPublishing, finalStatus); err != nil {
		return PublishSummary{}, fmt.Errorf("transition to %s: %w", finalStatus, err)
	}

	return PublishSummary{
		ListingID:    listing.ID,
		ExternalUUID: listing.ExternalUUID,
		Status:       finalStatus,
		Results:      results,
		SuccessCount: successCount,
		Total:        len(platforms),
	}, nil
}

// applyPublishResult writes one platform outcome to the store. Connector
// failures become row state, never errors; only store failures propagate.
func (o *Orchestrator) applyPublishResult(ctx context.Context, listing models.Listing, res models.PlatformResult, action string) error {
	if res.Success {
		applied, err := o.store.MarkPlatformActive(ctx, listing.ID, res.Platform, res.ExternalID, res.ExternalURL, o.now().UTC())
		if err != nil {
			return fmt.Errorf("mark %s active: %w", res.Platform, err)
		}
		detail := res.ExternalURL
		if detail == "" {
			detail = res.ExternalID
		}
		if !applied {
			// The listing sold while this post was in flight; leave the row
			// alone so the scheduler can deal with it.
			detail = "listing sold before activation"
		}
		if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
			ListingID: listing.ID, Platform: res.Platform,
			Action: action, Status: models.LogSuccess, Detail: detail,
		}); err != nil {
			return fmt.Errorf("log %s success: %w", res.Platform, err)
		}
		telemetry.PublishSuccess.Inc()
		return nil
	}

	if err := o.store.MarkPlatformFailed(ctx, listing.ID, res.Platform, res.Err); err != nil {
		return fmt.Errorf("mark %s failed: %w", res.Platform, err)
	}
	if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
		ListingID: listing.ID, Platform: res.Platform,
		Action: action, Status: models.LogFailed, Detail: res.Err,
	}); err != nil {
		return fmt.Errorf("log %s failure: %w", res.Platform, err)
	}
	telemetry.PublishFailures.Inc()
	o.gateway.Notify(ctx, notify.Event{
		Kind:      notify.KindListingFailed,
		ListingID: listing.ID,
		Platform:  res.Platform,
		Title:     listing.Title,
		Message:   res.Err,
	})
	return nil
}

// MarkSold records a sale. Quantity-aware: units remaining keep the listing
// active and only log a quantity update; the last unit wins the active -> sold
// transition and drives every other active row to pending_cancel with a
// cooldown. Duplicate calls are idempotent: they observe the sold state and
// neither re-schedule cancellations nor re-notify.
func (o *Orchestrator) MarkSold(ctx context.Context, listingID, soldPlatform string, soldPrice float64, quantitySold int) (SoldOutcome, error) {
	if quantitySold < 1 {
		quantitySold = 1
	}

	listing, err := o.store.GetListing(ctx, listingID)
	if err != nil {
		return SoldOutcome{}, err
	}
	if listing.Status == models.ListingSold {
		return SoldOutcome{ListingID: listingID, SoldPlatform: soldPlatform, AlreadySold: true}, nil
	}

	remaining, err := o.store.DecrementQuantity(ctx, listingID, quantitySold)
	if err != nil {
		return SoldOutcome{}, fmt.Errorf("decrement quantity: %w", err)
	}

	if remaining > 0 {
		if err := o.logQuantityUpdate(ctx, listingID, remaining, quantitySold); err != nil {
			return SoldOutcome{}, err
		}
		o.notifySale(ctx, listing, soldPlatform, soldPrice)
		telemetry.SalesRecorded.Inc()
		return SoldOutcome{ListingID: listingID, SoldPlatform: soldPlatform, RemainingQuantity: remaining}, nil
	}

	won, err := o.store.MarkListingSold(ctx, listingID, soldPlatform, soldPrice, o.now().UTC())
	if err != nil {
		return SoldOutcome{}, fmt.Errorf("mark listing sold: %w", err)
	}
	if !won {
		// Lost the conditional update. A concurrent call selling the same
		// listing is a duplicate webhook, not an error.
		current, err := o.store.GetListing(ctx, listingID)
		if err != nil {
			return SoldOutcome{}, err
		}
		if current.Status == models.ListingSold {
			return SoldOutcome{ListingID: listingID, SoldPlatform: soldPlatform, AlreadySold: true}, nil
		}
		return SoldOutcome{}, ErrListingNotActive
	}

	if err := o.store.MarkPlatformSold(ctx, listingID, soldPlatform); err != nil {
		return SoldOutcome{}, fmt.Errorf("mark platform sold: %w", err)
	}

	cancelAt := o.now().UTC().Add(o.cancelCooldown)
	scheduled, err := o.store.SchedulePendingCancels(ctx, listingID, soldPlatform, cancelAt)
	if err != nil {
		return SoldOutcome{}, fmt.Errorf("schedule cancellations: %w", err)
	}
	for _, platform := range scheduled {
		if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
			ListingID: listingID, Platform: platform,
			Action: models.ActionScheduleCancel, Status: models.LogScheduled,
			Detail: fmt.Sprintf("sold on %s; cancel at %s", soldPlatform, cancelAt.Format(time.RFC3339)),
		}); err != nil {
			return SoldOutcome{}, fmt.Errorf("log scheduled cancel: %w", err)
		}
	}

	telemetry.SalesRecorded.Inc()
	o.notifySale(ctx, listing, soldPlatform, soldPrice)

	return SoldOutcome{
		ListingID:       listingID,
		SoldPlatform:    soldPlatform,
		CancelScheduled: scheduled,
		CancelAt:        &cancelAt,
	}, nil
}

func (o *Orchestrator) logQuantityUpdate(ctx context.Context, listingID string, remaining, sold int) error {
	rows, err := o.store.ListPlatformListings(ctx, listingID)
	if err != nil {
		return fmt.Errorf("list platform rows: %w", err)
	}
	for _, pl := range rows {
		if pl.Status != models.PlatformActive {
			continue
		}
		if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
			ListingID: listingID, Platform: pl.Platform,
			Action: models.ActionUpdateQuantity, Status: models.LogSuccess,
			Detail: fmt.Sprintf("sold %d, %d remaining", sold, remaining),
		}); err != nil {
			return fmt.Errorf("log quantity update: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) notifySale(ctx context.Context, listing models.Listing, platform string, price float64) {
	if price == 0 {
		price = listing.Price
	}
	o.gateway.Notify(ctx, notify.Event{
		Kind:      notify.KindSale,
		ListingID: listing.ID,
		Platform:  platform,
		Title:     listing.Title,
		Message:   fmt.Sprintf("sold on %s", platform),
		Price:     price,
	})
}

// RecordPlatformSuccess applies a successful retry publish with the same
// transition rules as the initial publish: the row goes active unless the
// listing sold in the meantime, and a formerly failed listing is promoted
// back to active on its first active row.
func (o *Orchestrator) RecordPlatformSuccess(ctx context.Context, listingID, platform, externalID, externalURL string) error {
	applied, err := o.store.MarkPlatformActive(ctx, listingID, platform, externalID, externalURL, o.now().UTC())
	if err != nil {
		return fmt.Errorf("mark %s active: %w", platform, err)
	}
	detail := externalURL
	if detail == "" {
		detail = externalID
	}
	if !applied {
		detail = "listing sold; row not reactivated"
	}
	if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
		ListingID: listingID, Platform: platform,
		Action: models.ActionRetry, Status: models.LogSuccess, Detail: detail,
	}); err != nil {
		return fmt.Errorf("log retry success: %w", err)
	}
	if applied {
		if _, err := o.store.TransitionListing(ctx, listingID, models.ListingFailed, models.ListingActive); err != nil {
			return fmt.Errorf("promote listing: %w", err)
		}
		telemetry.PublishSuccess.Inc()
	}
	return nil
}

// RecordPlatformFailure applies a failed retry attempt: bumps the retry
// counter, stores the error, and defers the next attempt.
func (o *Orchestrator) RecordPlatformFailure(ctx context.Context, listingID, platform, errMsg string, nextAttempt time.Time) error {
	if err := o.store.IncrementRetry(ctx, listingID, platform, nextAttempt, errMsg); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	if err := o.store.AppendSyncLog(ctx, models.SyncLogEntry{
		ListingID: listingID, Platform: platform,
		Action: models.ActionRetry, Status: models.LogFailed, Detail: errMsg,
	}); err != nil {
		return fmt.Errorf("log retry failure: %w", err)
	}
	telemetry.PublishFailures.Inc()
	return nil
}

// PlatformStatus returns the current per-platform status map for a listing.
func (o *Orchestrator) PlatformStatus(ctx context.Context, listingID string) (map[string]string, error) {
	rows, err := o.store.ListPlatformListings(ctx, listingID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, pl := range rows {
		out[pl.Platform] = pl.Status
	}
	return out, nil
}
