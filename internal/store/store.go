package store

import (
	"context"
	"errors"
	"time"

	"listing-sync/internal/models"
)

// ErrNotFound is returned when a listing or platform row does not exist.
var ErrNotFound = errors.New("not found")

// SyncStore is the single source of truth for listing state. Every status
// transition is an atomic conditional update so the orchestrator and both
// background loops can run concurrently, in one process or across replicas,
// without application-level locks.
type SyncStore interface {
	// CreateListing inserts the listing plus one pending platform row per
	// platform in a single transaction.
	CreateListing(ctx context.Context, l models.Listing, platforms []string) error
	GetListing(ctx context.Context, id string) (models.Listing, error)

	// TransitionListing moves the listing status from -> to and reports
	// whether this call won the transition.
	TransitionListing(ctx context.Context, id, from, to string) (bool, error)

	// MarkListingSold wins the active -> sold transition at most once.
	MarkListingSold(ctx context.Context, id, platform string, price float64, at time.Time) (bool, error)

	// DecrementQuantity atomically subtracts sold units (floored at zero) and
	// returns the remaining quantity.
	DecrementQuantity(ctx context.Context, id string, by int) (int, error)

	GetPlatformListing(ctx context.Context, listingID, platform string) (models.PlatformListing, error)
	ListPlatformListings(ctx context.Context, listingID string) ([]models.PlatformListing, error)

	// MarkPlatformActive records a successful post. It refuses to activate a
	// row once the parent listing is sold, and reports whether it applied.
	MarkPlatformActive(ctx context.Context, listingID, platform, externalID, externalURL string, at time.Time) (bool, error)
	MarkPlatformFailed(ctx context.Context, listingID, platform, lastError string) error
	MarkPlatformSold(ctx context.Context, listingID, platform string) error

	// SchedulePendingCancels flips every active row except the sold platform
	// to pending_cancel with the given due time, returning affected platforms.
	SchedulePendingCancels(ctx context.Context, listingID, exceptPlatform string, at time.Time) ([]string, error)
	DuePendingCancels(ctx context.Context, now time.Time, limit int) ([]models.PlatformListing, error)
	MarkPlatformCanceled(ctx context.Context, listingID, platform string, at time.Time) (bool, error)
	RecordCancelError(ctx context.Context, listingID, platform, lastError string) error

	// RetryablePlatformFailures returns failed rows still under the retry
	// budget, due per next_attempt_at, whose listing has not sold.
	RetryablePlatformFailures(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.PlatformListing, error)
	IncrementRetry(ctx context.Context, listingID, platform string, nextAttempt time.Time, lastError string) error

	// ExhaustedUnnotified returns failed rows that used up their retries and
	// have not yet produced an operator alert. MarkExhaustedNotified flips the
	// flag at most once.
	ExhaustedUnnotified(ctx context.Context, maxRetries, limit int) ([]models.PlatformListing, error)
	MarkExhaustedNotified(ctx context.Context, listingID, platform string) (bool, error)

	AppendSyncLog(ctx context.Context, e models.SyncLogEntry) error
	SyncLog(ctx context.Context, listingID string) ([]models.SyncLogEntry, error)

	InsertNotification(ctx context.Context, n models.Notification) error

	Close()
}
