package models

import (
	"time"
)

// ListingStatus enumerates listing lifecycle states persisted in the store.
const (
	ListingDraft      = "draft"
	ListingPublishing = "publishing"
	ListingActive     = "active"
	ListingSold       = "sold"
	ListingFailed     = "failed"
)

// PlatformStatus enumerates per-marketplace listing states.
const (
	PlatformPending       = "pending"
	PlatformActive        = "active"
	PlatformFailed        = "failed"
	PlatformPendingCancel = "pending_cancel"
	PlatformCanceled      = "canceled"
	PlatformSold          = "sold"
)

// Sync log actions and outcomes.
const (
	ActionCreate         = "create"
	ActionRetry          = "retry"
	ActionCancel         = "cancel"
	ActionScheduleCancel = "schedule_cancel"
	ActionUpdateQuantity = "update_quantity"

	LogSuccess   = "success"
	LogFailed    = "failed"
	LogScheduled = "scheduled"
)

// Listing is one logical item for sale, independent of where it is posted.
// The full publish payload is persisted so retries never work from partial data.
type Listing struct {
	ID           string     `json:"id" db:"id"`
	ExternalUUID string     `json:"external_uuid" db:"external_uuid"`
	Title        string     `json:"title" db:"title"`
	Description  string     `json:"description" db:"description"`
	Price        float64    `json:"price" db:"price"`
	Condition    string     `json:"condition" db:"condition"`
	Quantity     int        `json:"quantity" db:"quantity"`
	Photos       []string   `json:"photos" db:"-"`
	Status       string     `json:"status" db:"status"`
	SoldPlatform *string    `json:"sold_platform,omitempty" db:"sold_platform"`
	SoldPrice    *float64   `json:"sold_price,omitempty" db:"sold_price"`
	SoldAt       *time.Time `json:"sold_at,omitempty" db:"sold_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// PlatformListing binds a Listing to one marketplace. Keyed by (listing_id, platform).
type PlatformListing struct {
	ListingID         string     `json:"listing_id" db:"listing_id"`
	Platform          string     `json:"platform" db:"platform"`
	ExternalID        *string    `json:"external_id,omitempty" db:"external_id"`
	ExternalURL       *string    `json:"external_url,omitempty" db:"external_url"`
	Status            string     `json:"status" db:"status"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	LastError         *string    `json:"last_error,omitempty" db:"last_error"`
	CancelScheduledAt *time.Time `json:"cancel_scheduled_at,omitempty" db:"cancel_scheduled_at"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	ExhaustedNotified bool       `json:"exhausted_notified" db:"exhausted_notified"`
	PostedAt          *time.Time `json:"posted_at,omitempty" db:"posted_at"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
}

// SyncLogEntry is an append-only audit record of one sync operation.
type SyncLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	ListingID string    `json:"listing_id" db:"listing_id"`
	Platform  string    `json:"platform" db:"platform"`
	Action    string    `json:"action" db:"action"`
	Status    string    `json:"status" db:"status"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PlatformResult is the outcome of one connector publish attempt.
type PlatformResult struct {
	Platform    string `json:"platform"`
	Success     bool   `json:"success"`
	ExternalID  string `json:"external_id,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Notification is an in-app alert row written alongside external notification delivery.
type Notification struct {
	ID        int64     `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	ListingID string    `json:"listing_id" db:"listing_id"`
	Platform  string    `json:"platform" db:"platform"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
