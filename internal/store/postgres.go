package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"listing-sync/internal/models"
)

// Postgres backs SyncStore with a pgx connection pool. This is the deployment
// store; conditional updates ride on Postgres row-level atomicity, so multiple
// replicas can share it safely.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			external_uuid TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL,
			condition TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 1,
			photos JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'draft',
			sold_platform TEXT,
			sold_price DOUBLE PRECISION,
			sold_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_listings_status ON listings (status);

		CREATE TABLE IF NOT EXISTS platform_listings (
			listing_id TEXT NOT NULL REFERENCES listings (id),
			platform TEXT NOT NULL,
			external_id TEXT,
			external_url TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			cancel_scheduled_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ,
			exhausted_notified BOOLEAN NOT NULL DEFAULT FALSE,
			posted_at TIMESTAMPTZ,
			last_synced_at TIMESTAMPTZ,
			PRIMARY KEY (listing_id, platform)
		);
		CREATE INDEX IF NOT EXISTS idx_platform_listings_status ON platform_listings (status);
		CREATE INDEX IF NOT EXISTS idx_platform_listings_cancel_due
			ON platform_listings (cancel_scheduled_at) WHERE status = 'pending_cancel';

		CREATE TABLE IF NOT EXISTS sync_log (
			id BIGSERIAL PRIMARY KEY,
			listing_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sync_log_listing ON sync_log (listing_id);

		CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			listing_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Postgres) CreateListing(ctx context.Context, l models.Listing, platforms []string) error {
	photosJSON, err := json.Marshal(l.Photos)
	if err != nil {
		return fmt.Errorf("marshal photos: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO listings (id, external_uuid, title, description, price, condition, quantity, photos, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, l.ID, l.ExternalUUID, l.Title, l.Description, l.Price, l.Condition, l.Quantity, photosJSON, l.Status, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}

	for _, platform := range platforms {
		_, err = tx.Exec(ctx, `
			INSERT INTO platform_listings (listing_id, platform, status)
			VALUES ($1, $2, $3)
		`, l.ID, platform, models.PlatformPending)
		if err != nil {
			return fmt.Errorf("insert platform row %s: %w", platform, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) GetListing(ctx context.Context, id string) (models.Listing, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_uuid, title, description, price, condition, quantity, photos, status,
		       sold_platform, sold_price, sold_at, created_at, updated_at
		FROM listings WHERE id = $1
	`, id)

	var l models.Listing
	var photosJSON []byte
	var soldPlatform pgtype.Text
	var soldPrice pgtype.Float8
	var soldAt pgtype.Timestamptz

	err := row.Scan(&l.ID, &l.ExternalUUID, &l.Title, &l.Description, &l.Price, &l.Condition,
		&l.Quantity, &photosJSON, &l.Status, &soldPlatform, &soldPrice, &soldAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Listing{}, ErrNotFound
	}
	if err != nil {
		return models.Listing{}, fmt.Errorf("scan listing: %w", err)
	}

	if err := json.Unmarshal(photosJSON, &l.Photos); err != nil {
		return models.Listing{}, fmt.Errorf("unmarshal photos: %w", err)
	}
	l.SoldPlatform = textPtr(soldPlatform)
	if soldPrice.Valid {
		l.SoldPrice = &soldPrice.Float64
	}
	l.SoldAt = timePtr(soldAt)
	return l, nil
}

func (s *Postgres) TransitionListing(ctx context.Context, id, from, to string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition listing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) MarkListingSold(ctx context.Context, id, platform string, price float64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings
		SET status = $2, sold_platform = $3, sold_price = $4, sold_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.ListingSold, platform, price, at, models.ListingActive)
	if err != nil {
		return false, fmt.Errorf("mark listing sold: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) DecrementQuantity(ctx context.Context, id string, by int) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE listings SET quantity = GREATEST(quantity - $2, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING quantity
	`, id, by).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("decrement quantity: %w", err)
	}
	return remaining, nil
}

const platformColumns = `listing_id, platform, external_id, external_url, status, retry_count,
	last_error, cancel_scheduled_at, next_attempt_at, exhausted_notified, posted_at, last_synced_at`

func scanPlatformRow(row pgx.Row) (models.PlatformListing, error) {
	var pl models.PlatformListing
	var externalID, externalURL, lastError pgtype.Text
	var cancelAt, nextAt, postedAt, syncedAt pgtype.Timestamptz

	err := row.Scan(&pl.ListingID, &pl.Platform, &externalID, &externalURL, &pl.Status,
		&pl.RetryCount, &lastError, &cancelAt, &nextAt, &pl.ExhaustedNotified, &postedAt, &syncedAt)
	if err != nil {
		return models.PlatformListing{}, err
	}
	pl.ExternalID = textPtr(externalID)
	pl.ExternalURL = textPtr(externalURL)
	pl.LastError = textPtr(lastError)
	pl.CancelScheduledAt = timePtr(cancelAt)
	pl.NextAttemptAt = timePtr(nextAt)
	pl.PostedAt = timePtr(postedAt)
	pl.LastSyncedAt = timePtr(syncedAt)
	return pl, nil
}

func (s *Postgres) GetPlatformListing(ctx context.Context, listingID, platform string) (models.PlatformListing, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+platformColumns+` FROM platform_listings
		WHERE listing_id = $1 AND platform = $2
	`, listingID, platform)
	pl, err := scanPlatformRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlatformListing{}, ErrNotFound
	}
	if err != nil {
		return models.PlatformListing{}, fmt.Errorf("scan platform listing: %w", err)
	}
	return pl, nil
}

func (s *Postgres) ListPlatformListings(ctx context.Context, listingID string) ([]models.PlatformListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformColumns+` FROM platform_listings
		WHERE listing_id = $1 ORDER BY platform
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query platform listings: %w", err)
	}
	defer rows.Close()
	return collectPlatformRows(rows)
}

func collectPlatformRows(rows pgx.Rows) ([]models.PlatformListing, error) {
	var out []models.PlatformListing
	for rows.Next() {
		pl, err := scanPlatformRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform listing: %w", err)
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkPlatformActive(ctx context.Context, listingID, platform, externalID, externalURL string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET status = $3, external_id = $4, external_url = $5, last_error = NULL,
		    posted_at = $6, last_synced_at = $6
		WHERE listing_id = $1 AND platform = $2
		  AND status NOT IN ($7, $8)
		  AND (SELECT status FROM listings WHERE id = $1) <> $9
	`, listingID, platform, models.PlatformActive, emptyToNil(externalID), emptyToNil(externalURL), at,
		models.PlatformSold, models.PlatformCanceled, models.ListingSold)
	if err != nil {
		return false, fmt.Errorf("mark platform active: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) MarkPlatformFailed(ctx context.Context, listingID, platform, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET status = $3, last_error = $4, last_synced_at = NOW()
		WHERE listing_id = $1 AND platform = $2
	`, listingID, platform, models.PlatformFailed, lastError)
	if err != nil {
		return fmt.Errorf("mark platform failed: %w", err)
	}
	return nil
}

func (s *Postgres) MarkPlatformSold(ctx context.Context, listingID, platform string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET status = $3, last_synced_at = NOW()
		WHERE listing_id = $1 AND platform = $2
	`, listingID, platform, models.PlatformSold)
	if err != nil {
		return fmt.Errorf("mark platform sold: %w", err)
	}
	return nil
}

func (s *Postgres) SchedulePendingCancels(ctx context.Context, listingID, exceptPlatform string, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE platform_listings
		SET status = $3, cancel_scheduled_at = $4, last_synced_at = NOW()
		WHERE listing_id = $1 AND platform <> $2 AND status = $5
		RETURNING platform
	`, listingID, exceptPlatform, models.PlatformPendingCancel, at, models.PlatformActive)
	if err != nil {
		return nil, fmt.Errorf("schedule cancels: %w", err)
	}
	defer rows.Close()

	var platforms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

func (s *Postgres) DuePendingCancels(ctx context.Context, now time.Time, limit int) ([]models.PlatformListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformColumns+` FROM platform_listings
		WHERE status = $1 AND cancel_scheduled_at IS NOT NULL AND cancel_scheduled_at <= $2
		ORDER BY cancel_scheduled_at
		LIMIT $3
	`, models.PlatformPendingCancel, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due cancels: %w", err)
	}
	defer rows.Close()
	return collectPlatformRows(rows)
}

func (s *Postgres) MarkPlatformCanceled(ctx context.Context, listingID, platform string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET status = $3, last_error = NULL, last_synced_at = $4
		WHERE listing_id = $1 AND platform = $2 AND status = $5
	`, listingID, platform, models.PlatformCanceled, at, models.PlatformPendingCancel)
	if err != nil {
		return false, fmt.Errorf("mark platform canceled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) RecordCancelError(ctx context.Context, listingID, platform, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET last_error = $3, last_synced_at = NOW()
		WHERE listing_id = $1 AND platform = $2
	`, listingID, platform, lastError)
	if err != nil {
		return fmt.Errorf("record cancel error: %w", err)
	}
	return nil
}

func (s *Postgres) RetryablePlatformFailures(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.PlatformListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pl.listing_id, pl.platform, pl.external_id, pl.external_url, pl.status, pl.retry_count,
		       pl.last_error, pl.cancel_scheduled_at, pl.next_attempt_at, pl.exhausted_notified,
		       pl.posted_at, pl.last_synced_at
		FROM platform_listings pl
		JOIN listings l ON l.id = pl.listing_id
		WHERE pl.status = $1 AND pl.retry_count < $2 AND l.status <> $3
		  AND (pl.next_attempt_at IS NULL OR pl.next_attempt_at <= $4)
		ORDER BY pl.last_synced_at NULLS FIRST
		LIMIT $5
	`, models.PlatformFailed, maxRetries, models.ListingSold, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable failures: %w", err)
	}
	defer rows.Close()
	return collectPlatformRows(rows)
}

func (s *Postgres) IncrementRetry(ctx context.Context, listingID, platform string, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET retry_count = retry_count + 1, next_attempt_at = $3, last_error = $4, last_synced_at = NOW()
		WHERE listing_id = $1 AND platform = $2
	`, listingID, platform, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (s *Postgres) ExhaustedUnnotified(ctx context.Context, maxRetries, limit int) ([]models.PlatformListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformColumns+` FROM platform_listings
		WHERE status = $1 AND retry_count >= $2 AND NOT exhausted_notified
		LIMIT $3
	`, models.PlatformFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query exhausted rows: %w", err)
	}
	defer rows.Close()
	return collectPlatformRows(rows)
}

func (s *Postgres) MarkExhaustedNotified(ctx context.Context, listingID, platform string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE platform_listings
		SET exhausted_notified = TRUE
		WHERE listing_id = $1 AND platform = $2 AND NOT exhausted_notified
	`, listingID, platform)
	if err != nil {
		return false, fmt.Errorf("mark exhausted notified: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) AppendSyncLog(ctx context.Context, e models.SyncLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_log (listing_id, platform, action, status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ListingID, e.Platform, e.Action, e.Status, e.Detail)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

func (s *Postgres) SyncLog(ctx context.Context, listingID string) ([]models.SyncLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, listing_id, platform, action, status, detail, created_at
		FROM sync_log WHERE listing_id = $1 ORDER BY id
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var out []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Platform, &e.Action, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertNotification(ctx context.Context, n models.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (kind, listing_id, platform, title, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
	`, n.Kind, n.ListingID, n.Platform, n.Title, n.Message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
