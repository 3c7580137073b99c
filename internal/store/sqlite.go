package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"listing-sync/internal/models"
)

// SQLite backs SyncStore with an embedded database. It is the reference store
// for single-node deployments and tests; timestamps are stored as unix
// milliseconds so comparisons never depend on driver time parsing.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (or creates) the database at path and ensures the schema.
// A single connection keeps writes serialized, which sqlite wants anyway, and
// makes ":memory:" behave as one database across the pool.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) ensureSchema() error {
	schema := `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS listings(
  id TEXT PRIMARY KEY,
  external_uuid TEXT UNIQUE NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  price REAL NOT NULL,
  condition TEXT NOT NULL DEFAULT '',
  quantity INTEGER NOT NULL DEFAULT 1,
  photos TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL DEFAULT 'draft',
  sold_platform TEXT,
  sold_price REAL,
  sold_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);

CREATE TABLE IF NOT EXISTS platform_listings(
  listing_id TEXT NOT NULL REFERENCES listings(id),
  platform TEXT NOT NULL,
  external_id TEXT,
  external_url TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  cancel_scheduled_at INTEGER,
  next_attempt_at INTEGER,
  exhausted_notified INTEGER NOT NULL DEFAULT 0,
  posted_at INTEGER,
  last_synced_at INTEGER,
  PRIMARY KEY(listing_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_platform_listings_status ON platform_listings(status);

CREATE TABLE IF NOT EXISTS sync_log(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  listing_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  action TEXT NOT NULL,
  status TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_log_listing ON sync_log(listing_id);

CREATE TABLE IF NOT EXISTS notifications(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  listing_id TEXT NOT NULL DEFAULT '',
  platform TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  read INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLite) CreateListing(ctx context.Context, l models.Listing, platforms []string) error {
	photosJSON, err := json.Marshal(l.Photos)
	if err != nil {
		return fmt.Errorf("marshal photos: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := l.CreatedAt.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings(id, external_uuid, title, description, price, condition, quantity, photos, status, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.ExternalUUID, l.Title, l.Description, l.Price, l.Condition, l.Quantity, string(photosJSON), l.Status, created, created)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}

	for _, platform := range platforms {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO platform_listings(listing_id, platform, status)
			VALUES(?, ?, ?)
		`, l.ID, platform, models.PlatformPending)
		if err != nil {
			return fmt.Errorf("insert platform row %s: %w", platform, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) GetListing(ctx context.Context, id string) (models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_uuid, title, description, price, condition, quantity, photos, status,
		       sold_platform, sold_price, sold_at, created_at, updated_at
		FROM listings WHERE id = ?
	`, id)

	var l models.Listing
	var photosJSON string
	var soldPlatform sql.NullString
	var soldPrice sql.NullFloat64
	var soldAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&l.ID, &l.ExternalUUID, &l.Title, &l.Description, &l.Price, &l.Condition,
		&l.Quantity, &photosJSON, &l.Status, &soldPlatform, &soldPrice, &soldAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Listing{}, ErrNotFound
	}
	if err != nil {
		return models.Listing{}, fmt.Errorf("scan listing: %w", err)
	}

	if err := json.Unmarshal([]byte(photosJSON), &l.Photos); err != nil {
		return models.Listing{}, fmt.Errorf("unmarshal photos: %w", err)
	}
	if soldPlatform.Valid {
		l.SoldPlatform = &soldPlatform.String
	}
	if soldPrice.Valid {
		l.SoldPrice = &soldPrice.Float64
	}
	l.SoldAt = millisPtr(soldAt)
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	l.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return l, nil
}

func (s *SQLite) TransitionListing(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, nowMillis(), id, from)
	if err != nil {
		return false, fmt.Errorf("transition listing: %w", err)
	}
	return affected(res), nil
}

func (s *SQLite) MarkListingSold(ctx context.Context, id, platform string, price float64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET status = ?, sold_platform = ?, sold_price = ?, sold_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.ListingSold, platform, price, at.UnixMilli(), nowMillis(), id, models.ListingActive)
	if err != nil {
		return false, fmt.Errorf("mark listing sold: %w", err)
	}
	return affected(res), nil
}

func (s *SQLite) DecrementQuantity(ctx context.Context, id string, by int) (int, error) {
	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE listings SET quantity = MAX(quantity - ?, 0), updated_at = ?
		WHERE id = ?
		RETURNING quantity
	`, by, nowMillis(), id).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("decrement quantity: %w", err)
	}
	return remaining, nil
}

const sqlitePlatformColumns = `listing_id, platform, external_id, external_url, status, retry_count,
	last_error, cancel_scheduled_at, next_attempt_at, exhausted_notified, posted_at, last_synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePlatformRow(row rowScanner) (models.PlatformListing, error) {
	var pl models.PlatformListing
	var externalID, externalURL, lastError sql.NullString
	var cancelAt, nextAt, postedAt, syncedAt sql.NullInt64
	var notified int

	err := row.Scan(&pl.ListingID, &pl.Platform, &externalID, &externalURL, &pl.Status,
		&pl.RetryCount, &lastError, &cancelAt, &nextAt, &notified, &postedAt, &syncedAt)
	if err != nil {
		return models.PlatformListing{}, err
	}
	if externalID.Valid {
		pl.ExternalID = &externalID.String
	}
	if externalURL.Valid {
		pl.ExternalURL = &externalURL.String
	}
	if lastError.Valid {
		pl.LastError = &lastError.String
	}
	pl.CancelScheduledAt = millisPtr(cancelAt)
	pl.NextAttemptAt = millisPtr(nextAt)
	pl.PostedAt = millisPtr(postedAt)
	pl.LastSyncedAt = millisPtr(syncedAt)
	pl.ExhaustedNotified = notified != 0
	return pl, nil
}

func (s *SQLite) GetPlatformListing(ctx context.Context, listingID, platform string) (models.PlatformListing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqlitePlatformColumns+` FROM platform_listings
		WHERE listing_id = ? AND platform = ?
	`, listingID, platform)
	pl, err := scanSQLitePlatformRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlatformListing{}, ErrNotFound
	}
	if err != nil {
		return models.PlatformListing{}, fmt.Errorf("scan platform listing: %w", err)
	}
	return pl, nil
}

func (s *SQLite) ListPlatformListings(ctx context.Context, listingID string) ([]models.PlatformListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlitePlatformColumns+` FROM platform_listings
		WHERE listing_id = ? ORDER BY platform
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query platform listings: %w", err)
	}
	defer rows.Close()
	return collectSQLitePlatformRows(rows)
}

func collectSQLitePlatformRows(rows *sql.Rows) ([]models.PlatformListing, error) {
	var out []models.PlatformListing
	for rows.Next() {
		pl, err := scanSQLitePlatformRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform listing: %w", err)
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkPlatformActive(ctx context.Context, listingID, platform, externalID, externalURL string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET status = ?, external_id = ?, external_url = ?, last_error = NULL,
		    posted_at = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform = ?
		  AND status NOT IN (?, ?)
		  AND (SELECT status FROM listings WHERE id = listing_id) <> ?
	`, models.PlatformActive, nullEmpty(externalID), nullEmpty(externalURL), at.UnixMilli(), at.UnixMilli(),
		listingID, platform, models.PlatformSold, models.PlatformCanceled, models.ListingSold)
	if err != nil {
		return false, fmt.Errorf("mark platform active: %w", err)
	}
	return affected(res), nil
}

func (s *SQLite) MarkPlatformFailed(ctx context.Context, listingID, platform, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET status = ?, last_error = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform = ?
	`, models.PlatformFailed, lastError, nowMillis(), listingID, platform)
	if err != nil {
		return fmt.Errorf("mark platform failed: %w", err)
	}
	return nil
}

func (s *SQLite) MarkPlatformSold(ctx context.Context, listingID, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET status = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform = ?
	`, models.PlatformSold, nowMillis(), listingID, platform)
	if err != nil {
		return fmt.Errorf("mark platform sold: %w", err)
	}
	return nil
}

func (s *SQLite) SchedulePendingCancels(ctx context.Context, listingID, exceptPlatform string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE platform_listings
		SET status = ?, cancel_scheduled_at = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform <> ? AND status = ?
		RETURNING platform
	`, models.PlatformPendingCancel, at.UnixMilli(), nowMillis(), listingID, exceptPlatform, models.PlatformActive)
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

func (s *SQLite) DuePendingCancels(ctx context.Context, now time.Time, limit int) ([]models.PlatformListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlitePlatformColumns+` FROM platform_listings
		WHERE status = ? AND cancel_scheduled_at IS NOT NULL AND cancel_scheduled_at <= ?
		ORDER BY cancel_scheduled_at
		LIMIT ?
	`, models.PlatformPendingCancel, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due cancels: %w", err)
	}
	defer rows.Close()
	return collectSQLitePlatformRows(rows)
}

func (s *SQLite) MarkPlatformCanceled(ctx context.Context, listingID, platform string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET status = ?, last_error = NULL, last_synced_at = ?
		WHERE listing_id = ? AND platform = ? AND status = ?
	`, models.PlatformCanceled, at.UnixMilli(), listingID, platform, models.PlatformPendingCancel)
	if err != nil {
		return false, fmt.Errorf("mark platform canceled: %w", err)
	}
	return affected(res), nil
}

func (s *SQLite) RecordCancelError(ctx context.Context, listingID, platform, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET last_error = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform = ?
	`, lastError, nowMillis(), listingID, platform)
	if err != nil {
		return fmt.Errorf("record cancel error: %w", err)
	}
	return nil
}

func (s *SQLite) RetryablePlatformFailures(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.PlatformListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pl.listing_id, pl.platform, pl.external_id, pl.external_url, pl.status, pl.retry_count,
		       pl.last_error, pl.cancel_scheduled_at, pl.next_attempt_at, pl.exhausted_notified,
		       pl.posted_at, pl.last_synced_at
		FROM platform_listings pl
		JOIN listings l ON l.id = pl.listing_id
		WHERE pl.status = ? AND pl.retry_count < ? AND l.status <> ?
		  AND (pl.next_attempt_at IS NULL OR pl.next_attempt_at <= ?)
		ORDER BY pl.last_synced_at
		LIMIT ?
	`, models.PlatformFailed, maxRetries, models.ListingSold, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable failures: %w", err)
	}
	defer rows.Close()
	return collectSQLitePlatformRows(rows)
}

func (s *SQLite) IncrementRetry(ctx context.Context, listingID, platform string, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?, last_synced_at = ?
		WHERE listing_id = ? AND platform = ?
	`, nextAttempt.UnixMilli(), lastError, nowMillis(), listingID, platform)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (s *SQLite) ExhaustedUnnotified(ctx context.Context, maxRetries, limit int) ([]models.PlatformListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlitePlatformColumns+` FROM platform_listings
		WHERE status = ? AND retry_count >= ? AND exhausted_notified = 0
		LIMIT ?
	`, models.PlatformFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query exhausted rows: %w", err)
	}
	defer rows.Close()
	return collectSQLitePlatformRows(rows)
}

func (s *SQLite) MarkExhaustedNotified(ctx context.Context, listingID, platform string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_listings
		SET exhausted_notified = 1
		WHERE listing_id = ? AND platform = ? AND exhausted_notified = 0
	`, listingID, platform)
	if err != nil {
		return false, fmt.Errorf("mark exhausted notified: %w", err)
	}
	return affected(res), nil
}

func (s *SQLite) AppendSyncLog(ctx context.Context, e models.SyncLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log(listing_id, platform, action, status, detail, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, e.ListingID, e.Platform, e.Action, e.Status, e.Detail, nowMillis())
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

func (s *SQLite) SyncLog(ctx context.Context, listingID string) ([]models.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, platform, action, status, detail, created_at
		FROM sync_log WHERE listing_id = ? ORDER BY id
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var out []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Platform, &e.Action, &e.Status, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertNotification(ctx context.Context, n models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications(kind, listing_id, platform, title, message, read, created_at)
		VALUES(?, ?, ?, ?, ?, 0, ?)
	`, n.Kind, n.ListingID, n.Platform, n.Title, n.Message, nowMillis())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
