package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"listing-sync/internal/connector"
	"listing-sync/internal/lifecycle"
	"listing-sync/internal/models"
	"listing-sync/internal/notify"
	"listing-sync/internal/publisher"
	"listing-sync/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) countKind(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type retryFixture struct {
	store    *store.SQLite
	orch     *lifecycle.Orchestrator
	coord    *RetryCoordinator
	notifier *recordingNotifier
	clock    time.Time
}

func newRetryFixture(t *testing.T, maxRetries int, conns ...connector.Connector) *retryFixture {
	t.Helper()
	s := memStore(t)

	reg := connector.NewRegistry()
	for _, c := range conns {
		reg.Register(c)
	}

	notifier := &recordingNotifier{}
	gw := notify.NewGateway(s, notifier)
	pub := publisher.New(reg, 2, time.Second)
	orch := lifecycle.New(s, pub, gw, 15*time.Minute)

	f := &retryFixture{
		store:    s,
		orch:     orch,
		notifier: notifier,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewRetryCoordinator(s, reg, orch, gw, RetryConfig{
		PollInterval:   time.Minute,
		PublishTimeout: time.Second,
		BackoffInitial: time.Minute,
		BackoffMax:     30 * time.Minute,
		MaxRetries:     maxRetries,
		MaxConcurrency: 2,
	})
	f.coord.now = func() time.Time { return f.clock }
	return f
}

func (f *retryFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestRetrySuccessReactivatesRow(t *testing.T) {
	attempts := 0
	conn := &fakeConnector{
		name: "ebay",
		publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			attempts++
			if attempts == 1 {
				return connector.PublishOutcome{}, errors.New("upstream 500")
			}
			return connector.PublishOutcome{ExternalID: "ebay-2", ExternalURL: "https://ebay/2"}, nil
		},
	}
	f := newRetryFixture(t, 3, conn)
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, lifecycle.CreateInput{Title: "GBA SP"}, []string{"ebay"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Status != models.ListingFailed {
		t.Fatalf("expected failed listing, got %s", summary.Status)
	}

	n, err := f.coord.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 retry, got %d", n)
	}

	pl, err := f.store.GetPlatformListing(ctx, summary.ListingID, "ebay")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if pl.Status != models.PlatformActive || pl.ExternalID == nil || *pl.ExternalID != "ebay-2" {
		t.Fatalf("expected reactivated row, got %+v", pl)
	}
	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingActive {
		t.Fatalf("expected promoted listing, got %s", listing.Status)
	}
}

func TestRetryBudgetAndSingleExhaustedAlert(t *testing.T) {
	conn := &fakeConnector{
		name: "ebay",
		publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			return connector.PublishOutcome{}, errors.New("still down")
		},
	}
	f := newRetryFixture(t, 3, conn)
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, lifecycle.CreateInput{Title: "GBA SP"}, []string{"ebay"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Three failing retries, each deferred by backoff; advance past the cap
	// between cycles so the row is always due again.
	for i := 1; i <= 3; i++ {
		n, err := f.coord.RunOnce(ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("cycle %d: expected 1 retry, got %d", i, n)
		}
		pl, err := f.store.GetPlatformListing(ctx, summary.ListingID, "ebay")
		if err != nil {
			t.Fatalf("cycle %d: get row: %v", i, err)
		}
		if pl.RetryCount != i {
			t.Fatalf("cycle %d: retry count %d", i, pl.RetryCount)
		}
		f.advance(31 * time.Minute)
	}

	// The budget is spent: no more attempts, exactly one alert.
	for i := 0; i < 2; i++ {
		n, err := f.coord.RunOnce(ctx)
		if err != nil {
			t.Fatalf("post-budget cycle: %v", err)
		}
		if n != 0 {
			t.Fatalf("row retried past its budget, n=%d", n)
		}
		f.advance(31 * time.Minute)
	}
	if got := f.notifier.countKind(notify.KindRetriesExhausted); got != 1 {
		t.Fatalf("expected exactly one exhausted alert, got %d", got)
	}

	pl, err := f.store.GetPlatformListing(ctx, summary.ListingID, "ebay")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if pl.Status != models.PlatformFailed || !pl.ExhaustedNotified {
		t.Fatalf("expected failed+notified row, got %+v", pl)
	}
}

func TestRetryRespectsBackoffDeferral(t *testing.T) {
	conn := &fakeConnector{
		name: "ebay",
		publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			return connector.PublishOutcome{}, errors.New("still down")
		},
	}
	f := newRetryFixture(t, 5, conn)
	ctx := context.Background()

	if _, err := f.orch.CreateAndPublish(ctx, lifecycle.CreateInput{Title: "GBA SP"}, []string{"ebay"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n, _ := f.coord.RunOnce(ctx); n != 1 {
		t.Fatalf("expected first retry, got %d", n)
	}
	// Immediately after a failure the row is deferred.
	if n, _ := f.coord.RunOnce(ctx); n != 0 {
		t.Fatalf("deferred row retried too early, n=%d", n)
	}
	f.advance(31 * time.Minute)
	if n, _ := f.coord.RunOnce(ctx); n != 1 {
		t.Fatalf("expected retry after backoff, got %d", n)
	}
}

func TestRetrySkipsSoldListing(t *testing.T) {
	conn := &fakeConnector{name: "ebay"}
	failing := &fakeConnector{
		name: "mercari",
		publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			return connector.PublishOutcome{}, errors.New("down")
		},
	}
	f := newRetryFixture(t, 3, conn, failing)
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, lifecycle.CreateInput{Title: "GBA SP"}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 60, 1); err != nil {
		t.Fatalf("mark sold: %v", err)
	}

	n, err := f.coord.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Fatalf("sold listing must never be retried, n=%d", n)
	}
	pl, err := f.store.GetPlatformListing(ctx, summary.ListingID, "mercari")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if pl.Status != models.PlatformFailed {
		t.Fatalf("row should be untouched, got %s", pl.Status)
	}
}
