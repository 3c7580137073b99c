package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"listing-sync/internal/connector"
	"listing-sync/internal/models"
	"listing-sync/internal/notify"
	"listing-sync/internal/publisher"
	"listing-sync/internal/store"
)

type fakeConnector struct {
	name    string
	publish func(ctx context.Context, listing models.Listing) (connector.PublishOutcome, error)
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Publish(ctx context.Context, listing models.Listing) (connector.PublishOutcome, error) {
	if f.publish != nil {
		return f.publish(ctx, listing)
	}
	return connector.PublishOutcome{ExternalID: f.name + "-1", ExternalURL: "https://" + f.name + "/1"}, nil
}

func (f *fakeConnector) Cancel(context.Context, string) error { return nil }

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

func (r *recordingNotifier) byKind(kind string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store    *store.SQLite
	orch     *Orchestrator
	notifier *recordingNotifier
	clock    time.Time
}

func newFixture(t *testing.T, conns ...connector.Connector) *fixture {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	reg := connector.NewRegistry()
	for _, c := range conns {
		reg.Register(c)
	}

	notifier := &recordingNotifier{}
	gw := notify.NewGateway(st, notifier)
	pub := publisher.New(reg, 4, time.Second)

	f := &fixture{
		store:    st,
		notifier: notifier,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.orch = New(st, pub, gw, 15*time.Minute)
	f.orch.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) platformRow(t *testing.T, listingID, platform string) models.PlatformListing {
	t.Helper()
	pl, err := f.store.GetPlatformListing(context.Background(), listingID, platform)
	if err != nil {
		t.Fatalf("get %s row: %v", platform, err)
	}
	return pl
}

func TestCreateAndPublishAllSucceed(t *testing.T) {
	f := newFixture(t, &fakeConnector{name: "ebay"}, &fakeConnector{name: "mercari"})
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim", Price: 80}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Status != models.ListingActive || summary.SuccessCount != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingActive {
		t.Fatalf("expected active listing, got %s", listing.Status)
	}
	for _, p := range []string{"ebay", "mercari"} {
		pl := f.platformRow(t, summary.ListingID, p)
		if pl.Status != models.PlatformActive || pl.ExternalID == nil {
			t.Fatalf("expected active %s row with external id, got %+v", p, pl)
		}
	}

	entries, err := f.store.SyncLog(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("sync log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 create entries, got %d", len(entries))
	}
}

func TestCreateAndPublishPartialFailure(t *testing.T) {
	f := newFixture(t,
		&fakeConnector{name: "ebay"},
		&fakeConnector{name: "mercari", publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			return connector.PublishOutcome{}, errors.New("upstream 500")
		}},
	)
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim"}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("partial failure must not be an error: %v", err)
	}
	if summary.Status != models.ListingActive || summary.SuccessCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	pl := f.platformRow(t, summary.ListingID, "mercari")
	if pl.Status != models.PlatformFailed || pl.LastError == nil || *pl.LastError != "upstream 500" {
		t.Fatalf("expected failed mercari row with error, got %+v", pl)
	}
	if pl.RetryCount != 0 {
		t.Fatalf("initial failure must not consume the retry budget, got %d", pl.RetryCount)
	}

	failed := f.notifier.byKind(notify.KindListingFailed)
	if len(failed) != 1 || failed[0].Platform != "mercari" {
		t.Fatalf("expected one listing_failed event for mercari, got %+v", failed)
	}
}

func TestCreateAndPublishAllFail(t *testing.T) {
	boom := func(context.Context, models.Listing) (connector.PublishOutcome, error) {
		return connector.PublishOutcome{}, errors.New("down")
	}
	f := newFixture(t, &fakeConnector{name: "ebay", publish: boom}, &fakeConnector{name: "mercari", publish: boom})

	summary, err := f.orch.CreateAndPublish(context.Background(), CreateInput{Title: "PS2 Slim"}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Status != models.ListingFailed || summary.SuccessCount != 0 {
		t.Fatalf("expected failed listing, got %+v", summary)
	}
}

func TestCreateAndPublishNoPlatforms(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.CreateAndPublish(context.Background(), CreateInput{Title: "x"}, nil); !errors.Is(err, ErrNoPlatforms) {
		t.Fatalf("expected ErrNoPlatforms, got %v", err)
	}
}

func TestMarkSoldSchedulesCancellations(t *testing.T) {
	f := newFixture(t, &fakeConnector{name: "ebay"}, &fakeConnector{name: "mercari"})
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim", Price: 80}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	outcome, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 75, 1)
	if err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	if outcome.AlreadySold {
		t.Fatal("first sale must not report already sold")
	}
	if len(outcome.CancelScheduled) != 1 || outcome.CancelScheduled[0] != "mercari" {
		t.Fatalf("expected mercari scheduled, got %v", outcome.CancelScheduled)
	}
	wantCancelAt := f.clock.Add(15 * time.Minute)
	if outcome.CancelAt == nil || !outcome.CancelAt.Equal(wantCancelAt) {
		t.Fatalf("expected cancel at %s, got %v", wantCancelAt, outcome.CancelAt)
	}

	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingSold || listing.SoldPlatform == nil || *listing.SoldPlatform != "ebay" {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	if listing.SoldPrice == nil || *listing.SoldPrice != 75 {
		t.Fatalf("expected sold price 75, got %v", listing.SoldPrice)
	}

	if got := f.platformRow(t, summary.ListingID, "ebay").Status; got != models.PlatformSold {
		t.Fatalf("expected sold ebay row, got %s", got)
	}
	mercari := f.platformRow(t, summary.ListingID, "mercari")
	if mercari.Status != models.PlatformPendingCancel {
		t.Fatalf("expected pending_cancel mercari row, got %s", mercari.Status)
	}
	if mercari.CancelScheduledAt == nil || !mercari.CancelScheduledAt.Equal(wantCancelAt) {
		t.Fatalf("expected cooldown %s, got %v", wantCancelAt, mercari.CancelScheduledAt)
	}

	if sales := f.notifier.byKind(notify.KindSale); len(sales) != 1 || sales[0].Price != 75 {
		t.Fatalf("expected one sale event at 75, got %+v", sales)
	}
}

func TestMarkSoldIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeConnector{name: "ebay"}, &fakeConnector{name: "mercari"})
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim"}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	first, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 75, 1)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}

	// A duplicate webhook arrives later; the clock has moved on.
	f.clock = f.clock.Add(5 * time.Minute)
	second, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 75, 1)
	if err != nil {
		t.Fatalf("duplicate sale: %v", err)
	}
	if !second.AlreadySold {
		t.Fatal("duplicate sale must report already sold")
	}
	if len(second.CancelScheduled) != 0 {
		t.Fatalf("duplicate must not reschedule, got %v", second.CancelScheduled)
	}

	// The original cooldown stands.
	mercari := f.platformRow(t, summary.ListingID, "mercari")
	if mercari.CancelScheduledAt == nil || !mercari.CancelScheduledAt.Equal(*first.CancelAt) {
		t.Fatalf("cooldown moved: want %v, got %v", first.CancelAt, mercari.CancelScheduledAt)
	}
	if sales := f.notifier.byKind(notify.KindSale); len(sales) != 1 {
		t.Fatalf("duplicate must not re-notify, got %d sale events", len(sales))
	}
}

func TestMarkSoldQuantityRemaining(t *testing.T) {
	f := newFixture(t, &fakeConnector{name: "ebay"}, &fakeConnector{name: "mercari"})
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "Joy-Con pair", Quantity: 3}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	outcome, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 35, 1)
	if err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	if outcome.RemainingQuantity != 2 || len(outcome.CancelScheduled) != 0 {
		t.Fatalf("units remaining must keep siblings listed, got %+v", outcome)
	}

	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingActive || listing.Quantity != 2 {
		t.Fatalf("expected active listing with 2 left, got %+v", listing)
	}

	// Selling the rest finishes the lifecycle.
	outcome, err = f.orch.MarkSold(ctx, summary.ListingID, "mercari", 70, 2)
	if err != nil {
		t.Fatalf("final sale: %v", err)
	}
	if outcome.RemainingQuantity != 0 || len(outcome.CancelScheduled) != 1 {
		t.Fatalf("last unit must schedule cancels, got %+v", outcome)
	}
}

func TestMarkSoldUnknownListing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.MarkSold(context.Background(), "nope", "ebay", 1, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordPlatformSuccessPromotesFailedListing(t *testing.T) {
	boom := func(context.Context, models.Listing) (connector.PublishOutcome, error) {
		return connector.PublishOutcome{}, errors.New("down")
	}
	f := newFixture(t, &fakeConnector{name: "ebay", publish: boom})
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim"}, []string{"ebay"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Status != models.ListingFailed {
		t.Fatalf("expected failed listing, got %s", summary.Status)
	}

	if err := f.orch.RecordPlatformSuccess(ctx, summary.ListingID, "ebay", "ebay-2", ""); err != nil {
		t.Fatalf("record success: %v", err)
	}
	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingActive {
		t.Fatalf("expected promoted listing, got %s", listing.Status)
	}
	if got := f.platformRow(t, summary.ListingID, "ebay").Status; got != models.PlatformActive {
		t.Fatalf("expected active row, got %s", got)
	}
}

func TestRecordPlatformSuccessAfterSoldIsIgnored(t *testing.T) {
	f := newFixture(t,
		&fakeConnector{name: "ebay"},
		&fakeConnector{name: "mercari", publish: func(context.Context, models.Listing) (connector.PublishOutcome, error) {
			return connector.PublishOutcome{}, errors.New("down")
		}},
	)
	ctx := context.Background()

	summary, err := f.orch.CreateAndPublish(ctx, CreateInput{Title: "PS2 Slim"}, []string{"ebay", "mercari"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.orch.MarkSold(ctx, summary.ListingID, "ebay", 80, 1); err != nil {
		t.Fatalf("mark sold: %v", err)
	}

	// A late retry success must not relist a sold item.
	if err := f.orch.RecordPlatformSuccess(ctx, summary.ListingID, "mercari", "m-9", ""); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if got := f.platformRow(t, summary.ListingID, "mercari").Status; got == models.PlatformActive {
		t.Fatal("sold listing must not get a fresh active row")
	}
	listing, err := f.store.GetListing(ctx, summary.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != models.ListingSold {
		t.Fatalf("listing resurrected to %s", listing.Status)
	}
}
