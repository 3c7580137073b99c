package notify

import (
	"context"
	"log"

	"listing-sync/internal/models"
	"listing-sync/internal/store"
)

// Event kinds delivered to the operator.
const (
	KindSale             = "sale"
	KindListingFailed    = "listing_failed"
	KindRetriesExhausted = "retries_exhausted"
)

// Event is a human-facing alert about one listing.
type Event struct {
	Kind      string  `json:"kind"`
	ListingID string  `json:"listing_id"`
	Platform  string  `json:"platform"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Price     float64 `json:"price,omitempty"`
}

// Notifier delivers events to an external sink.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Gateway fans an event to the in-app notifications table and the external
// notifier. Delivery is fire-and-forget: failures are logged and swallowed so
// a broken sink can never block or fail a state transition.
type Gateway struct {
	store    store.SyncStore
	notifier Notifier
}

func NewGateway(st store.SyncStore, n Notifier) *Gateway {
	return &Gateway{store: st, notifier: n}
}

func (g *Gateway) Notify(ctx context.Context, ev Event) {
	if g == nil {
		return
	}
	if g.store != nil {
		err := g.store.InsertNotification(ctx, models.Notification{
			Kind:      ev.Kind,
			ListingID: ev.ListingID,
			Platform:  ev.Platform,
			Title:     ev.Title,
			Message:   ev.Message,
		})
		if err != nil {
			log.Printf("notify: store notification %s for %s: %v", ev.Kind, ev.ListingID, err)
		}
	}
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, ev); err != nil {
			log.Printf("notify: deliver %s for %s: %v", ev.Kind, ev.ListingID, err)
		}
	}
}
