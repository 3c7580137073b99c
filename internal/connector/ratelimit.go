package connector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"listing-sync/internal/models"
)

// RateLimited wraps a connector with a token-bucket limiter so bursts of
// publishes or cancellations stay inside a marketplace's API quota.
type RateLimited struct {
	inner   Connector
	limiter *rate.Limiter
}

func NewRateLimited(inner Connector, perSecond float64, burst int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (c *RateLimited) Name() string { return c.inner.Name() }

func (c *RateLimited) Publish(ctx context.Context, listing models.Listing) (PublishOutcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PublishOutcome{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.inner.Publish(ctx, listing)
}

func (c *RateLimited) Cancel(ctx context.Context, externalID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return c.inner.Cancel(ctx, externalID)
}
