package publisher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"listing-sync/internal/connector"
	"listing-sync/internal/models"
)

// Publisher fans one listing out to a set of marketplace connectors. It never
// touches the store; the orchestrator is the only writer, which keeps this
// package testable with fake connectors alone.
type Publisher struct {
	registry       *connector.Registry
	maxConcurrency int
	publishTimeout time.Duration
}

func New(registry *connector.Registry, maxConcurrency int, publishTimeout time.Duration) *Publisher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Publisher{
		registry:       registry,
		maxConcurrency: maxConcurrency,
		publishTimeout: publishTimeout,
	}
}

// PublishAll posts the listing to every named platform concurrently and joins
// on all of them. Each task is isolated: one connector failing, hanging up to
// its timeout, or being unknown never blocks or cancels its siblings. The
// returned map always has one entry per requested platform.
func (p *Publisher) PublishAll(ctx context.Context, listing models.Listing, platforms []string) map[string]models.PlatformResult {
	results := make(map[string]models.PlatformResult, len(platforms))
	if len(platforms) == 0 {
		return results
	}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(fanoutLimit(len(platforms), p.maxConcurrency))

	for _, platform := range platforms {
		platform := platform
		g.Go(func() error {
			res := p.publishOne(ctx, listing, platform)
			mu.Lock()
			results[platform] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors; failures live in the result map
	return results
}

func fanoutLimit(n, limit int) int {
	if n < limit {
		return n
	}
	return limit
}

func (p *Publisher) publishOne(ctx context.Context, listing models.Listing, platform string) models.PlatformResult {
	conn, err := p.registry.Get(platform)
	if err != nil {
		return models.PlatformResult{Platform: platform, Err: err.Error()}
	}

	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	outcome, err := conn.Publish(ctx, listing)
	if err != nil {
		return models.PlatformResult{Platform: platform, Err: err.Error()}
	}
	return models.PlatformResult{
		Platform:    platform,
		Success:     true,
		ExternalID:  outcome.ExternalID,
		ExternalURL: outcome.ExternalURL,
	}
}
