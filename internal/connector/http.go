package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"listing-sync/internal/models"
)

// HTTPConnector speaks a small JSON contract with a marketplace adapter service:
//
//	POST {base}/listings          -> {"listing_id": "...", "url": "..."}
//	DELETE {base}/listings/{id}   -> 2xx on success
//
// Adapter services translate this contract into whatever the marketplace needs.
type HTTPConnector struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPConnector builds a connector for one adapter endpoint. The timeout is a
// hard cap per call; callers usually pass a tighter per-operation context too.
func NewHTTPConnector(name, baseURL string, timeout time.Duration) *HTTPConnector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPConnector{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConnector) Name() string { return c.name }

type publishRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Condition   string   `json:"condition"`
	Quantity    int      `json:"quantity"`
	Photos      []string `json:"photos,omitempty"`
}

type publishResponse struct {
	ListingID string `json:"listing_id"`
	URL       string `json:"url"`
}

func (c *HTTPConnector) Publish(ctx context.Context, listing models.Listing) (PublishOutcome, error) {
	body, err := json.Marshal(publishRequest{
		Title:       listing.Title,
		Description: listing.Description,
		Price:       listing.Price,
		Condition:   listing.Condition,
		Quantity:    listing.Quantity,
		Photos:      listing.Photos,
	})
	if err != nil {
		return PublishOutcome{}, fmt.Errorf("marshal listing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/listings", bytes.NewReader(body))
	if err != nil {
		return PublishOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return PublishOutcome{}, fmt.Errorf("%s publish: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PublishOutcome{}, fmt.Errorf("%s publish: %s", c.name, readError(resp))
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PublishOutcome{}, fmt.Errorf("%s publish: decode response: %w", c.name, err)
	}
	if out.ListingID == "" {
		return PublishOutcome{}, fmt.Errorf("%s publish: adapter returned no listing id", c.name)
	}
	return PublishOutcome{ExternalID: out.ListingID, ExternalURL: out.URL}, nil
}

func (c *HTTPConnector) Cancel(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("%s cancel: empty external id", c.name)
	}
	target := c.baseURL + "/listings/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s cancel: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s cancel: %s", c.name, readError(resp))
	}
	return nil
}

func readError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(b) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(b))
}
