package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"dealtalk/internal/models"
	"dealtalk/internal/store"
)

// ErrNoListing means the counterpart has no listing in the catalog.
// The chat core treats this as "not a provider listing", not a failure.
var ErrNoListing = errors.New("no listing for provider")

// Catalog is the read-only slice of the listing catalog the chat core
// consumes: provider tagging and base-price seeding.
type Catalog interface {
	// FindListingByProvider resolves a listing by the provider's
	// display name. Returns ErrNoListing when none matches.
	FindListingByProvider(ctx context.Context, displayName string) (*models.Listing, error)

	// ListProviders returns the provider directory, used by entry
	// points that start a chat from a listing card.
	ListProviders(ctx context.Context) ([]models.Listing, error)
}

// Unavailable is the catalog of last resort when no catalog endpoint
// is configured: every counterpart resolves as unlisted.
type Unavailable struct{}

// FindListingByProvider implements Catalog.
func (Unavailable) FindListingByProvider(ctx context.Context, displayName string) (*models.Listing, error) {
	return nil, ErrNoListing
}

// ListProviders implements Catalog.
func (Unavailable) ListProviders(ctx context.Context) ([]models.Listing, error) {
	return nil, nil
}

// HTTPCatalog talks to the catalog collaborator's REST surface.
type HTTPCatalog struct {
	client  *http.Client
	baseURL string
}

// NewHTTPCatalog creates a catalog client for the given base URL.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
	}
}

// FindListingByProvider implements Catalog.
func (c *HTTPCatalog) FindListingByProvider(ctx context.Context, displayName string) (*models.Listing, error) {
	endpoint := fmt.Sprintf("%s/api/listings?provider=%s", c.baseURL, url.QueryEscape(displayName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &store.TransportError{Op: "find listing", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoListing
	case resp.StatusCode >= 300:
		return nil, &store.TransportError{
			Op:  "find listing",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var listing models.Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, &store.TransportError{Op: "decode listing", Err: err}
	}
	return &listing, nil
}

// ListProviders implements Catalog.
func (c *HTTPCatalog) ListProviders(ctx context.Context) ([]models.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/listings", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &store.TransportError{Op: "list providers", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &store.TransportError{
			Op:  "list providers",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var out struct {
		Listings []models.Listing `json:"listings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &store.TransportError{Op: "decode listings", Err: err}
	}
	return out.Listings, nil
}
