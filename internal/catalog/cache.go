package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealtalk/internal/models"
	"dealtalk/internal/redis"
)

const listingKeyPrefix = "catalog:listing:"

// noListingSentinel is cached for misses so a counterpart without a
// listing does not hit the catalog on every session open.
const noListingSentinel = "-"

// Cached wraps a Catalog with a redis TTL cache on listing lookups.
// Cache failures degrade to pass-through; they never fail a lookup.
type Cached struct {
	inner Catalog
	cache *redis.Client
	ttl   time.Duration
}

// NewCached builds the caching layer. A nil cache client makes it a
// transparent pass-through.
func NewCached(inner Catalog, cache *redis.Client, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: cache, ttl: ttl}
}

// FindListingByProvider implements Catalog.
func (c *Cached) FindListingByProvider(ctx context.Context, displayName string) (*models.Listing, error) {
	key := listingKeyPrefix + strings.ToLower(displayName)

	if cached, err := c.cache.Get(ctx, key); err == nil {
		if cached == noListingSentinel {
			return nil, ErrNoListing
		}
		var listing models.Listing
		if err := json.Unmarshal([]byte(cached), &listing); err == nil {
			return &listing, nil
		}
		// A corrupt entry falls through to a fresh lookup.
		_ = c.cache.Del(ctx, key)
	}

	listing, err := c.inner.FindListingByProvider(ctx, displayName)
	if err != nil {
		if errors.Is(err, ErrNoListing) {
			if cacheErr := c.cache.Set(ctx, key, noListingSentinel, c.ttl); cacheErr != nil {
				zap.S().Debugw("cache listing miss failed", "provider", displayName, "error", cacheErr)
			}
		}
		return nil, err
	}

	if payload, marshalErr := json.Marshal(listing); marshalErr == nil {
		if cacheErr := c.cache.Set(ctx, key, payload, c.ttl); cacheErr != nil {
			zap.S().Debugw("cache listing failed", "provider", displayName, "error", cacheErr)
		}
	}
	return listing, nil
}

// ListProviders implements Catalog. The directory is not cached; entry
// points fetch it rarely and want it fresh.
func (c *Cached) ListProviders(ctx context.Context) ([]models.Listing, error) {
	return c.inner.ListProviders(ctx)
}
