package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"dealtalk/internal/models"
	"dealtalk/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestHTTPCatalogFindListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/listings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("provider") {
		case "Jane Doe":
			json.NewEncoder(w).Encode(models.Listing{Provider: "Jane Doe", Title: "Wedding photography", Price: 15000})
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"listings": []models.Listing{{Provider: "Jane Doe", Price: 15000}, {Provider: "Bob", Price: 2000}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cat := NewHTTPCatalog(srv.URL)
	ctx := context.Background()

	listing, err := cat.FindListingByProvider(ctx, "Jane Doe")
	if err != nil {
		t.Fatalf("find listing error: %v", err)
	}
	if listing.Price != 15000 || listing.Provider != "Jane Doe" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	if _, err := cat.FindListingByProvider(ctx, "Nobody"); !errors.Is(err, ErrNoListing) {
		t.Fatalf("expected ErrNoListing, got %v", err)
	}

	listings, err := cat.ListProviders(ctx)
	if err != nil {
		t.Fatalf("list providers error: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(listings))
	}
}

func TestHTTPCatalogTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cat := NewHTTPCatalog(srv.URL)
	if _, err := cat.FindListingByProvider(context.Background(), "Jane"); !store.IsTransport(err) {
		t.Fatalf("expected transport error for 500, got %v", err)
	}

	srv.Close()
	if _, err := cat.ListProviders(context.Background()); !store.IsTransport(err) {
		t.Fatalf("expected transport error when unreachable, got %v", err)
	}
}

type countingCatalog struct {
	calls    int
	listings map[string]*models.Listing
}

func (c *countingCatalog) FindListingByProvider(ctx context.Context, name string) (*models.Listing, error) {
	c.calls++
	if l, ok := c.listings[name]; ok {
		return l, nil
	}
	return nil, ErrNoListing
}

func (c *countingCatalog) ListProviders(ctx context.Context) ([]models.Listing, error) {
	c.calls++
	return nil, nil
}

func TestCachedPassThroughWithoutRedis(t *testing.T) {
	// A nil cache client degrades to pass-through: every lookup reaches
	// the inner catalog and results are unchanged.
	inner := &countingCatalog{listings: map[string]*models.Listing{
		"Jane Doe": {Provider: "Jane Doe", Price: 15000},
	}}
	cached := NewCached(inner, nil, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		listing, err := cached.FindListingByProvider(ctx, "Jane Doe")
		if err != nil {
			t.Fatalf("lookup %d error: %v", i, err)
		}
		if listing.Price != 15000 {
			t.Fatalf("lookup %d unexpected listing: %+v", i, listing)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected pass-through on every call, got %d inner calls", inner.calls)
	}

	if _, err := cached.FindListingByProvider(ctx, "Nobody"); !errors.Is(err, ErrNoListing) {
		t.Fatalf("expected ErrNoListing, got %v", err)
	}
}
