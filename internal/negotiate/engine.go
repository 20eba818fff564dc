package negotiate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/models"
	"dealtalk/internal/store"
)

// Draft is an in-progress price proposal. It lives only in memory,
// scoped to the open chat view, and is discarded on cancel or once the
// proposal message is sent.
type Draft struct {
	SessionID       string `json:"session_id"`
	BasePrice       int64  `json:"base_price"`
	Proposed        int64  `json:"proposed"`
	ListingResolved bool   `json:"listing_resolved"`
}

// Delta returns the signed distance from the listed base price.
func (d *Draft) Delta() int64 { return d.Proposed - d.BasePrice }

// Engine derives base prices from the catalog and turns accepted
// proposals into ordinary chat messages. There is no persisted
// negotiation state beyond that message; a counter-offer is simply the
// next proposal in the same session.
type Engine struct {
	catalog catalog.Catalog
	store   store.Store
	step    int64
}

// NewEngine constructs the engine with the configured adjustment step.
func NewEngine(cat catalog.Catalog, st store.Store, step int64) *Engine {
	if step <= 0 {
		step = 100
	}
	return &Engine{catalog: cat, store: st, step: step}
}

// Open seeds a draft for the session's counterpart. When no listing
// resolves the base price falls back to zero; the draft says so via
// ListingResolved so the UI can caveat the number.
func (e *Engine) Open(ctx context.Context, session *models.Session) *Draft {
	draft := &Draft{SessionID: session.ID}
	listing, err := e.catalog.FindListingByProvider(ctx, session.CounterpartName)
	if err != nil {
		if !errors.Is(err, catalog.ErrNoListing) {
			zap.S().Warnw("listing lookup failed, negotiation opens at zero",
				"session", session.ID, "counterpart", session.CounterpartName, "error", err)
		}
		return draft
	}
	draft.BasePrice = listing.Price
	draft.Proposed = listing.Price
	draft.ListingResolved = true
	return draft
}

// Adjust moves the proposal by the given number of steps, floored at
// zero.
func (e *Engine) Adjust(draft *Draft, steps int) {
	draft.Proposed += int64(steps) * e.step
	if draft.Proposed < 0 {
		draft.Proposed = 0
	}
}

// Submit validates the proposal and sends it as a message through the
// standard path. A no-op proposal or a caller outside the role gate is
// rejected before any store call.
func (e *Engine) Submit(ctx context.Context, ownerID int64, rc models.RoleContext, draft *Draft) (*models.Message, error) {
	if draft == nil {
		return nil, &store.ValidationError{Reason: "no negotiation in progress"}
	}
	if !rc.CanNegotiate() {
		return nil, &store.ValidationError{Reason: "negotiation is only available to a requester toward a listed provider"}
	}
	if draft.Proposed == draft.BasePrice {
		return nil, &store.ValidationError{Reason: "proposed price equals the listed price"}
	}
	return e.store.SendMessage(ctx, ownerID, draft.SessionID, ProposalBody(draft.Proposed, draft.BasePrice))
}

// ProposalBody renders the deterministic proposal text: the proposed
// amount plus direction and magnitude relative to the listed price.
func ProposalBody(proposed, base int64) string {
	delta := proposed - base
	sign := "+"
	if delta < 0 {
		sign = "-"
		delta = -delta
	}
	return fmt.Sprintf("Price proposal: ₹%d (%s₹%d on the listed ₹%d)", proposed, sign, delta, base)
}
