package negotiate

import (
	"context"

	"dealtalk/internal/models"
	"dealtalk/internal/store"
)

// QuickAction is a canned, role-gated message template.
type QuickAction string

const (
	ActionRequestQuote     QuickAction = "request_quote"
	ActionScheduleMeeting  QuickAction = "schedule_meeting"
	ActionRequestPortfolio QuickAction = "request_portfolio"
)

var actionBodies = map[QuickAction]string{
	ActionRequestQuote:     "Could you share a quote for this service?",
	ActionScheduleMeeting:  "Could we schedule a meeting to discuss the details?",
	ActionRequestPortfolio: "Could you share your portfolio of previous work?",
}

// Body returns the canned text for the action.
func Body(a QuickAction) (string, bool) {
	body, ok := actionBodies[a]
	return body, ok
}

// Allowed reports whether the action is available under the role
// context. Quote and meeting requests are open to both roles; the
// portfolio request shares the negotiation gate.
func Allowed(a QuickAction, rc models.RoleContext) bool {
	switch a {
	case ActionRequestQuote, ActionScheduleMeeting:
		return true
	case ActionRequestPortfolio:
		return rc.CanNegotiate()
	default:
		return false
	}
}

// SendQuickAction validates the action against the role context and
// sends its body through the standard message path.
func (e *Engine) SendQuickAction(ctx context.Context, ownerID int64, rc models.RoleContext, sessionID string, a QuickAction) (*models.Message, error) {
	body, ok := Body(a)
	if !ok {
		return nil, &store.ValidationError{Reason: "unknown quick action"}
	}
	if !Allowed(a, rc) {
		return nil, &store.ValidationError{Reason: "quick action not available for this role"}
	}
	return e.store.SendMessage(ctx, ownerID, sessionID, body)
}
