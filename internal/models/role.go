package models

// Role is the authenticated user's marketplace role, carried in the
// identity token.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
	RoleAdmin     Role = "admin"
)

// RoleContext gates which actions the viewer may take toward the
// current counterpart. It is derived per session, never stored.
type RoleContext struct {
	SelfRole            Role `json:"self_role"`
	CounterpartIsListed bool `json:"counterpart_is_listed"`
}

// CanNegotiate reports whether price proposals (and the portfolio quick
// action, which shares the gate) are permitted.
func (rc RoleContext) CanNegotiate() bool {
	return rc.SelfRole == RoleRequester && rc.CounterpartIsListed
}
