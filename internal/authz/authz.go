// Package authz models who is acting on a balance or job. Privilege is an explicit value
// passed into every ledger and claim call rather than implied by which store client is used.
package authz

import (
	"context"

	"github.com/civicbounty/service_layer/internal/logging"
)

// Role is the privilege level of the caller.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Elevation names a resolution authority that lets an actor touch an account it does not own.
type Elevation string

const (
	ElevationNone Elevation = ""
	// ElevationManualClose is granted to a post owner or group admin closing an issue.
	ElevationManualClose Elevation = "manual_close"
	// ElevationReview is granted to an approver crediting the fixer of a job.
	ElevationReview Elevation = "review_approval"
	// ElevationAutoApprove is used when a high-confidence fix is credited without a reviewer.
	ElevationAutoApprove Elevation = "auto_approve"
	// ElevationRefund is granted when a deleted post's reward goes back to its poster.
	ElevationRefund Elevation = "post_refund"
	// ElevationPayoutAudit lets the payout path write audit-only entries.
	ElevationPayoutAudit Elevation = "payout_audit"
	// ElevationFundingAudit records Lightning-funded posts in the audit account.
	ElevationFundingAudit Elevation = "funding_audit"
)

// Actor is the authenticated identity behind a call.
type Actor struct {
	UserID    string
	Role      Role
	Elevation Elevation
}

// Anonymous returns an unauthenticated actor.
func Anonymous() Actor {
	return Actor{Role: RoleAnonymous}
}

// User returns a regular signed-in actor.
func User(userID string) Actor {
	return Actor{UserID: userID, Role: RoleUser}
}

// System returns a service-internal actor carrying the given elevation.
func System(elevation Elevation) Actor {
	return Actor{UserID: "system", Role: RoleSystem, Elevation: elevation}
}

// FromContext builds an actor from the identity the auth middleware stored in ctx.
func FromContext(ctx context.Context) Actor {
	userID := logging.GetUserID(ctx)
	if userID == "" {
		return Anonymous()
	}
	switch Role(logging.GetRole(ctx)) {
	case RoleAdmin:
		return Actor{UserID: userID, Role: RoleAdmin}
	default:
		return User(userID)
	}
}

// Elevate returns a copy of a with the given elevation.
func (a Actor) Elevate(e Elevation) Actor {
	a.Elevation = e
	return a
}

// IsAuthenticated reports whether the actor has a user identity.
func (a Actor) IsAuthenticated() bool {
	return a.UserID != "" && a.Role != RoleAnonymous
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// IsElevated reports whether the actor carries an explicit resolution authority.
func (a Actor) IsElevated() bool {
	return a.Elevation != ElevationNone
}

// Fields returns the actor as log fields.
func (a Actor) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"actor_id":   a.UserID,
		"actor_role": string(a.Role),
	}
	if a.IsElevated() {
		fields["elevation"] = string(a.Elevation)
	}
	return fields
}
