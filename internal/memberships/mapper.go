package memberships

import (
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// GatewaySnapshot is the gateway-agnostic view of a subscription used by the
// sync chokepoint. Webhook handlers and reconciliation both build one of these.
type GatewaySnapshot struct {
	SubscriptionID     string
	GatewayCustomerID  string
	Status             string
	PlanType           enums.PlanType
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
	CanceledAt         *time.Time
}

// SnapshotFromStripe flattens a Stripe subscription into a GatewaySnapshot.
// Billing periods live on the subscription items in current API versions.
func SnapshotFromStripe(sub *stripe.Subscription, planForPrice func(priceID string) (enums.PlanType, bool)) GatewaySnapshot {
	snap := GatewaySnapshot{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.GatewayCustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		snap.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		snap.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			t := time.Unix(item.CurrentPeriodStart, 0).UTC()
			snap.CurrentPeriodStart = &t
		}
		if item.CurrentPeriodEnd > 0 {
			snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if planForPrice != nil && item.Price != nil {
			if plan, ok := planForPrice(item.Price.ID); ok {
				snap.PlanType = plan
			}
		}
	}
	return snap
}

// mapGatewayStatus translates Stripe subscription statuses into local ones.
// Incomplete maps to the local pending sub-state until a sync confirms it.
func mapGatewayStatus(raw string) (enums.SubscriptionStatus, bool) {
	switch raw {
	case "incomplete":
		return enums.SubscriptionStatusPending, true
	case "trialing":
		return enums.SubscriptionStatusTrialing, true
	case "active":
		return enums.SubscriptionStatusActive, true
	case "past_due":
		return enums.SubscriptionStatusPastDue, true
	case "canceled", "incomplete_expired", "unpaid":
		return enums.SubscriptionStatusCanceled, true
	default:
		return enums.SubscriptionStatusPending, false
	}
}

// applySnapshot overwrites the mutable fields of a membership from a snapshot.
func applySnapshot(m *models.Membership, snap GatewaySnapshot) {
	status, _ := mapGatewayStatus(snap.Status)
	if status == enums.SubscriptionStatusActive && snap.CancelAtPeriodEnd {
		status = enums.SubscriptionStatusEnding
	}
	m.Status = status
	m.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	m.CurrentPeriodStart = snap.CurrentPeriodStart
	if !snap.CurrentPeriodEnd.IsZero() {
		m.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}
	m.TrialEnd = snap.TrialEnd
	m.CanceledAt = snap.CanceledAt
	if snap.PlanType.IsValid() {
		m.PlanType = snap.PlanType
	}
}

// CustomerStatusFor derives the customer's membership status from one membership.
func CustomerStatusFor(m *models.Membership, now time.Time) enums.MembershipStatus {
	switch m.Status {
	case enums.SubscriptionStatusPending:
		return enums.MembershipStatusNone
	case enums.SubscriptionStatusTrialing:
		return enums.MembershipStatusTrial
	case enums.SubscriptionStatusActive:
		if m.CancelAtPeriodEnd {
			return enums.MembershipStatusEnding
		}
		return enums.MembershipStatusActive
	case enums.SubscriptionStatusEnding:
		return enums.MembershipStatusEnding
	case enums.SubscriptionStatusPastDue:
		return enums.MembershipStatusActive
	case enums.SubscriptionStatusCanceled:
		if m.CancelAtPeriodEnd && !m.CurrentPeriodEnd.IsZero() && !m.CurrentPeriodEnd.After(now) {
			return enums.MembershipStatusExpired
		}
		return enums.MembershipStatusCancelled
	default:
		return enums.MembershipStatusNone
	}
}

// isLive reports whether the membership should be the customer's active one.
func isLive(m *models.Membership) bool {
	switch m.Status {
	case enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusEnding,
		enums.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
