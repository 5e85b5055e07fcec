package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/api/responses"
	"github.com/memberhubhq/memberhub-backend/api/validators"
	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
)

type membershipCreateRequest struct {
	CustomerID       string `json:"customer_id" validate:"required,uuid4"`
	Plan             string `json:"plan" validate:"required"`
	PaymentMethodRef string `json:"payment_method_ref" validate:"required"`
}

type membershipCancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

type membershipResponse struct {
	ID                   uuid.UUID                `json:"id"`
	CustomerID           uuid.UUID                `json:"customer_id"`
	StripeSubscriptionID string                   `json:"stripe_subscription_id"`
	PlanType             enums.PlanType           `json:"plan_type"`
	Status               enums.SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time               `json:"current_period_start"`
	CurrentPeriodEnd     time.Time                `json:"current_period_end"`
	CancelAtPeriodEnd    bool                     `json:"cancel_at_period_end"`
	TrialEnd             *time.Time               `json:"trial_end,omitempty"`
	CanceledAt           *time.Time               `json:"canceled_at,omitempty"`
	ConfirmedAt          *time.Time               `json:"confirmed_at,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

func membershipResponseFromModel(m *models.Membership) membershipResponse {
	return membershipResponse{
		ID:                   m.ID,
		CustomerID:           m.CustomerID,
		StripeSubscriptionID: m.StripeSubscriptionID,
		PlanType:             m.PlanType,
		Status:               m.Status,
		CurrentPeriodStart:   m.CurrentPeriodStart,
		CurrentPeriodEnd:     m.CurrentPeriodEnd,
		CancelAtPeriodEnd:    m.CancelAtPeriodEnd,
		TrialEnd:             m.TrialEnd,
		CanceledAt:           m.CanceledAt,
		ConfirmedAt:          m.ConfirmedAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

// MembershipCreate provisions a gateway subscription for a customer.
func MembershipCreate(svc memberships.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}

		var payload membershipCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		customerID, err := validators.UUIDParam(payload.CustomerID, "customer_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := svc.Create(r.Context(), customerID, payload.Plan, payload.PaymentMethodRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, membershipResponseFromModel(created))
	}
}

// MembershipCancel cancels immediately, or at period end when the body asks for it.
func MembershipCancel(svc memberships.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}

		id, err := validators.UUIDParam(chi.URLParam(r, "membershipId"), "membership id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload membershipCancelRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.Cancel(r.Context(), id, payload.AtPeriodEnd)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, membershipResponseFromModel(updated))
	}
}

// MembershipReactivate clears a pending cancellation before the period ends.
func MembershipReactivate(svc memberships.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}

		id, err := validators.UUIDParam(chi.URLParam(r, "membershipId"), "membership id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.Reactivate(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, membershipResponseFromModel(updated))
	}
}

func MembershipDetail(svc memberships.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}

		id, err := validators.UUIDParam(chi.URLParam(r, "membershipId"), "membership id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		membership, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, membershipResponseFromModel(membership))
	}
}

// CustomerMemberships lists every membership a customer has ever held, newest first.
func CustomerMemberships(svc memberships.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}

		customerID, err := validators.UUIDParam(chi.URLParam(r, "customerId"), "customer id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListByCustomer(r.Context(), customerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]membershipResponse, 0, len(rows))
		for i := range rows {
			items = append(items, membershipResponseFromModel(&rows[i]))
		}

		responses.WriteSuccess(w, items)
	}
}
