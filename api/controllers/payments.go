package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/api/responses"
	"github.com/memberhubhq/memberhub-backend/api/validators"
	"github.com/memberhubhq/memberhub-backend/internal/payments"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
	"github.com/memberhubhq/memberhub-backend/pkg/types"
)

type paymentResponse struct {
	ID              uuid.UUID           `json:"id"`
	CustomerID      uuid.UUID           `json:"customer_id"`
	MembershipID    *uuid.UUID          `json:"membership_id,omitempty"`
	AmountCents     int64               `json:"amount_cents"`
	Currency        string              `json:"currency"`
	Status          enums.PaymentStatus `json:"status"`
	StripeInvoiceID string              `json:"stripe_invoice_id"`
	Description     *string             `json:"description,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

func paymentResponseFromModel(p *models.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		CustomerID:      p.CustomerID,
		MembershipID:    p.MembershipID,
		AmountCents:     p.AmountCents,
		Currency:        p.Currency,
		Status:          p.Status,
		StripeInvoiceID: p.StripeInvoiceID,
		Description:     p.Description,
		CreatedAt:       p.CreatedAt,
	}
}

func PaymentDetail(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		id, err := validators.UUIDParam(chi.URLParam(r, "paymentId"), "payment id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, paymentResponseFromModel(payment))
	}
}

// CustomerPayments returns the customer's payment history, newest first.
func CustomerPayments(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		customerID, err := validators.UUIDParam(chi.URLParam(r, "customerId"), "customer id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params, err := validators.PaginationParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, next, err := svc.ListForCustomer(r.Context(), customerID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]paymentResponse, 0, len(rows))
		for i := range rows {
			items = append(items, paymentResponseFromModel(&rows[i]))
		}

		page := types.Page{Items: items}
		if next != nil {
			token := pagination.EncodeCursor(*next)
			page.NextCursor = &token
		}

		responses.WriteSuccess(w, page)
	}
}
