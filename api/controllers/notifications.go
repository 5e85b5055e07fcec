package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/api/responses"
	"github.com/memberhubhq/memberhub-backend/api/validators"
	"github.com/memberhubhq/memberhub-backend/internal/notifications"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
)

type notificationResponse struct {
	ID           uuid.UUID              `json:"id"`
	CustomerID   uuid.UUID              `json:"customer_id"`
	MembershipID *uuid.UUID             `json:"membership_id,omitempty"`
	PaymentID    *uuid.UUID             `json:"payment_id,omitempty"`
	Kind         enums.NotificationKind `json:"kind"`
	Body         string                 `json:"body"`
	Phone        string                 `json:"phone"`
	ProviderRef  *string                `json:"provider_ref,omitempty"`
	SentAt       time.Time              `json:"sent_at"`
}

func notificationResponseFromModel(n *models.Notification) notificationResponse {
	return notificationResponse{
		ID:           n.ID,
		CustomerID:   n.CustomerID,
		MembershipID: n.MembershipID,
		PaymentID:    n.PaymentID,
		Kind:         n.Kind,
		Body:         n.Body,
		Phone:        n.Phone,
		ProviderRef:  n.ProviderRef,
		SentAt:       n.SentAt,
	}
}

// CustomerNotifications returns the delivered-message audit trail, newest first.
func CustomerNotifications(repo notifications.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications repository unavailable"))
			return
		}

		customerID, err := validators.UUIDParam(chi.URLParam(r, "customerId"), "customer id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a non-negative integer"))
				return
			}
		}

		rows, err := repo.ListByCustomer(r.Context(), customerID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list notifications"))
			return
		}

		items := make([]notificationResponse, 0, len(rows))
		for i := range rows {
			items = append(items, notificationResponseFromModel(&rows[i]))
		}

		responses.WriteSuccess(w, items)
	}
}
