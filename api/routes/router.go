package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memberhubhq/memberhub-backend/api/controllers"
	webhookcontrollers "github.com/memberhubhq/memberhub-backend/api/controllers/webhooks"
	"github.com/memberhubhq/memberhub-backend/api/middleware"
	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/internal/notifications"
	"github.com/memberhubhq/memberhub-backend/internal/payments"
	stripewebhook "github.com/memberhubhq/memberhub-backend/internal/webhooks/stripe"
	"github.com/memberhubhq/memberhub-backend/pkg/config"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/stripe"
)

type Pinger = controllers.HealthDependency

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	healthDeps map[string]controllers.HealthDependency,
	customerService customers.Service,
	membershipService memberships.Service,
	paymentService payments.Service,
	notificationRepo notifications.Repository,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, healthDeps))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/customers", func(r chi.Router) {
		r.Post("/", controllers.CustomerCreate(customerService, logg))
		r.Get("/", controllers.CustomerList(customerService, logg))
		r.Route("/{customerId}", func(r chi.Router) {
			r.Get("/", controllers.CustomerDetail(customerService, logg))
			r.Patch("/", controllers.CustomerUpdate(customerService, logg))
			r.Delete("/", controllers.CustomerDeactivate(customerService, logg))
			r.Get("/memberships", controllers.CustomerMemberships(membershipService, logg))
			r.Get("/payments", controllers.CustomerPayments(paymentService, logg))
			r.Get("/notifications", controllers.CustomerNotifications(notificationRepo, logg))
		})
	})

	r.Route("/api/v1/memberships", func(r chi.Router) {
		r.Post("/", controllers.MembershipCreate(membershipService, logg))
		r.Route("/{membershipId}", func(r chi.Router) {
			r.Get("/", controllers.MembershipDetail(membershipService, logg))
			r.Post("/cancel", controllers.MembershipCancel(membershipService, logg))
			r.Post("/reactivate", controllers.MembershipReactivate(membershipService, logg))
		})
	})

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Get("/{paymentId}", controllers.PaymentDetail(paymentService, logg))
	})

	return r
}
