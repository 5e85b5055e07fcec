package notifications

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
)

// Render produces the SMS body for a notification intent.
func Render(payload payloads.NotificationRequestedEvent) (string, error) {
	name := strings.TrimSpace(payload.CustomerName)
	if name == "" {
		name = "there"
	}

	switch payload.Kind {
	case enums.NotificationKindWelcome:
		return fmt.Sprintf("Welcome to MemberHub, %s! Your membership is now set up.", name), nil
	case enums.NotificationKindPaymentReceipt:
		if payload.AmountCents != nil {
			return fmt.Sprintf("Hi %s, we received your payment of %s. Thank you!", name, dollars(*payload.AmountCents)), nil
		}
		return fmt.Sprintf("Hi %s, we received your payment. Thank you!", name), nil
	case enums.NotificationKindRenewalReceipt:
		if payload.AmountCents != nil {
			return fmt.Sprintf("Hi %s, your membership renewed and we charged %s.", name, dollars(*payload.AmountCents)), nil
		}
		return fmt.Sprintf("Hi %s, your membership has renewed.", name), nil
	case enums.NotificationKindPaymentFailed:
		return fmt.Sprintf("Hi %s, your membership payment failed. Please update your payment method to keep your benefits.", name), nil
	case enums.NotificationKindTrialEnding:
		if payload.PeriodEnd != nil {
			return fmt.Sprintf("Hi %s, your trial ends %s. Add a payment method to keep your membership.", name, remaining(*payload.PeriodEnd)), nil
		}
		return fmt.Sprintf("Hi %s, your trial is ending soon. Add a payment method to keep your membership.", name), nil
	case enums.NotificationKindExpiryWarning:
		if payload.PeriodEnd != nil {
			return fmt.Sprintf("Hi %s, your membership ends %s. Reactivate any time to keep your benefits.", name, remaining(*payload.PeriodEnd)), nil
		}
		return fmt.Sprintf("Hi %s, your membership is ending soon. Reactivate any time to keep your benefits.", name), nil
	default:
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown notification kind %q", payload.Kind))
	}
}

func dollars(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}

// remaining phrases the time left until the period end in whole days.
func remaining(end time.Time) string {
	days := int(math.Ceil(time.Until(end).Hours() / 24))
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "in 1 day"
	default:
		return fmt.Sprintf("in %d days", days)
	}
}
