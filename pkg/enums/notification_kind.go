package enums

import "fmt"

// NotificationKind labels the outbound message templates the engine sends.
type NotificationKind string

const (
	NotificationKindWelcome        NotificationKind = "welcome"
	NotificationKindPaymentReceipt NotificationKind = "payment_receipt"
	NotificationKindRenewalReceipt NotificationKind = "renewal_receipt"
	NotificationKindPaymentFailed  NotificationKind = "payment_failed"
	NotificationKindTrialEnding    NotificationKind = "trial_ending"
	NotificationKindExpiryWarning  NotificationKind = "expiry_warning"
)

var validNotificationKinds = []NotificationKind{
	NotificationKindWelcome,
	NotificationKindPaymentReceipt,
	NotificationKindRenewalReceipt,
	NotificationKindPaymentFailed,
	NotificationKindTrialEnding,
	NotificationKindExpiryWarning,
}

// IsValid reports whether the kind matches the canonical enum.
func (n NotificationKind) IsValid() bool {
	for _, candidate := range validNotificationKinds {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationKind converts raw strings into NotificationKind.
func ParseNotificationKind(value string) (NotificationKind, error) {
	for _, candidate := range validNotificationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification kind %q", value)
}
