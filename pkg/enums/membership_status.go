package enums

import "fmt"

// MembershipStatus is the customer-level rollup of their active membership.
type MembershipStatus string

const (
	MembershipStatusNone      MembershipStatus = "none"
	MembershipStatusTrial     MembershipStatus = "trial"
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusEnding    MembershipStatus = "ending"
	MembershipStatusCancelled MembershipStatus = "cancelled"
	MembershipStatusExpired   MembershipStatus = "expired"
)

var validMembershipStatuses = []MembershipStatus{
	MembershipStatusNone,
	MembershipStatusTrial,
	MembershipStatusActive,
	MembershipStatusEnding,
	MembershipStatusCancelled,
	MembershipStatusExpired,
}

// String implements fmt.Stringer.
func (m MembershipStatus) String() string {
	return string(m)
}

// IsValid reports whether the value is known.
func (m MembershipStatus) IsValid() bool {
	for _, candidate := range validMembershipStatuses {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMembershipStatus converts raw input into a MembershipStatus.
func ParseMembershipStatus(value string) (MembershipStatus, error) {
	for _, candidate := range validMembershipStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid membership status %q", value)
}
