package enums

import "fmt"

// PaymentStatus tracks the gateway-side lifecycle of an order's payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusAuthorized        PaymentStatus = "AUTHORIZED"
	PaymentStatusSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusCancelled         PaymentStatus = "CANCELLED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusAuthorized,
	PaymentStatusSucceeded,
	PaymentStatusFailed,
	PaymentStatusCancelled,
	PaymentStatusPartiallyRefunded,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// CaptureMethod decides whether a checkout charges immediately or holds an authorization.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

func (c CaptureMethod) String() string {
	return string(c)
}

// PaymentLeg identifies which payable portion of an order a checkout session collects.
type PaymentLeg string

const (
	PaymentLegFull      PaymentLeg = "full"
	PaymentLegDeposit   PaymentLeg = "deposit"
	PaymentLegRemaining PaymentLeg = "remaining"
)

func (l PaymentLeg) String() string {
	return string(l)
}

// ParsePaymentLeg defaults unknown or empty values to the full-order leg.
func ParsePaymentLeg(value string) PaymentLeg {
	switch PaymentLeg(value) {
	case PaymentLegDeposit:
		return PaymentLegDeposit
	case PaymentLegRemaining:
		return PaymentLegRemaining
	default:
		return PaymentLegFull
	}
}
