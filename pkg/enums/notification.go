package enums

import "fmt"

// NotificationKind names a fire-and-forget message handed to the dispatch service.
type NotificationKind string

const (
	NotificationOrderConfirmed     NotificationKind = "order_confirmed"
	NotificationPaymentReceived    NotificationKind = "payment_received"
	NotificationOrderRejected      NotificationKind = "order_rejected"
	NotificationOrderApproved      NotificationKind = "order_approved"
	NotificationDepositPaymentLink NotificationKind = "deposit_payment_link"
	NotificationLowStockAlert      NotificationKind = "low_stock_alert"
	// NotificationPaymentOnCancelled asks staff to return money that arrived after the order was cancelled.
	NotificationPaymentOnCancelled NotificationKind = "payment_on_cancelled_order"
)

var validNotificationKinds = []NotificationKind{
	NotificationOrderConfirmed,
	NotificationPaymentReceived,
	NotificationOrderRejected,
	NotificationOrderApproved,
	NotificationDepositPaymentLink,
	NotificationLowStockAlert,
	NotificationPaymentOnCancelled,
}

func (n NotificationKind) String() string {
	return string(n)
}

// IsValid checks whether the given kind matches the canonical set.
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
