package events

// Topic constants for domain events emitted by the reconciler.
const (
	TopicReservationConfirmed = "reservation.confirmed"
	TopicReservationCancelled = "reservation.cancelled"
	TopicPaymentRefunded      = "payment.refunded"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicReservationConfirmed,
		TopicReservationCancelled,
		TopicPaymentRefunded,
	}
}
