package shop

const (
	TopicOrderCompleted     = "shop.order.completed"
	TopicOrderDelivered     = "shop.order.delivered"
	TopicReservationExpired = "shop.reservation.expired"
)

// Partition key = correlation id (order or reservation), so all events for
// one aggregate keep their order.
func PartitionKey(id string) []byte { return []byte(id) }
