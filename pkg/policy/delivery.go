package policy

import "personadb/pkg/models"

// deliveryRank orders the forward-only delivery states.
var deliveryRank = map[string]int{
	models.DeliverySending:   0,
	models.DeliverySent:      1,
	models.DeliveryDelivered: 2,
	models.DeliveryRead:      3,
}

// CanTransitionDelivery reports whether a delivery-status transition is
// legal: forward-only through sending→sent→delivered→read, with failed
// reachable only from sending. failed and read are terminal.
func CanTransitionDelivery(from, to string) bool {
	if from == to {
		return false
	}
	if to == models.DeliveryFailed {
		return from == models.DeliverySending
	}
	if from == models.DeliveryFailed || from == models.DeliveryRead {
		return false
	}
	fr, ok1 := deliveryRank[from]
	tr, ok2 := deliveryRank[to]
	return ok1 && ok2 && tr > fr
}
