package store

// validTransitions is the closed table of §4.3's PaymentIntent state machine.
var validTransitions = map[IntentState]map[IntentState]bool{
	StateCreated: {
		StateAwaitingConfirmation: true,
		StateExpired:              true,
		StateFailed:               true,
	},
	StateAwaitingConfirmation: {
		StateVerified: true,
		StateCreated:  true, // reorg
		StateFailed:   true,
	},
	StateVerified: {
		StateSettled: true,
		StateCreated: true, // reorg
		StateFailed:  true,
	},
	StateSettled: {
		StateRefunded: true,
	},
}

// IsValidTransition reports whether (from, to) appears in §4.3's table.
func IsValidTransition(from, to IntentState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// webhookEventForTransition maps a (from, to) pair to the webhook event it
// enqueues, per §4.2/§4.3. Transitions with no associated event (e.g. a
// reorg back to Created) return ("", false).
func webhookEventForTransition(from, to IntentState) (WebhookEventType, bool) {
	switch {
	case from == StateCreated && to == StateAwaitingConfirmation:
		return EventPaymentPending, true
	case from == StateAwaitingConfirmation && to == StateVerified:
		return EventPaymentVerified, true
	case to == StateSettled:
		return EventPaymentSettled, true
	case to == StateExpired:
		return EventPaymentExpired, true
	case to == StateRefunded:
		return EventPaymentRefunded, true
	case to == StateFailed:
		return EventPaymentFailed, true
	default:
		return "", false
	}
}
