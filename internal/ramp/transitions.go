package ramp

var transitions = map[Status][]Status{
	StatusPendingPayment:      {StatusPaymentReceived, StatusCancelled, StatusExpired},
	StatusPaymentReceived:     {StatusPendingVerification, StatusFailed},
	StatusPendingVerification: {StatusVerified, StatusFailed},
	StatusVerified:            {StatusProcessing, StatusFailed},
	StatusProcessing:          {StatusCompleted, StatusPendingApproval, StatusFailed},
	StatusPendingApproval:     {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPendingPayment,
		StatusPaymentReceived,
		StatusPendingVerification,
		StatusVerified,
		StatusProcessing,
		StatusPendingApproval,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
		StatusExpired,
		StatusRefunded,
	}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}
