package subscription

// transitions lists the status changes tally may make on its own, such as
// reactivation. Provider events are not checked against it: the provider's
// status is copied as reported.
var transitions = map[Status][]Status{
	StatusPending:  {StatusActive, StatusCanceled, StatusRevoked, StatusPaused},
	StatusActive:   {StatusCanceled, StatusRevoked, StatusPaused},
	StatusPaused:   {StatusActive, StatusCanceled, StatusRevoked},
	StatusCanceled: {StatusActive, StatusRevoked},
	StatusRevoked:  {StatusActive},
}

// CanTransition reports whether moving from one status to another is allowed.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
