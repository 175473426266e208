// Package lifecycle defines the legal states of an emergency request and
// the transitions between them.
package lifecycle

import "github.com/example/emergency-connect/internal/models"

// transitionMap lists, per target status, the statuses it may be entered from.
// Nothing ever transitions back to pending.
var transitionMap = map[models.Status][]models.Status{
	models.StatusAccepted:     {models.StatusPending},
	models.StatusDispatched:   {models.StatusAccepted},
	models.StatusEnRoute:      {models.StatusAccepted, models.StatusDispatched},
	models.StatusAtScene:      {models.StatusDispatched, models.StatusEnRoute},
	models.StatusTransporting: {models.StatusAtScene},
	models.StatusCompleted:    {models.StatusTransporting},
	models.StatusCancelled:    {models.StatusPending, models.StatusAccepted, models.StatusDispatched, models.StatusEnRoute},
	models.StatusDeleted: {
		models.StatusPending, models.StatusAccepted, models.StatusDispatched, models.StatusEnRoute,
		models.StatusAtScene, models.StatusTransporting, models.StatusCompleted, models.StatusCancelled,
	},
}

// AllowedFrom returns the statuses a request may be in to move to target.
func AllowedFrom(target models.Status) []models.Status {
	allowed := transitionMap[target]
	out := make([]models.Status, len(allowed))
	copy(out, allowed)
	return out
}

func CanTransition(from, to models.Status) bool {
	for _, s := range transitionMap[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func Valid(s models.Status) bool {
	if s == models.StatusPending {
		return true
	}
	_, ok := transitionMap[s]
	return ok
}

func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusCompleted, models.StatusCancelled, models.StatusDeleted:
		return true
	}
	return false
}

// IsActive reports whether a request in status s still needs attention.
func IsActive(s models.Status) bool { return Valid(s) && !IsTerminal(s) }

// HoldsAmbulance reports whether a request in status s keeps its ambulance busy.
func HoldsAmbulance(s models.Status) bool {
	switch s {
	case models.StatusAccepted, models.StatusDispatched, models.StatusEnRoute,
		models.StatusAtScene, models.StatusTransporting:
		return true
	}
	return false
}

// ActiveStatuses returns the non-terminal statuses in lifecycle order.
func ActiveStatuses() []models.Status {
	return []models.Status{
		models.StatusPending, models.StatusAccepted, models.StatusDispatched,
		models.StatusEnRoute, models.StatusAtScene, models.StatusTransporting,
	}
}

// Driveable reports whether an ambulance may move a request to target
// through a generic status update. Accept, completion, cancellation and
// deletion have dedicated operations.
func Driveable(target models.Status) bool {
	switch target {
	case models.StatusDispatched, models.StatusEnRoute, models.StatusAtScene, models.StatusTransporting:
		return true
	}
	return false
}
