package domain

import "fmt"

// RegistrationState is the softphone's standing with the signaling backend.
type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registering
	Registered
	// Degraded is entered once the retry budget is spent; only Reset leaves it.
	Degraded
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var registrationTransitions = map[RegistrationState][]RegistrationState{
	Unregistered: {Registering},
	Registering:  {Registered, Unregistered, Degraded},
	Registered:   {Registering, Unregistered},
	Degraded:     {Unregistered},
}

// CanTransitionTo checks if a transition from s to next is allowed.
func (s RegistrationState) CanTransitionTo(next RegistrationState) bool {
	for _, st := range registrationTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

func (s RegistrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceStatus is a point-in-time view of the softphone registration.
type DeviceStatus struct {
	State        RegistrationState `json:"state"`
	Attempts     int               `json:"attempts"`
	HasActiveLeg bool              `json:"has_active_leg"`
	LastError    string            `json:"last_error,omitempty"`
}
