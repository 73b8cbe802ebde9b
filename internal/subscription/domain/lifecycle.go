package domain

import "fmt"

type State string

const (
	StateNone            State = "none"
	StateActive          State = "active"
	StateCancelRequested State = "cancel_requested"
	StateInactive        State = "inactive"
)

type Event string

const (
	EventActivate        Event = "activate"
	EventCancel          Event = "cancel"
	EventCancelImmediate Event = "cancel_immediate"
	EventReactivate      Event = "reactivate"
	EventExpire          Event = "expire"
	EventRenew           Event = "renew"
	EventRenewFail       Event = "renew_fail"
)

// transitions is the single source of truth for legal lifecycle moves.
var transitions = map[State]map[Event]State{
	StateNone: {
		EventActivate: StateActive,
	},
	StateActive: {
		EventActivate:        StateActive,
		EventCancel:          StateCancelRequested,
		EventCancelImmediate: StateInactive,
		EventExpire:          StateInactive,
		EventRenew:           StateActive,
		EventRenewFail:       StateActive,
	},
	StateCancelRequested: {
		EventActivate:        StateActive,
		EventCancelImmediate: StateInactive,
		EventReactivate:      StateActive,
		EventExpire:          StateInactive,
	},
	StateInactive: {
		EventActivate: StateActive,
	},
}

// Next returns the state reached by applying ev in from.
func Next(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", illegal(from, ev)
}

func illegal(from State, ev Event) error {
	switch {
	case ev == EventCancel && from == StateCancelRequested:
		return ErrAlreadyCancelled
	case ev == EventCancel || ev == EventCancelImmediate:
		return ErrNoActiveSubscription
	case ev == EventReactivate:
		return ErrNoCancelledSubscription
	}
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}
