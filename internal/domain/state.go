package domain

import (
	"fmt"
	"strings"
)

// State is a message lifecycle value. The valid set depends on the channel.
type State string

const (
	StateWaiting     State = "WAITING"
	StateErrorRetry  State = "ERROR_RETRY"
	StateSending     State = "SENDING"
	StateSent        State = "SENT"
	StateUnknown     State = "UNKNOWN"
	StateDelivered   State = "DELIVERED"
	StateError       State = "ERROR"
	StateErrorUpdate State = "ERROR_UPDATE"
	StateDebug       State = "DEBUG"

	StateNotAssigned         State = "NOT_ASSIGNED"
	StateReady               State = "READY"
	StateRescheduledByDialer State = "RESCHEDULED_BY_DIALER"
	StateCallInProgress      State = "CALL_IN_PROGRESS"
	StateHangup              State = "HANGUP"
	StateDone                State = "DONE"
	StateRescheduled         State = "RESCHEDULED"
	StateAnsweredComplete    State = "ANSWERED_COMPLETE"
	StateAnsweredPartial     State = "ANSWERED_PARTIAL"
	StateUnreachable         State = "UNREACHABLE"
	StateDeclined            State = "DECLINED"
	StateUnanswered          State = "UNANSWERED"
	StateHangupByDialer      State = "HANGUP_BY_DIALER"
	StateHangupByCustomer    State = "HANGUP_BY_CUSTOMER"
)

func (s State) String() string { return string(s) }

type stateKind int

const (
	kindPending stateKind = iota + 1
	kindInFlight
	kindCompleted
	kindFailed
	kindDebug
)

// Lifecycle describes the state set of one channel and the transitions
// allowed between its states.
type Lifecycle struct {
	channel Channel
	kinds   map[State]stateKind
	sent    State
	giveUp  State
}

var lifecycles = map[Channel]Lifecycle{
	ChannelSMS: {
		channel: ChannelSMS,
		kinds: map[State]stateKind{
			StateWaiting:     kindPending,
			StateErrorRetry:  kindPending,
			StateSending:     kindInFlight,
			StateSent:        kindInFlight,
			StateUnknown:     kindInFlight,
			StateDelivered:   kindCompleted,
			StateError:       kindFailed,
			StateErrorUpdate: kindFailed,
			StateDebug:       kindDebug,
		},
		sent:   StateSent,
		giveUp: StateErrorUpdate,
	},
	ChannelEmail: {
		channel: ChannelEmail,
		kinds: map[State]stateKind{
			StateWaiting:    kindPending,
			StateErrorRetry: kindPending,
			StateSending:    kindInFlight,
			StateSent:       kindCompleted,
			StateError:      kindFailed,
			StateDebug:      kindDebug,
		},
		sent:   StateSent,
		giveUp: StateError,
	},
	ChannelPush: {
		channel: ChannelPush,
		kinds: map[State]stateKind{
			StateWaiting:    kindPending,
			StateErrorRetry: kindPending,
			StateSent:       kindCompleted,
			StateError:      kindFailed,
			StateDebug:      kindDebug,
		},
		sent:   StateSent,
		giveUp: StateError,
	},
	ChannelDialer: {
		channel: ChannelDialer,
		kinds: map[State]stateKind{
			StateWaiting:             kindPending,
			StateErrorRetry:          kindPending,
			StateNotAssigned:         kindInFlight,
			StateReady:               kindInFlight,
			StateRescheduledByDialer: kindInFlight,
			StateCallInProgress:      kindInFlight,
			StateRescheduled:         kindInFlight,
			StateHangup:              kindCompleted,
			StateDone:                kindCompleted,
			StateAnsweredComplete:    kindCompleted,
			StateAnsweredPartial:     kindCompleted,
			StateUnreachable:         kindCompleted,
			StateDeclined:            kindCompleted,
			StateUnanswered:          kindCompleted,
			StateHangupByDialer:      kindCompleted,
			StateHangupByCustomer:    kindCompleted,
			StateError:               kindFailed,
			StateErrorUpdate:         kindFailed,
			StateDebug:               kindDebug,
		},
		sent:   StateReady,
		giveUp: StateErrorUpdate,
	},
}

// LifecycleFor returns the lifecycle of a channel. Unknown channels get an
// empty lifecycle that accepts no state.
func LifecycleFor(channel Channel) Lifecycle {
	if lc, ok := lifecycles[channel]; ok {
		return lc
	}
	return Lifecycle{channel: channel}
}

func (l Lifecycle) Channel() Channel { return l.channel }

// Has reports whether s belongs to the channel state set.
func (l Lifecycle) Has(s State) bool {
	_, ok := l.kinds[s]
	return ok
}

func (l Lifecycle) IsTerminal(s State) bool {
	switch l.kinds[s] {
	case kindCompleted, kindFailed, kindDebug:
		return true
	}
	return false
}

func (l Lifecycle) IsFailure(s State) bool {
	return l.kinds[s] == kindFailed
}

func (l Lifecycle) IsPending(s State) bool {
	return l.kinds[s] == kindPending
}

func (l Lifecycle) IsInFlight(s State) bool {
	return l.kinds[s] == kindInFlight
}

// InitialState is the state every new message starts in.
func (l Lifecycle) InitialState() State { return StateWaiting }

// SentState is the state reported by providers that only know the message
// was accepted by the vendor.
func (l Lifecycle) SentState() State { return l.sent }

// GiveUpState is the terminal failure state forced by status reconciliation.
func (l Lifecycle) GiveUpState() State { return l.giveUp }

// InFlightStates lists the non-terminal post-send states in a stable order.
func (l Lifecycle) InFlightStates() []State {
	states := make([]State, 0, len(l.kinds))
	for _, s := range l.orderedStates() {
		if l.kinds[s] == kindInFlight {
			states = append(states, s)
		}
	}
	return states
}

// FailureStates lists the terminal failure states in a stable order.
func (l Lifecycle) FailureStates() []State {
	states := make([]State, 0, 2)
	for _, s := range l.orderedStates() {
		if l.kinds[s] == kindFailed {
			states = append(states, s)
		}
	}
	return states
}

// CanTransition reports whether a message may move from one state to another.
// Terminal states never move and in-flight states never return to pending.
func (l Lifecycle) CanTransition(from, to State) bool {
	if !l.Has(from) || !l.Has(to) {
		return false
	}
	if l.IsTerminal(from) {
		return false
	}
	if l.IsInFlight(from) && l.IsPending(to) {
		return false
	}
	return true
}

// CheckTransition is CanTransition returning a wrapped ErrInvalidTransition.
func (l Lifecycle) CheckTransition(from, to State) error {
	if l.CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, l.channel, from, to)
}

func (l Lifecycle) ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Has(st) {
		return "", fmt.Errorf("%w: invalid %s state %q", ErrValidation, l.channel, s)
	}
	return st, nil
}

var stateOrder = []State{
	StateWaiting, StateErrorRetry, StateNotAssigned, StateReady, StateRescheduledByDialer,
	StateCallInProgress, StateRescheduled, StateSending, StateSent, StateUnknown,
	StateDelivered, StateHangup, StateDone, StateAnsweredComplete, StateAnsweredPartial,
	StateUnreachable, StateDeclined, StateUnanswered, StateHangupByDialer,
	StateHangupByCustomer, StateError, StateErrorUpdate, StateDebug,
}

func (l Lifecycle) orderedStates() []State {
	states := make([]State, 0, len(l.kinds))
	for _, s := range stateOrder {
		if l.Has(s) {
			states = append(states, s)
		}
	}
	return states
}
