package orders

import (
	"fmt"
	"time"
)

// Effect names the stock operation a transition fires for every line.
type Effect int

const (
	EffectNone Effect = iota
	EffectReserve
	EffectRelease
	EffectFulfill
)

// String returns the effect name for logs.
func (e Effect) String() string {
	switch e {
	case EffectReserve:
		return "reserve"
	case EffectRelease:
		return "release"
	case EffectFulfill:
		return "fulfill"
	default:
		return "none"
	}
}

// transition is one legal edge of the status graph.
type transition struct {
	effect       Effect
	precondition func(o *Order, input ChangeStatusInput) error
}

// transitionTable is the closed set of legal status changes. Terminal
// statuses have no outgoing edges, so any request from them fails the
// lookup. Anything outside the table is structurally illegal.
var transitionTable = map[Status]map[Status]transition{
	StatusDraft: {
		StatusConfirmed: {effect: EffectReserve, precondition: confirmable},
		StatusCancelled: {effect: EffectNone},
	},
	StatusConfirmed: {
		StatusScheduled: {effect: EffectNone, precondition: schedulable},
		StatusCancelled: {effect: EffectRelease},
	},
	StatusScheduled: {
		StatusEnRoute:   {effect: EffectNone},
		StatusCancelled: {effect: EffectRelease},
	},
	StatusEnRoute: {
		StatusDelivered: {effect: EffectFulfill},
	},
	StatusDelivered: {
		StatusInvoiced: {effect: EffectNone},
	},
}

// planTransition resolves the edge for from→to, or fails with
// ErrIllegalTransition naming both statuses.
func planTransition(from, to Status) (transition, error) {
	if targets, ok := transitionTable[from]; ok {
		if tr, ok := targets[to]; ok {
			return tr, nil
		}
	}
	return transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// confirmable gates draft→confirmed: at least one line, and a customer
// plus delivery address to ship to.
func confirmable(o *Order, _ ChangeStatusInput) error {
	if len(o.Lines) == 0 {
		return ErrEmptyOrder
	}
	if o.CustomerID == 0 || o.DeliveryAddress == "" {
		return ErrOrderIncomplete
	}
	return nil
}

// schedulable gates confirmed→scheduled: a scheduled date, from the
// request or already on the order, no earlier than today.
func schedulable(o *Order, input ChangeStatusInput) error {
	date := input.ScheduledDate
	if date == nil {
		date = o.ScheduledDate
	}
	if date == nil {
		return ErrInvalidScheduleDate
	}
	today := truncateToDay(time.Now().UTC())
	if truncateToDay(date.UTC()).Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrInvalidScheduleDate, date.Format("2006-01-02"))
	}
	return nil
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
