package status

import (
	"fmt"
	"slices"
)

// Status is the delivery status of a single message.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines allowed status transitions. Failed is only left
// through an explicit user retry.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Delivered, Read, Failed},
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// rank orders the non-terminal progression. Failed has no rank.
var rank = map[Status]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Initial returns the only valid status for a locally created message.
func Initial() Status {
	return Sending
}

// Parse converts a stored or wire value into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further transition can leave s without user action.
func (s Status) Terminal() bool {
	return s == Read || s == Failed
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from -> to and returns the new status.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return to, nil
}

// Fail applies an explicit delivery failure. Only in-flight statuses can fail.
func Fail(s Status) (Status, error) {
	if s != Sending && s != Sent {
		return s, fmt.Errorf("cannot fail message in status %s", s)
	}
	return Failed, nil
}

// Merge combines two observations of the same message's status and returns
// the furthest along. It is commutative and idempotent, so observations can be
// applied in any order.
//
// Failed is not part of the ordering: a failed message stays failed against a
// stale "sending" copy, but any status confirmed by the remote stream wins.
func Merge(a, b Status) Status {
	if !a.Valid() {
		return b
	}
	if !b.Valid() {
		return a
	}
	if a == Failed || b == Failed {
		other := a
		if a == Failed {
			other = b
		}
		if other == Failed || other == Sending {
			return Failed
		}
		return other
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// AtLeast reports whether s has progressed to min or beyond. Failed never
// satisfies AtLeast.
func (s Status) AtLeast(min Status) bool {
	rs, ok := rank[s]
	if !ok {
		return false
	}
	rm, ok := rank[min]
	if !ok {
		return false
	}
	return rs >= rm
}
