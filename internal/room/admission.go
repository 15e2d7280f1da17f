package room

import (
	"errors"
	"fmt"
)

// DefaultCapacity is the number of distinct users a room admits.
const DefaultCapacity = 3

var ErrRoomFull = errors.New("room: room is full")

// Decision is the outcome of a successful admission check.
type Decision struct {
	// Reconnect is set when the user already holds a member slot.
	Reconnect bool
}

// Admission decides whether a user may attach to a room.
type Admission struct {
	Capacity int
}

func NewAdmission(capacity int) Admission {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return Admission{Capacity: capacity}
}

// TryAdmit checks userID against rm, which is nil when the room does not
// exist yet. A user that already has a member slot is always let back in
// without counting against capacity.
func (a Admission) TryAdmit(rm *Room, userID string) (Decision, error) {
	return a.TryAdmitReplacing(rm, userID, "")
}

// TryAdmitReplacing is TryAdmit for a connection that gives up the slot of
// leavingUserID in rm once admitted. That slot does not count against
// capacity.
func (a Admission) TryAdmitReplacing(rm *Room, userID, leavingUserID string) (Decision, error) {
	if rm == nil {
		return Decision{}, nil
	}
	if _, ok := rm.Member(userID); ok {
		return Decision{Reconnect: true}, nil
	}
	n := rm.Len()
	if _, ok := rm.Member(leavingUserID); ok {
		n--
	}
	if n >= a.Capacity {
		return Decision{}, fmt.Errorf("%w: %s has %d of %d members", ErrRoomFull, rm.ID, rm.Len(), a.Capacity)
	}
	return Decision{}, nil
}
