package room

import (
	"errors"
	"fmt"
	"time"

	"collabtext/internal/chat"
	"collabtext/internal/tree"
)

var (
	ErrMemberExists    = errors.New("room: member already attached")
	ErrMemberNotFound  = errors.New("room: member not found")
	ErrConnectionInUse = errors.New("room: connection owned by another member")
)

// Member binds a durable user identity to the connection currently
// carrying it. ConnectionID changes on every reconnect; UserID never does.
type Member struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room is the transient state of one collaborative session.
type Room struct {
	ID        string
	Tree      *tree.Tree
	Chat      *chat.Log
	CreatedAt time.Time

	members map[string]*Member
	order   []string
}

func newRoom(id string, chatCapacity int, now time.Time) *Room {
	return &Room{
		ID:        id,
		Tree:      tree.New(),
		Chat:      chat.NewLog(chatCapacity),
		CreatedAt: now,
		members:   make(map[string]*Member),
	}
}

// Member returns the live member for userID.
func (r *Room) Member(userID string) (Member, bool) {
	m, ok := r.members[userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// MemberByConnection returns the member whose current connection is connID.
func (r *Room) MemberByConnection(connID string) (Member, bool) {
	for _, m := range r.members {
		if m.ConnectionID == connID {
			return *m, true
		}
	}
	return Member{}, false
}

// Members returns the members in join order.
func (r *Room) Members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

func (r *Room) Len() int {
	return len(r.members)
}

func (r *Room) IsEmpty() bool {
	return len(r.members) == 0
}

// ConnectionIDs lists the connections of every member except the one
// belonging to exceptUserID. Pass "" to include everybody.
func (r *Room) ConnectionIDs(exceptUserID string) []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if id == exceptUserID {
			continue
		}
		out = append(out, r.members[id].ConnectionID)
	}
	return out
}

// AddMember attaches a new member.
func (r *Room) AddMember(m Member) error {
	if _, ok := r.members[m.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrMemberExists, m.UserID)
	}
	if other, ok := r.MemberByConnection(m.ConnectionID); ok {
		return fmt.Errorf("%w: %s", ErrConnectionInUse, other.UserID)
	}
	stored := m
	r.members[m.UserID] = &stored
	r.order = append(r.order, m.UserID)
	return nil
}

// RemoveMember detaches userID and returns the removed member.
func (r *Room) RemoveMember(userID string) (Member, bool) {
	m, ok := r.members[userID]
	if !ok {
		return Member{}, false
	}
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *m, true
}

// SwapConnection moves userID onto connID and returns the connection it
// replaced. Join order and every other bit of room state stay as they are.
func (r *Room) SwapConnection(userID, connID, displayName string) (string, error) {
	m, ok := r.members[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}
	if other, ok := r.MemberByConnection(connID); ok && other.UserID != userID {
		return "", fmt.Errorf("%w: %s", ErrConnectionInUse, other.UserID)
	}
	old := m.ConnectionID
	m.ConnectionID = connID
	if displayName != "" {
		m.DisplayName = displayName
	}
	return old, nil
}
