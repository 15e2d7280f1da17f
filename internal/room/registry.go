package room

import (
	"sort"
	"time"
)

// Registry owns the table of live rooms.
type Registry interface {
	Get(roomID string) (*Room, bool)
	// Create returns the room for roomID, creating it when absent.
	Create(roomID string) *Room
	Destroy(roomID string)
	// Rooms returns the live rooms ordered by id.
	Rooms() []*Room
	Len() int
}

// MemoryRegistry keeps rooms in process memory. It has no locking: the
// hub event loop is its only caller.
type MemoryRegistry struct {
	rooms        map[string]*Room
	chatCapacity int
	now          func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns an empty registry whose rooms keep at most
// chatCapacity chat messages.
func NewMemoryRegistry(chatCapacity int) *MemoryRegistry {
	return &MemoryRegistry{
		rooms:        make(map[string]*Room),
		chatCapacity: chatCapacity,
		now:          time.Now,
	}
}

func (r *MemoryRegistry) Get(roomID string) (*Room, bool) {
	rm, ok := r.rooms[roomID]
	return rm, ok
}

func (r *MemoryRegistry) Create(roomID string) *Room {
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	rm := newRoom(roomID, r.chatCapacity, r.now())
	r.rooms[roomID] = rm
	return rm
}

func (r *MemoryRegistry) Destroy(roomID string) {
	delete(r.rooms, roomID)
}

func (r *MemoryRegistry) Rooms() []*Room {
	out := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRegistry) Len() int {
	return len(r.rooms)
}
