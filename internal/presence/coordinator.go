package presence

import (
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

// State is where one user stands in one room.
type State interface {
	isState()
	String() string
}

// Absent means the user holds no member slot.
type Absent struct{}

// Attached means the user's member slot is carried by ConnectionID.
type Attached struct {
	ConnectionID string
}

// Reconnecting is held while a member slot moves from one connection to
// another. It never survives past the Attach call that entered it.
type Reconnecting struct {
	From string
	To   string
}

func (Absent) isState()       {}
func (Attached) isState()     {}
func (Reconnecting) isState() {}

func (Absent) String() string         { return "absent" }
func (s Attached) String() string     { return "attached(" + s.ConnectionID + ")" }
func (s Reconnecting) String() string { return "reconnecting(" + s.From + "->" + s.To + ")" }

// Result tells the caller which path an Attach took.
type Result int

const (
	// Joined is a first attach that took a new member slot.
	Joined Result = iota + 1
	// Reconnected moved an existing member slot onto a new connection.
	Reconnected
	// Resynced re-sent the snapshot to a connection already attached.
	Resynced
)

func (r Result) String() string {
	switch r {
	case Joined:
		return "joined"
	case Reconnected:
		return "reconnected"
	case Resynced:
		return "resynced"
	default:
		return "unknown"
	}
}

type binding struct {
	roomID string
	userID string
}

// Coordinator binds user identities to connections. It creates and
// destroys rooms and members through the registry and tells the affected
// connections about every transition.
//
// A Coordinator is driven by the hub event loop and is not safe for
// concurrent use.
type Coordinator struct {
	registry  room.Registry
	admission room.Admission
	out       protocol.Outbox
	logger    *slog.Logger
	now       func() time.Time

	states      map[binding]State
	connections map[string]binding
}

// NewCoordinator returns a coordinator acting on registry.
func NewCoordinator(registry room.Registry, admission room.Admission, out protocol.Outbox, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:    registry,
		admission:   admission,
		out:         out,
		logger:      logger.With("component", "presence"),
		now:         time.Now,
		states:      make(map[binding]State),
		connections: make(map[string]binding),
	}
}

// State returns the presence of userID in roomID.
func (c *Coordinator) State(roomID, userID string) State {
	if s, ok := c.states[binding{roomID, userID}]; ok {
		return s
	}
	return Absent{}
}

// Origin returns the room and member that connectionID is attached as.
func (c *Coordinator) Origin(connectionID string) (*room.Room, room.Member, bool) {
	b, ok := c.connections[connectionID]
	if !ok {
		return nil, room.Member{}, false
	}
	rm, ok := c.registry.Get(b.roomID)
	if !ok {
		return nil, room.Member{}, false
	}
	m, ok := rm.Member(b.userID)
	if !ok {
		return nil, room.Member{}, false
	}
	return rm, m, true
}

// Attach binds connectionID to req.UserID in req.RoomID. Rejections are
// returned as errors and nothing is sent; the caller reports them to the
// requesting connection.
func (c *Coordinator) Attach(connectionID string, req protocol.JoinRoom) (Result, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	want := binding{req.RoomID, req.UserID}

	prev, bound := c.connections[connectionID]
	if bound && prev == want {
		rm, _ := c.registry.Get(prev.roomID)
		c.sendSnapshot(rm, connectionID)
		return Resynced, nil
	}

	var leaving string
	if bound && prev.roomID == want.roomID {
		leaving = prev.userID
	}
	existing, _ := c.registry.Get(req.RoomID)
	decision, err := c.admission.TryAdmitReplacing(existing, req.UserID, leaving)
	if err != nil {
		c.logger.Info("join rejected",
			"room_id", req.RoomID,
			"user_id", req.UserID,
			"error", err)
		return 0, err
	}

	// The old binding is given up only once the new one is admitted.
	if bound {
		c.depart(prev, "rebind")
		existing, _ = c.registry.Get(req.RoomID)
	}

	if decision.Reconnect {
		if err := c.reconnect(existing, want, connectionID, req.DisplayName); err != nil {
			return 0, err
		}
		return Reconnected, nil
	}
	if err := c.join(want, connectionID, req.DisplayName); err != nil {
		return 0, err
	}
	return Joined, nil
}

func (c *Coordinator) join(b binding, connectionID, displayName string) error {
	rm := c.registry.Create(b.roomID)
	m := room.Member{
		UserID:       b.userID,
		ConnectionID: connectionID,
		DisplayName:  displayName,
		JoinedAt:     c.now(),
	}
	if err := rm.AddMember(m); err != nil {
		if rm.IsEmpty() {
			c.registry.Destroy(rm.ID)
		}
		return fmt.Errorf("join %s: %w", b.roomID, err)
	}
	c.states[b] = Attached{ConnectionID: connectionID}
	c.connections[connectionID] = b

	c.sendSnapshot(rm, connectionID)
	c.notify(rm, b.userID, protocol.EventMemberJoined, m)

	c.logger.Info("member joined",
		"room_id", rm.ID,
		"user_id", b.userID,
		"connection_id", connectionID,
		"members", rm.Len())
	return nil
}

func (c *Coordinator) reconnect(rm *room.Room, b binding, connectionID, displayName string) error {
	prev, ok := c.states[b].(Attached)
	if !ok {
		return fmt.Errorf("reconnect %s/%s: member has no attached connection", b.roomID, b.userID)
	}
	c.states[b] = Reconnecting{From: prev.ConnectionID, To: connectionID}

	old, err := rm.SwapConnection(b.userID, connectionID, displayName)
	if err != nil {
		c.states[b] = prev
		return fmt.Errorf("reconnect %s/%s: %w", b.roomID, b.userID, err)
	}
	delete(c.connections, old)
	c.out.Terminate(old)

	c.states[b] = Attached{ConnectionID: connectionID}
	c.connections[connectionID] = b

	m, _ := rm.Member(b.userID)
	c.sendSnapshot(rm, connectionID)
	c.notify(rm, b.userID, protocol.EventMemberReconnected, m)

	c.logger.Info("member reconnected",
		"room_id", rm.ID,
		"user_id", b.userID,
		"old_connection_id", old,
		"connection_id", connectionID)
	return nil
}

// Leave handles a departure observed on connectionID: an explicit
// leave-room or a clean transport close. It reports whether a member was
// removed; connections retired by a reconnect own no member and are
// ignored.
func (c *Coordinator) Leave(connectionID string) bool {
	b, ok := c.connections[connectionID]
	if !ok {
		return false
	}
	return c.depart(b, "leave")
}

// ForceDepart removes userID from roomID without a request from the
// member's connection. The reaper uses it for dead transports.
func (c *Coordinator) ForceDepart(roomID, userID string) bool {
	b := binding{roomID, userID}
	if _, ok := c.states[b]; !ok {
		return false
	}
	return c.depart(b, "reaped")
}

func (c *Coordinator) depart(b binding, reason string) bool {
	delete(c.states, b)
	rm, ok := c.registry.Get(b.roomID)
	if !ok {
		return false
	}
	m, ok := rm.RemoveMember(b.userID)
	if !ok {
		return false
	}
	delete(c.connections, m.ConnectionID)

	c.logger.Info("member left",
		"room_id", rm.ID,
		"user_id", m.UserID,
		"connection_id", m.ConnectionID,
		"reason", reason,
		"members", rm.Len())

	if rm.IsEmpty() {
		c.registry.Destroy(rm.ID)
		c.logger.Info("room destroyed", "room_id", rm.ID)
		return true
	}
	c.notify(rm, "", protocol.EventMemberLeft, m)
	return true
}

func (c *Coordinator) sendSnapshot(rm *room.Room, connectionID string) {
	if rm == nil {
		return
	}
	if err := protocol.Deliver(c.out, []string{connectionID}, protocol.EventRoomJoined, Snapshot(rm)); err != nil {
		c.logger.Error("encode snapshot", "room_id", rm.ID, "error", err)
	}
}

func (c *Coordinator) notify(rm *room.Room, exceptUserID string, t protocol.EventType, m room.Member) {
	payload := protocol.MemberEvent{
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		MemberCount: rm.Len(),
		JoinedAt:    m.JoinedAt,
	}
	if err := protocol.Deliver(c.out, rm.ConnectionIDs(exceptUserID), t, payload); err != nil {
		c.logger.Error("encode member event", "room_id", rm.ID, "event", t, "error", err)
	}
}

// Snapshot builds the room-joined payload for rm.
func Snapshot(rm *room.Room) protocol.RoomJoined {
	members := rm.Members()
	infos := make([]protocol.MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, protocol.MemberInfo{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			JoinedAt:    m.JoinedAt,
		})
	}
	return protocol.RoomJoined{
		RoomID:  rm.ID,
		Members: infos,
		Tree:    rm.Tree.Root(),
		Chat:    rm.Chat.Messages(),
	}
}
