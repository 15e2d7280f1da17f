// Package projector folds room events into a client's local copy of the
// shared tree, chat and roster.
//
// A projector applies optimistic local edits immediately and then receives
// the server's echo of them. Creates are idempotent by node id and content
// updates authored by the local user are skipped, so an echo never
// clobbers keystrokes made after the edit was sent. Unchanged subtrees keep
// their pointer identity across updates, which renderers use for change
// detection.
package projector

import (
	"errors"
	"fmt"
	"sort"

	"collabtext/internal/chat"
	"collabtext/internal/protocol"
	"collabtext/internal/tree"
)

var (
	// ErrRejected is returned when the server refuses the join.
	ErrRejected = errors.New("projector: join rejected")
	// ErrServer is returned for error events the server sends after a
	// bad request.
	ErrServer = errors.New("projector: server reported an error")
)

// Projector is the local state of one client. It is not safe for
// concurrent use.
type Projector struct {
	self    string
	roomID  string
	joined  bool
	tree    *tree.Tree
	chat    *chat.Log
	members []protocol.MemberInfo
	typing  map[string]bool
	newID   func() string
}

// New returns an empty projector for the client identified by selfUserID.
func New(selfUserID string) *Projector {
	return &Projector{
		self:   selfUserID,
		tree:   tree.New(),
		chat:   chat.NewLog(chat.DefaultCapacity),
		typing: make(map[string]bool),
		newID:  tree.NewID,
	}
}

func (p *Projector) Self() string   { return p.self }
func (p *Projector) RoomID() string { return p.roomID }

// Joined reports whether a room snapshot has been received.
func (p *Projector) Joined() bool { return p.joined }

// Root returns the current tree root.
func (p *Projector) Root() *tree.Node { return p.tree.Root() }

// Len returns the number of nodes below the root.
func (p *Projector) Len() int { return p.tree.Len() }

// Node returns the local copy of a node.
func (p *Projector) Node(id string) (*tree.Node, bool) { return p.tree.Get(id) }

// Chat returns the local chat history, oldest first.
func (p *Projector) Chat() []chat.Message { return p.chat.Messages() }

// Members returns the roster in join order.
func (p *Projector) Members() []protocol.MemberInfo {
	out := make([]protocol.MemberInfo, len(p.members))
	copy(out, p.members)
	return out
}

// Typing returns the users currently typing, sorted.
func (p *Projector) Typing() []string {
	out := make([]string, 0, len(p.typing))
	for id := range p.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply folds one server event into the local state and reports whether
// anything changed.
func (p *Projector) Apply(env protocol.Envelope) (bool, error) {
	switch env.Type {
	case protocol.EventRoomJoined:
		return p.replace(env)
	case protocol.EventRoomFull, protocol.EventRoomNotFound:
		return false, fmt.Errorf("%w: %s", ErrRejected, rejectionMessage(env))
	case protocol.EventError:
		return false, fmt.Errorf("%w: %s", ErrServer, rejectionMessage(env))
	case protocol.EventMemberJoined, protocol.EventMemberReconnected:
		return p.upsertMember(env)
	case protocol.EventMemberLeft:
		return p.removeMember(env)
	case protocol.EventNodeCreated:
		return p.create(env)
	case protocol.EventNodeDeleted:
		return p.remove(env)
	case protocol.EventNodeRenamed:
		return p.rename(env)
	case protocol.EventNodeContentUpdated:
		return p.updateContent(env)
	case protocol.EventChatAppend:
		return p.appendChat(env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		return p.setTyping(env)
	default:
		return false, fmt.Errorf("%w: unsupported event %q", protocol.ErrMalformedEvent, env.Type)
	}
}

func (p *Projector) replace(env protocol.Envelope) (bool, error) {
	var snap protocol.RoomJoined
	if err := env.Bind(&snap); err != nil {
		return false, err
	}
	t, err := tree.FromSnapshot(snap.Tree)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", protocol.ErrMalformedEvent, env.Type, err)
	}
	log := chat.NewLog(p.chat.Capacity())
	for _, m := range snap.Chat {
		log.Append(m)
	}

	p.roomID = snap.RoomID
	p.joined = true
	p.tree = t
	p.chat = log
	p.members = append([]protocol.MemberInfo(nil), snap.Members...)
	p.typing = make(map[string]bool)
	return true, nil
}

func (p *Projector) upsertMember(env protocol.Envelope) (bool, error) {
	var ev protocol.MemberEvent
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	info := protocol.MemberInfo{UserID: ev.UserID, DisplayName: ev.DisplayName, JoinedAt: ev.JoinedAt}
	for i := range p.members {
		if p.members[i].UserID == ev.UserID {
			cur := p.members[i]
			if cur.DisplayName == info.DisplayName && cur.JoinedAt.Equal(info.JoinedAt) {
				return false, nil
			}
			p.members[i] = info
			return true, nil
		}
	}
	p.members = append(p.members, info)
	return true, nil
}

func (p *Projector) removeMember(env protocol.Envelope) (bool, error) {
	var ev protocol.MemberEvent
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	delete(p.typing, ev.UserID)
	for i := range p.members {
		if p.members[i].UserID == ev.UserID {
			p.members = append(p.members[:i:i], p.members[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (p *Projector) create(env protocol.Envelope) (bool, error) {
	var ev protocol.NodeCreated
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	if ev.Node.ID == "" || p.tree.Contains(ev.Node.ID) {
		return false, nil
	}
	// The server broadcasts creates it could not apply; they fail here too.
	if _, err := p.tree.Insert(ev.ParentID, ev.Node); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Projector) remove(env protocol.Envelope) (bool, error) {
	var ev protocol.NodeDeleted
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	if _, err := p.tree.Remove(ev.NodeID, ev.ParentID); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Projector) rename(env protocol.Envelope) (bool, error) {
	var ev protocol.NodeRenamed
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	n, ok := p.tree.Get(ev.NodeID)
	if !ok || n.Name == ev.Name {
		return false, nil
	}
	if _, err := p.tree.Rename(ev.NodeID, ev.Name); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Projector) updateContent(env protocol.Envelope) (bool, error) {
	var ev protocol.NodeContentUpdated
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	if ev.AuthorUserID == p.self {
		return false, nil
	}
	n, ok := p.tree.Get(ev.NodeID)
	if !ok {
		return false, nil
	}
	if n.Content == ev.Content && (ev.Language == nil || *ev.Language == n.Language) {
		return false, nil
	}
	if _, err := p.tree.SetContent(ev.NodeID, ev.Content, ev.Language); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Projector) appendChat(env protocol.Envelope) (bool, error) {
	var ev protocol.ChatAppend
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	if ev.ID == "" {
		return false, fmt.Errorf("%w: %s: missing id", protocol.ErrMalformedEvent, env.Type)
	}
	if p.chat.Contains(ev.ID) {
		return false, nil
	}
	p.chat.Append(ev.Message())
	return true, nil
}

func (p *Projector) setTyping(env protocol.Envelope) (bool, error) {
	var ev protocol.Typing
	if err := env.Bind(&ev); err != nil {
		return false, err
	}
	if ev.UserID == "" || ev.UserID == p.self {
		return false, nil
	}
	start := env.Type == protocol.EventTypingStart
	if p.typing[ev.UserID] == start {
		return false, nil
	}
	if start {
		p.typing[ev.UserID] = true
	} else {
		delete(p.typing, ev.UserID)
	}
	return true, nil
}

func rejectionMessage(env protocol.Envelope) string {
	var r protocol.Rejection
	if err := env.Bind(&r); err != nil || r.Message == "" {
		return string(env.Type)
	}
	return r.Message
}
