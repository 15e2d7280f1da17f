package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/chat"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
	"collabtext/internal/store"
	"collabtext/internal/tree"
)

// Submitter takes documents for fire-and-forget persistence.
type Submitter interface {
	Submit(doc store.Document) bool
}

// Outcome describes what a handled event did to the room.
type Outcome int

const (
	// Applied means the room state changed.
	Applied Outcome = iota + 1
	// Ignored means the event was valid but could not be applied; it was
	// still broadcast.
	Ignored
	// Relayed means the event carries no room state (typing).
	Relayed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Relayed:
		return "relayed"
	default:
		return "rejected"
	}
}

// Protocol applies mutations from attached members to their room and fans
// the resulting events out. Mutation events go to every member, the
// author included; clients drop their own echoes. Typing events go to
// everybody else.
//
// Protocol runs on the hub event loop and is not safe for concurrent use.
type Protocol struct {
	out    protocol.Outbox
	sink   Submitter
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New returns a protocol delivering through out. sink may be nil.
func New(out protocol.Outbox, sink Submitter, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		out:    out,
		sink:   sink,
		logger: logger.With("component", "broadcast"),
		now:    time.Now,
		newID:  tree.NewID,
	}
}

// Handle processes one event sent by author in rm. Malformed events return
// an error wrapping protocol.ErrMalformedEvent and are not broadcast.
func (p *Protocol) Handle(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	switch env.Type {
	case protocol.EventNodeCreated:
		return p.create(rm, author, env)
	case protocol.EventNodeDeleted:
		return p.remove(rm, author, env)
	case protocol.EventNodeRenamed:
		return p.rename(rm, author, env)
	case protocol.EventNodeContentUpdated:
		return p.updateContent(rm, author, env)
	case protocol.EventChatAppend:
		return p.appendChat(rm, author, env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		return Relayed, p.deliver(rm.ConnectionIDs(author.UserID), env.Type, protocol.Typing{UserID: author.UserID})
	default:
		return 0, fmt.Errorf("%w: unsupported event %q", protocol.ErrMalformedEvent, env.Type)
	}
}

func (p *Protocol) create(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	var req protocol.NodeCreated
	if err := env.Bind(&req); err != nil {
		return 0, err
	}
	node := *req.Node
	if node.ID == "" {
		node.ID = p.newID()
	}

	outcome := Applied
	stored, err := rm.Tree.Insert(req.ParentID, &node)
	if err != nil {
		p.ignored(rm, author, env.Type, node.ID, err)
		outcome = Ignored
		node.ParentID = req.ParentID
		node.Children = nil
		stored = &node
	} else if stored.Kind == tree.KindFile {
		p.persist(rm, author, stored, false)
	}

	req.Node = stored
	req.AuthorUserID = author.UserID
	return outcome, p.broadcast(rm, env.Type, req)
}

func (p *Protocol) remove(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	var req protocol.NodeDeleted
	if err := env.Bind(&req); err != nil {
		return 0, err
	}

	outcome := Applied
	removed, err := rm.Tree.Remove(req.NodeID, req.ParentID)
	if err != nil {
		p.ignored(rm, author, env.Type, req.NodeID, err)
		outcome = Ignored
	} else {
		p.persistRemoval(rm, author, removed)
	}

	req.AuthorUserID = author.UserID
	return outcome, p.broadcast(rm, env.Type, req)
}

func (p *Protocol) rename(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	var req protocol.NodeRenamed
	if err := env.Bind(&req); err != nil {
		return 0, err
	}

	outcome := Applied
	renamed, err := rm.Tree.Rename(req.NodeID, req.Name)
	if err != nil {
		p.ignored(rm, author, env.Type, req.NodeID, err)
		outcome = Ignored
	} else if renamed.Kind == tree.KindFile {
		p.persist(rm, author, renamed, false)
	}

	req.AuthorUserID = author.UserID
	return outcome, p.broadcast(rm, env.Type, req)
}

// updateContent overwrites the file content with whatever arrived last.
// Two members typing into the same file simply take turns overwriting
// each other.
func (p *Protocol) updateContent(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	var req protocol.NodeContentUpdated
	if err := env.Bind(&req); err != nil {
		return 0, err
	}

	outcome := Applied
	updated, err := rm.Tree.SetContent(req.NodeID, req.Content, req.Language)
	if err != nil {
		p.ignored(rm, author, env.Type, req.NodeID, err)
		outcome = Ignored
	} else {
		p.persist(rm, author, updated, false)
	}

	req.AuthorUserID = author.UserID
	return outcome, p.broadcast(rm, env.Type, req)
}

func (p *Protocol) appendChat(rm *room.Room, author room.Member, env protocol.Envelope) (Outcome, error) {
	var req protocol.ChatAppend
	if err := env.Bind(&req); err != nil {
		return 0, err
	}
	msg := chat.Message{
		ID:          p.newID(),
		UserID:      author.UserID,
		DisplayName: author.DisplayName,
		Text:        req.Text,
		SentAt:      p.now().UTC(),
	}
	if dropped := rm.Chat.Append(msg); dropped > 0 {
		p.logger.Debug("chat history trimmed", "room_id", rm.ID, "dropped", dropped)
	}

	return Applied, p.broadcast(rm, env.Type, protocol.ChatAppend{
		ID:           msg.ID,
		Text:         msg.Text,
		AuthorUserID: msg.UserID,
		DisplayName:  msg.DisplayName,
		SentAt:       msg.SentAt,
	})
}

func (p *Protocol) broadcast(rm *room.Room, t protocol.EventType, payload any) error {
	return p.deliver(rm.ConnectionIDs(""), t, payload)
}

func (p *Protocol) deliver(connectionIDs []string, t protocol.EventType, payload any) error {
	if err := protocol.Deliver(p.out, connectionIDs, t, payload); err != nil {
		return fmt.Errorf("broadcast %s: %w", t, err)
	}
	return nil
}

func (p *Protocol) ignored(rm *room.Room, author room.Member, t protocol.EventType, nodeID string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, tree.ErrDuplicateID) {
		level = slog.LevelDebug
	}
	p.logger.Log(context.Background(), level, "mutation ignored",
		"room_id", rm.ID,
		"user_id", author.UserID,
		"event", t,
		"node_id", nodeID,
		"error", err)
}

func (p *Protocol) persist(rm *room.Room, author room.Member, n *tree.Node, deleted bool) {
	if p.sink == nil {
		return
	}
	p.sink.Submit(store.Document{
		RoomID:       rm.ID,
		NodeID:       n.ID,
		Name:         n.Name,
		Language:     n.Language,
		Content:      n.Content,
		AuthorUserID: author.UserID,
		Deleted:      deleted,
		UpdatedAt:    p.now().UTC(),
	})
}

func (p *Protocol) persistRemoval(rm *room.Room, author room.Member, removed *tree.Node) {
	if p.sink == nil {
		return
	}
	var walk func(n *tree.Node)
	walk = func(n *tree.Node) {
		if n.Kind == tree.KindFile {
			p.persist(rm, author, n, true)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(removed)
}
