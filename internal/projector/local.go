package projector

import (
	"fmt"

	"collabtext/internal/protocol"
	"collabtext/internal/tree"
)

// JoinEnvelope builds the join-room request for this client.
func (p *Projector) JoinEnvelope(roomID, displayName string) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID:      roomID,
		UserID:      p.self,
		DisplayName: displayName,
	})
}

// CreateLocal inserts n under parentID right away and returns the event
// to send. A node without an id gets a fresh one; the server keeps it, so
// the echo is recognised as already applied.
func (p *Projector) CreateLocal(parentID string, n tree.Node) (protocol.Envelope, *tree.Node, error) {
	if n.ID == "" {
		n.ID = p.newID()
	}
	stored, err := p.tree.Insert(parentID, &n)
	if err != nil {
		return protocol.Envelope{}, nil, fmt.Errorf("create %s: %w", n.ID, err)
	}
	env, err := protocol.NewEnvelope(protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID:     parentID,
		Node:         stored,
		AuthorUserID: p.self,
	})
	return env, stored, err
}

// DeleteLocal removes nodeID and its descendants.
func (p *Projector) DeleteLocal(nodeID string) (protocol.Envelope, error) {
	parentID, ok := p.tree.ParentOf(nodeID)
	if !ok {
		return protocol.Envelope{}, fmt.Errorf("delete %s: %w", nodeID, tree.ErrNodeNotFound)
	}
	if _, err := p.tree.Remove(nodeID, parentID); err != nil {
		return protocol.Envelope{}, fmt.Errorf("delete %s: %w", nodeID, err)
	}
	return protocol.NewEnvelope(protocol.EventNodeDeleted, protocol.NodeDeleted{
		NodeID:       nodeID,
		ParentID:     parentID,
		AuthorUserID: p.self,
	})
}

func (p *Projector) RenameLocal(nodeID, name string) (protocol.Envelope, error) {
	if _, err := p.tree.Rename(nodeID, name); err != nil {
		return protocol.Envelope{}, fmt.Errorf("rename %s: %w", nodeID, err)
	}
	return protocol.NewEnvelope(protocol.EventNodeRenamed, protocol.NodeRenamed{
		NodeID:       nodeID,
		Name:         name,
		AuthorUserID: p.self,
	})
}

// UpdateContentLocal replaces the content of a file. A nil language keeps
// the current one.
func (p *Projector) UpdateContentLocal(nodeID, content string, language *string) (protocol.Envelope, error) {
	if _, err := p.tree.SetContent(nodeID, content, language); err != nil {
		return protocol.Envelope{}, fmt.Errorf("update %s: %w", nodeID, err)
	}
	return protocol.NewEnvelope(protocol.EventNodeContentUpdated, protocol.NodeContentUpdated{
		NodeID:       nodeID,
		Content:      content,
		Language:     language,
		AuthorUserID: p.self,
	})
}

// ChatEnvelope builds a chat-append request. Chat is not applied locally:
// the server assigns the id and the echo adds the message.
func (p *Projector) ChatEnvelope(text string) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.EventChatAppend, protocol.ChatAppend{Text: text})
}

// TypingEnvelope builds typing-start or typing-stop.
func (p *Projector) TypingEnvelope(typing bool) (protocol.Envelope, error) {
	t := protocol.EventTypingStop
	if typing {
		t = protocol.EventTypingStart
	}
	return protocol.NewEnvelope(t, protocol.Typing{UserID: p.self})
}
