package protocol

import (
	"fmt"
	"time"

	"collabtext/internal/chat"
	"collabtext/internal/tree"
)

// JoinRoom asks to attach the sending connection to a room.
type JoinRoom struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (p JoinRoom) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrAuthentication)
	}
	if p.RoomID == "" {
		return missing(EventJoinRoom, "roomId")
	}
	return nil
}

// MemberInfo is the public view of a member.
type MemberInfo struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// RoomJoined is the full state transfer sent to a connection that has
// just attached or reattached.
type RoomJoined struct {
	RoomID  string         `json:"roomId"`
	Members []MemberInfo   `json:"members"`
	Tree    *tree.Node     `json:"tree"`
	Chat    []chat.Message `json:"chat"`
}

func (p RoomJoined) Validate() error {
	if p.RoomID == "" {
		return missing(EventRoomJoined, "roomId")
	}
	return nil
}

// MemberEvent announces member-joined, member-reconnected and member-left.
// JoinedAt is when the member first took its slot; a reconnect keeps it.
type MemberEvent struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	MemberCount int       `json:"memberCount"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func (p MemberEvent) Validate() error {
	if p.UserID == "" {
		return missing("member event", "userId")
	}
	return nil
}

// Rejection carries the reason for room-full, room-not-found and error.
type Rejection struct {
	Message string `json:"message"`
}

// NodeCreated appends Node under ParentID.
type NodeCreated struct {
	ParentID     string     `json:"parentId"`
	Node         *tree.Node `json:"node"`
	AuthorUserID string     `json:"authorUserId,omitempty"`
}

func (p NodeCreated) Validate() error {
	switch {
	case p.ParentID == "":
		return missing(EventNodeCreated, "parentId")
	case p.Node == nil:
		return missing(EventNodeCreated, "node")
	case p.Node.Name == "":
		return missing(EventNodeCreated, "node.name")
	case p.Node.Kind != tree.KindFile && p.Node.Kind != tree.KindFolder:
		return fmt.Errorf("%w: %s: unknown node kind %q", ErrMalformedEvent, EventNodeCreated, p.Node.Kind)
	}
	return nil
}

// NodeDeleted removes NodeID, and everything below it, from ParentID.
type NodeDeleted struct {
	NodeID       string `json:"nodeId"`
	ParentID     string `json:"parentId"`
	AuthorUserID string `json:"authorUserId,omitempty"`
}

func (p NodeDeleted) Validate() error {
	if p.NodeID == "" {
		return missing(EventNodeDeleted, "nodeId")
	}
	if p.ParentID == "" {
		return missing(EventNodeDeleted, "parentId")
	}
	return nil
}

// NodeRenamed renames NodeID.
type NodeRenamed struct {
	NodeID       string `json:"nodeId"`
	Name         string `json:"name"`
	AuthorUserID string `json:"authorUserId,omitempty"`
}

func (p NodeRenamed) Validate() error {
	if p.NodeID == "" {
		return missing(EventNodeRenamed, "nodeId")
	}
	if p.Name == "" {
		return missing(EventNodeRenamed, "name")
	}
	return nil
}

// NodeContentUpdated replaces the content of a file. A nil Language keeps
// the current one.
type NodeContentUpdated struct {
	NodeID       string  `json:"nodeId"`
	Content      string  `json:"content"`
	Language     *string `json:"language,omitempty"`
	AuthorUserID string  `json:"authorUserId,omitempty"`
}

func (p NodeContentUpdated) Validate() error {
	if p.NodeID == "" {
		return missing(EventNodeContentUpdated, "nodeId")
	}
	return nil
}

// ChatAppend is a chat line. Clients send only Text; the server fills in
// the rest before broadcasting.
type ChatAppend struct {
	ID           string    `json:"id,omitempty"`
	Text         string    `json:"text"`
	AuthorUserID string    `json:"authorUserId,omitempty"`
	DisplayName  string    `json:"displayName,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

func (p ChatAppend) Validate() error {
	if p.Text == "" {
		return missing(EventChatAppend, "text")
	}
	return nil
}

// Message converts a broadcast chat-append into a chat log entry.
func (p ChatAppend) Message() chat.Message {
	return chat.Message{
		ID:          p.ID,
		UserID:      p.AuthorUserID,
		DisplayName: p.DisplayName,
		Text:        p.Text,
		SentAt:      p.SentAt,
	}
}

// Typing is the typing-start / typing-stop payload. The server stamps
// UserID.
type Typing struct {
	UserID string `json:"userId"`
}

func missing(what any, field string) error {
	return fmt.Errorf("%w: %v: missing %s", ErrMalformedEvent, what, field)
}
