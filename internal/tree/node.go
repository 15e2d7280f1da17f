package tree

import (
	"errors"

	"github.com/oklog/ulid/v2"
)

// RootID is the id of the folder every tree hangs from. A node whose
// ParentID is RootID sits at the top level.
const RootID = "root"

// Kind tells files and folders apart.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

var (
	ErrNodeNotFound   = errors.New("tree: node not found")
	ErrParentNotFound = errors.New("tree: parent not found")
	ErrNotFolder      = errors.New("tree: parent is not a folder")
	ErrNotFile        = errors.New("tree: node is not a file")
	ErrDuplicateID    = errors.New("tree: node id already exists")
	ErrRootImmutable  = errors.New("tree: root cannot be modified")
	ErrInvalidNode    = errors.New("tree: invalid node")
)

// Node is a file or a folder. Once a node is reachable from a Tree it is
// never written again: updates allocate a replacement node plus fresh
// copies of its ancestors, so untouched subtrees keep their identity.
type Node struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Kind     Kind    `json:"kind"`
	ParentID string  `json:"parentId,omitempty"`
	Content  string  `json:"content,omitempty"`
	Language string  `json:"language,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// NewID returns a fresh node id. ULIDs sort by creation time and carry
// enough randomness that ids are never reused within a room.
func NewID() string {
	return ulid.Make().String()
}

func (n *Node) IsFolder() bool {
	return n != nil && n.Kind == KindFolder
}

// Validate checks the fields a node needs before it can be inserted.
func (n *Node) Validate() error {
	switch {
	case n == nil:
		return ErrInvalidNode
	case n.ID == "" || n.ID == RootID:
		return ErrInvalidNode
	case n.Name == "":
		return ErrInvalidNode
	case n.Kind != KindFile && n.Kind != KindFolder:
		return ErrInvalidNode
	}
	return nil
}

// clone copies n shallowly. The Children slice is shared until a caller
// swaps it for a new one.
func (n *Node) clone() *Node {
	c := *n
	return &c
}

// child returns the direct child of n with the given id.
func (n *Node) child(id string) *Node {
	for _, c := range n.Children {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// replaceChild returns a copy of children with the entry for id swapped
// for repl, or dropped when repl is nil.
func replaceChild(children []*Node, id string, repl *Node) []*Node {
	out := make([]*Node, 0, len(children))
	for _, c := range children {
		if c.ID != id {
			out = append(out, c)
			continue
		}
		if repl != nil {
			out = append(out, repl)
		}
	}
	return out
}
