package tree

import "fmt"

// Tree is the shared file/folder forest of a room.
//
// Nodes are immutable; every mutation rebuilds the path from the root to
// the touched node and swaps the root pointer. The parents index maps a
// node id to its parent id so ancestry walks do not scan the tree.
//
// A Tree is not safe for concurrent use.
type Tree struct {
	root    *Node
	parents map[string]string
}

// New returns a tree holding only the root folder.
func New() *Tree {
	return &Tree{
		root:    &Node{ID: RootID, Name: RootID, Kind: KindFolder},
		parents: make(map[string]string),
	}
}

// FromSnapshot adopts a decoded snapshot. The nodes must not be shared
// with anything else yet: ParentID fields are normalised to the actual
// structure in place.
func FromSnapshot(root *Node) (*Tree, error) {
	if root == nil {
		return New(), nil
	}
	if root.ID != RootID || root.Kind != KindFolder {
		return nil, fmt.Errorf("%w: snapshot root must be the %q folder", ErrInvalidNode, RootID)
	}
	t := &Tree{root: root, parents: make(map[string]string)}
	root.ParentID = ""

	var index func(n *Node) error
	index = func(n *Node) error {
		for _, c := range n.Children {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("node %q: %w", c.ID, err)
			}
			if _, dup := t.parents[c.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
			}
			c.ParentID = n.ID
			t.parents[c.ID] = n.ID
			if err := index(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := index(root); err != nil {
		return nil, err
	}
	return t, nil
}

// Root returns the current root. The returned value is a snapshot: later
// mutations never change it.
func (t *Tree) Root() *Node {
	return t.root
}

// Len returns the number of nodes below the root.
func (t *Tree) Len() int {
	return len(t.parents)
}

// Contains reports whether id names a node in the tree, root included.
func (t *Tree) Contains(id string) bool {
	if id == RootID {
		return true
	}
	_, ok := t.parents[id]
	return ok
}

// ParentOf returns the parent id of a non-root node.
func (t *Tree) ParentOf(id string) (string, bool) {
	p, ok := t.parents[id]
	return p, ok
}

// Get returns the node with the given id.
func (t *Tree) Get(id string) (*Node, bool) {
	path, err := t.path(id)
	if err != nil {
		return nil, false
	}
	return path[len(path)-1], true
}

// Walk visits every node depth first, root included, until fn returns false.
func (t *Tree) Walk(fn func(n *Node) bool) {
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(t.root)
}

// Insert appends n as the last child of parentID and returns the stored
// node. Children carried by n are dropped; subtrees are built one create
// at a time.
func (t *Tree) Insert(parentID string, n *Node) (*Node, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if t.Contains(n.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	path, err := t.path(parentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	parent := path[len(path)-1]
	if !parent.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrNotFolder, parentID)
	}

	node := n.clone()
	node.ParentID = parentID
	node.Children = nil

	children := make([]*Node, len(parent.Children), len(parent.Children)+1)
	copy(children, parent.Children)
	next := parent.clone()
	next.Children = append(children, node)
	t.root = rebuild(path, next)
	t.parents[node.ID] = parentID
	return node, nil
}

// Remove detaches id from parentID together with all of its descendants
// and returns the removed subtree. An empty parentID skips the parent
// check.
func (t *Tree) Remove(id, parentID string) (*Node, error) {
	if id == RootID {
		return nil, ErrRootImmutable
	}
	actual, ok := t.parents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if parentID != "" && parentID != actual {
		return nil, fmt.Errorf("%w: %s is not a child of %s", ErrNodeNotFound, id, parentID)
	}
	path, err := t.path(actual)
	if err != nil {
		return nil, err
	}
	parent := path[len(path)-1]
	removed := parent.child(id)
	if removed == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	next := parent.clone()
	next.Children = replaceChild(parent.Children, id, nil)
	t.root = rebuild(path, next)

	var forget func(n *Node)
	forget = func(n *Node) {
		delete(t.parents, n.ID)
		for _, c := range n.Children {
			forget(c)
		}
	}
	forget(removed)
	return removed, nil
}

// Rename changes the name of a node in place.
func (t *Tree) Rename(id, name string) (*Node, error) {
	if name == "" {
		return nil, ErrInvalidNode
	}
	return t.update(id, func(n *Node) error {
		n.Name = name
		return nil
	})
}

// SetContent replaces the content of a file. A nil language leaves the
// current language as is. Whatever arrives last wins.
func (t *Tree) SetContent(id, content string, language *string) (*Node, error) {
	return t.update(id, func(n *Node) error {
		if n.Kind != KindFile {
			return fmt.Errorf("%w: %s", ErrNotFile, id)
		}
		n.Content = content
		if language != nil {
			n.Language = *language
		}
		return nil
	})
}

func (t *Tree) update(id string, fn func(n *Node) error) (*Node, error) {
	if id == RootID {
		return nil, ErrRootImmutable
	}
	path, err := t.path(id)
	if err != nil {
		return nil, err
	}
	next := path[len(path)-1].clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	t.root = rebuild(path, next)
	return next, nil
}

// path returns the nodes from the root down to id, both ends included.
func (t *Tree) path(id string) ([]*Node, error) {
	var ids []string
	for cur := id; cur != RootID; {
		parent, ok := t.parents[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		ids = append(ids, cur)
		cur = parent
	}

	path := make([]*Node, 0, len(ids)+1)
	path = append(path, t.root)
	node := t.root
	for i := len(ids) - 1; i >= 0; i-- {
		node = node.child(ids[i])
		if node == nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		path = append(path, node)
	}
	return path, nil
}

// rebuild replaces the last node of path with leaf and copies every
// ancestor so the change is visible from a new root. Siblings off the
// path are shared with the previous root.
func rebuild(path []*Node, leaf *Node) *Node {
	child, old := leaf, path[len(path)-1]
	for i := len(path) - 2; i >= 0; i-- {
		parent := path[i].clone()
		parent.Children = replaceChild(path[i].Children, old.ID, child)
		child, old = parent, path[i]
	}
	return child
}
