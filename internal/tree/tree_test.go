package tree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func folder(id, name string) *Node { return &Node{ID: id, Name: name, Kind: KindFolder} }
func file(id, name string) *Node   { return &Node{ID: id, Name: name, Kind: KindFile} }

func mustInsert(t *testing.T, tr *Tree, parentID string, n *Node) *Node {
	t.Helper()
	out, err := tr.Insert(parentID, n)
	require.NoError(t, err)
	return out
}

func TestInsertBuildsNestedStructure(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("f1", "docs"))
	mustInsert(t, tr, "f1", file("n1", "readme.md"))

	root := tr.Root()
	require.Len(t, root.Children, 1)
	docs := root.Children[0]
	assert.Equal(t, "docs", docs.Name)
	assert.Equal(t, RootID, docs.ParentID)
	require.Len(t, docs.Children, 1)
	assert.Equal(t, "n1", docs.Children[0].ID)
	assert.Equal(t, "f1", docs.Children[0].ParentID)
	assert.Equal(t, 2, tr.Len())

	parent, ok := tr.ParentOf("n1")
	require.True(t, ok)
	assert.Equal(t, "f1", parent)
}

func TestInsertErrors(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, file("n1", "main.go"))

	tests := []struct {
		name    string
		parent  string
		node    *Node
		wantErr error
	}{
		{name: "missing parent", parent: "nope", node: file("n2", "a"), wantErr: ErrParentNotFound},
		{name: "file parent", parent: "n1", node: file("n2", "a"), wantErr: ErrNotFolder},
		{name: "duplicate id", parent: RootID, node: file("n1", "again"), wantErr: ErrDuplicateID},
		{name: "missing name", parent: RootID, node: file("n3", ""), wantErr: ErrInvalidNode},
		{name: "root id", parent: RootID, node: folder(RootID, "x"), wantErr: ErrInvalidNode},
		{name: "bad kind", parent: RootID, node: &Node{ID: "n4", Name: "x", Kind: "link"}, wantErr: ErrInvalidNode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tr.Root()
			_, err := tr.Insert(tc.parent, tc.node)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Same(t, before, tr.Root())
		})
	}
}

func TestInsertDropsClientChildren(t *testing.T) {
	t.Parallel()

	tr := New()
	f := folder("f1", "src")
	f.Children = []*Node{file("sneaky", "x")}
	stored := mustInsert(t, tr, RootID, f)

	assert.Empty(t, stored.Children)
	assert.False(t, tr.Contains("sneaky"))
	assert.Len(t, f.Children, 1, "input node must not be modified")
}

func TestRemoveDiscardsDescendants(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("f1", "docs"))
	mustInsert(t, tr, "f1", folder("f2", "img"))
	mustInsert(t, tr, "f2", file("n1", "logo.png"))
	mustInsert(t, tr, RootID, file("n2", "main.go"))

	removed, err := tr.Remove("f1", RootID)
	require.NoError(t, err)
	assert.Equal(t, "f1", removed.ID)

	assert.False(t, tr.Contains("f1"))
	assert.False(t, tr.Contains("f2"))
	assert.False(t, tr.Contains("n1"))
	assert.True(t, tr.Contains("n2"))
	assert.Equal(t, 1, tr.Len())
	require.Len(t, tr.Root().Children, 1)
	assert.Equal(t, "n2", tr.Root().Children[0].ID)
}

func TestRemoveErrors(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("f1", "docs"))
	mustInsert(t, tr, "f1", file("n1", "a.md"))

	_, err := tr.Remove(RootID, "")
	assert.ErrorIs(t, err, ErrRootImmutable)

	_, err = tr.Remove("ghost", RootID)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = tr.Remove("n1", RootID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.True(t, tr.Contains("n1"))

	_, err = tr.Remove("n1", "")
	assert.NoError(t, err)
}

func TestRenameAndSetContent(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("f1", "docs"))
	mustInsert(t, tr, "f1", file("n1", "a.md"))

	renamed, err := tr.Rename("n1", "b.md")
	require.NoError(t, err)
	assert.Equal(t, "b.md", renamed.Name)

	lang := "markdown"
	_, err = tr.SetContent("n1", "# hi", &lang)
	require.NoError(t, err)
	_, err = tr.SetContent("n1", "# hello", nil)
	require.NoError(t, err)

	n, ok := tr.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "b.md", n.Name)
	assert.Equal(t, "# hello", n.Content)
	assert.Equal(t, "markdown", n.Language)

	_, err = tr.SetContent("f1", "x", nil)
	assert.ErrorIs(t, err, ErrNotFile)
	_, err = tr.Rename("n1", "")
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = tr.Rename(RootID, "top")
	assert.ErrorIs(t, err, ErrRootImmutable)
	_, err = tr.Rename("ghost", "x")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestUpdateCopiesOnlyThePath(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("a", "a"))
	mustInsert(t, tr, "a", folder("b", "b"))
	mustInsert(t, tr, "b", file("leaf", "leaf.txt"))
	mustInsert(t, tr, "b", file("sib1", "sib1.txt"))
	mustInsert(t, tr, "a", folder("sib2", "sib2"))
	mustInsert(t, tr, RootID, folder("sib3", "sib3"))

	before := tr.Root()
	oldA := before.Children[0]
	oldB := oldA.Children[0]
	oldLeaf := oldB.Children[0]
	oldSib1 := oldB.Children[1]
	oldSib2 := oldA.Children[1]
	oldSib3 := before.Children[1]

	_, err := tr.SetContent("leaf", "new", nil)
	require.NoError(t, err)

	after := tr.Root()
	newA := after.Children[0]
	newB := newA.Children[0]

	assert.NotSame(t, before, after)
	assert.NotSame(t, oldA, newA)
	assert.NotSame(t, oldB, newB)
	assert.NotSame(t, oldLeaf, newB.Children[0])

	assert.Same(t, oldSib1, newB.Children[1])
	assert.Same(t, oldSib2, newA.Children[1])
	assert.Same(t, oldSib3, after.Children[1])

	assert.Equal(t, "", oldLeaf.Content, "previous snapshot must stay untouched")
	assert.Equal(t, "new", newB.Children[0].Content)
}

func TestFromSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	tr := New()
	mustInsert(t, tr, RootID, folder("f1", "docs"))
	mustInsert(t, tr, "f1", file("n1", "readme.md"))

	data, err := json.Marshal(tr.Root())
	require.NoError(t, err)

	var root Node
	require.NoError(t, json.Unmarshal(data, &root))
	restored, err := FromSnapshot(&root)
	require.NoError(t, err)

	assert.Equal(t, 2, restored.Len())
	n, ok := restored.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "f1", n.ParentID)
}

func TestFromSnapshotRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := FromSnapshot(folder("top", "top"))
	assert.ErrorIs(t, err, ErrInvalidNode)

	root := folder(RootID, RootID)
	root.Children = []*Node{file("n1", "a"), file("n1", "b")}
	_, err = FromSnapshot(root)
	assert.ErrorIs(t, err, ErrDuplicateID)

	empty, err := FromSnapshot(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestNewIDIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
