package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"collabtext/internal/protocol"
	"collabtext/internal/protocol/protocoltest"
	"collabtext/internal/room"
	"collabtext/internal/store"
	"collabtext/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	docs []store.Document
}

func (s *recordingSink) Submit(doc store.Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return true
}

type fixture struct {
	rm   *room.Room
	out  *protocoltest.Recorder
	sink *recordingSink
	p    *Protocol
	a, b room.Member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rm := room.NewMemoryRegistry(0).Create("R1")
	a := room.Member{UserID: "A", ConnectionID: "cA", DisplayName: "Ann"}
	b := room.Member{UserID: "B", ConnectionID: "cB", DisplayName: "Bob"}
	require.NoError(t, rm.AddMember(a))
	require.NoError(t, rm.AddMember(b))

	out := protocoltest.NewRecorder()
	sink := &recordingSink{}
	p := New(out, sink, nil)
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	seq := 0
	p.newID = func() string {
		seq++
		return fmt.Sprintf("gen-%d", seq)
	}
	return &fixture{rm: rm, out: out, sink: sink, p: p, a: a, b: b}
}

func envelope(t *testing.T, typ protocol.EventType, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func (f *fixture) handle(t *testing.T, author room.Member, typ protocol.EventType, payload any) Outcome {
	t.Helper()
	outcome, err := f.p.Handle(f.rm, author, envelope(t, typ, payload))
	require.NoError(t, err)
	return outcome
}

func TestCreateFolderThenFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, Applied, f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: tree.RootID,
		Node:     &tree.Node{ID: "f1", Name: "docs", Kind: tree.KindFolder},
	}))
	assert.Equal(t, Applied, f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: "f1",
		Node:     &tree.Node{ID: "n1", Name: "readme.md", Kind: tree.KindFile},
	}))

	n, ok := f.rm.Tree.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "f1", n.ParentID)

	for _, conn := range []string{"cA", "cB"} {
		assert.Equal(t, 2, f.out.Count(conn, protocol.EventNodeCreated), "echoed to %s", conn)
	}
	var last protocol.NodeCreated
	require.True(t, f.out.Last("cB", protocol.EventNodeCreated, &last))
	assert.Equal(t, "f1", last.ParentID)
	assert.Equal(t, "n1", last.Node.ID)
	assert.Equal(t, "f1", last.Node.ParentID)
	assert.Equal(t, "A", last.AuthorUserID)

	require.Len(t, f.sink.docs, 1, "only files reach the sink")
	assert.Equal(t, "n1", f.sink.docs[0].NodeID)
}

func TestCreateAssignsMissingIDAndStampsAuthor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.b, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID:     tree.RootID,
		Node:         &tree.Node{Name: "main.go", Kind: tree.KindFile},
		AuthorUserID: "someone-else",
	})

	var got protocol.NodeCreated
	require.True(t, f.out.Last("cA", protocol.EventNodeCreated, &got))
	assert.Equal(t, "gen-1", got.Node.ID)
	assert.Equal(t, "B", got.AuthorUserID)
	assert.True(t, f.rm.Tree.Contains("gen-1"))
}

func TestCreateUnderMissingOrFileParentIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: tree.RootID,
		Node:     &tree.Node{ID: "n1", Name: "a.txt", Kind: tree.KindFile},
	})
	before := f.rm.Tree.Root()

	assert.Equal(t, Ignored, f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: "n1",
		Node:     &tree.Node{ID: "n2", Name: "b.txt", Kind: tree.KindFile},
	}))
	assert.Equal(t, Ignored, f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: "gone",
		Node:     &tree.Node{ID: "n3", Name: "c.txt", Kind: tree.KindFile},
	}))

	assert.Same(t, before, f.rm.Tree.Root())
	assert.Equal(t, 3, f.out.Count("cB", protocol.EventNodeCreated), "no-ops are still broadcast")
}

func TestDeleteDiscardsSubtree(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID, Node: &tree.Node{ID: "f1", Name: "docs", Kind: tree.KindFolder}})
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: "f1", Node: &tree.Node{ID: "n1", Name: "a.md", Kind: tree.KindFile}})
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: "f1", Node: &tree.Node{ID: "n2", Name: "b.md", Kind: tree.KindFile}})
	f.sink.docs = nil

	assert.Equal(t, Applied, f.handle(t, f.b, protocol.EventNodeDeleted, protocol.NodeDeleted{NodeID: "f1", ParentID: tree.RootID}))
	assert.Equal(t, 0, f.rm.Tree.Len())

	require.Len(t, f.sink.docs, 2)
	for _, d := range f.sink.docs {
		assert.True(t, d.Deleted)
	}

	var got protocol.NodeDeleted
	require.True(t, f.out.Last("cA", protocol.EventNodeDeleted, &got))
	assert.Equal(t, protocol.NodeDeleted{NodeID: "f1", ParentID: tree.RootID, AuthorUserID: "B"}, got)

	assert.Equal(t, Ignored, f.handle(t, f.b, protocol.EventNodeDeleted, protocol.NodeDeleted{NodeID: "f1", ParentID: tree.RootID}))
}

func TestRename(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID, Node: &tree.Node{ID: "n1", Name: "a.md", Kind: tree.KindFile}})

	assert.Equal(t, Applied, f.handle(t, f.b, protocol.EventNodeRenamed, protocol.NodeRenamed{NodeID: "n1", Name: "b.md"}))
	n, _ := f.rm.Tree.Get("n1")
	assert.Equal(t, "b.md", n.Name)
	assert.Equal(t, Ignored, f.handle(t, f.b, protocol.EventNodeRenamed, protocol.NodeRenamed{NodeID: "zz", Name: "c.md"}))
}

func TestConcurrentContentUpdatesLastSubmittedWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID, Node: &tree.Node{ID: "n1", Name: "main.go", Kind: tree.KindFile}})

	lang := "go"
	f.handle(t, f.a, protocol.EventNodeContentUpdated, protocol.NodeContentUpdated{NodeID: "n1", Content: "from A", Language: &lang})
	f.handle(t, f.b, protocol.EventNodeContentUpdated, protocol.NodeContentUpdated{NodeID: "n1", Content: "from B"})

	n, _ := f.rm.Tree.Get("n1")
	assert.Equal(t, "from B", n.Content, "no merge, the later update overwrites")
	assert.Equal(t, "go", n.Language)

	var got protocol.NodeContentUpdated
	require.True(t, f.out.Last("cA", protocol.EventNodeContentUpdated, &got))
	assert.Equal(t, "B", got.AuthorUserID)
	assert.Equal(t, "from B", f.sink.docs[len(f.sink.docs)-1].Content)
}

func TestContentUpdateOnFolderIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, f.a, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID, Node: &tree.Node{ID: "f1", Name: "docs", Kind: tree.KindFolder}})
	assert.Equal(t, Ignored, f.handle(t, f.a, protocol.EventNodeContentUpdated, protocol.NodeContentUpdated{NodeID: "f1", Content: "x"}))
	assert.Empty(t, f.sink.docs)
}

func TestMalformedEventsAreNotBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []protocol.Envelope{
		{Type: protocol.EventNodeCreated, Payload: []byte(`{"parentId":"root"}`)},
		{Type: protocol.EventNodeDeleted, Payload: []byte(`{"nodeId":"n1"}`)},
		{Type: protocol.EventNodeRenamed},
		{Type: protocol.EventNodeContentUpdated, Payload: []byte(`{"content":"x"}`)},
		{Type: protocol.EventChatAppend, Payload: []byte(`{"text":""}`)},
		{Type: "node-moved", Payload: []byte(`{}`)},
	}
	for _, env := range tests {
		_, err := f.p.Handle(f.rm, f.a, env)
		assert.ErrorIs(t, err, protocol.ErrMalformedEvent, string(env.Type))
	}
	assert.Empty(t, f.out.Frames("cA"))
	assert.Empty(t, f.out.Frames("cB"))
}

func TestChatAppendIsCappedAndStamped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 105; i++ {
		f.handle(t, f.a, protocol.EventChatAppend, protocol.ChatAppend{Text: fmt.Sprintf("msg %d", i), AuthorUserID: "spoof"})
	}

	msgs := f.rm.Chat.Messages()
	require.Len(t, msgs, 100)
	assert.Equal(t, "msg 5", msgs[0].Text)
	assert.Equal(t, "A", msgs[0].UserID)
	assert.Equal(t, "Ann", msgs[0].DisplayName)

	var got protocol.ChatAppend
	require.True(t, f.out.Last("cB", protocol.EventChatAppend, &got))
	assert.Equal(t, "msg 104", got.Text)
	assert.Equal(t, "A", got.AuthorUserID)
	assert.Equal(t, "gen-105", got.ID)
	assert.Equal(t, 105, f.out.Count("cA", protocol.EventChatAppend))
}

func TestTypingGoesToOthersOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, Relayed, f.handle(t, f.a, protocol.EventTypingStart, protocol.Typing{}))
	f.handle(t, f.a, protocol.EventTypingStop, nil)

	assert.Empty(t, f.out.Frames("cA"))
	assert.Equal(t, []protocol.EventType{protocol.EventTypingStart, protocol.EventTypingStop}, f.out.Types("cB"))
	var got protocol.Typing
	require.True(t, f.out.Last("cB", protocol.EventTypingStart, &got))
	assert.Equal(t, "A", got.UserID)
	assert.Equal(t, 0, f.rm.Chat.Len())
}

func TestNilSinkIsAllowed(t *testing.T) {
	t.Parallel()

	rm := room.NewMemoryRegistry(0).Create("R1")
	a := room.Member{UserID: "A", ConnectionID: "cA"}
	require.NoError(t, rm.AddMember(a))
	p := New(protocoltest.NewRecorder(), nil, nil)

	_, err := p.Handle(rm, a, envelope(t, protocol.EventNodeCreated, protocol.NodeCreated{
		ParentID: tree.RootID,
		Node:     &tree.Node{ID: "n1", Name: "x", Kind: tree.KindFile},
	}))
	assert.NoError(t, err)
}
