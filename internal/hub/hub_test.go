package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabtext/internal/protocol"
	"collabtext/internal/reaper"
	"collabtext/internal/room"
	"collabtext/internal/store"
	"collabtext/internal/tree"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type fakeDirectory struct{}

func (fakeDirectory) Exists(_ context.Context, roomID string) (bool, error) {
	switch roomID {
	case "broken":
		return false, errors.New("directory down")
	case "nope":
		return false, nil
	}
	return true, nil
}

func startHub(t *testing.T, cfg Config, dir store.Directory) (*Hub, string) {
	t.Helper()
	h := New(cfg, room.NewMemoryRegistry(0), nil, dir, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type peer struct {
	conn   *websocket.Conn
	frames chan protocol.Envelope
}

// dial connects a test client. A silent client never answers pings, like
// a peer whose network went away without closing the socket.
func dial(t *testing.T, url string, silent bool) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if silent {
		conn.SetPingHandler(func(string) error { return nil })
	}

	p := &peer{conn: conn, frames: make(chan protocol.Envelope, 512)}
	go func() {
		defer close(p.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				return
			}
			p.frames <- env
		}
	}()
	return p
}

func (p *peer) send(t *testing.T, typ protocol.EventType, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *peer) join(t *testing.T, roomID, userID string) protocol.RoomJoined {
	t.Helper()
	p.send(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserID: userID, DisplayName: "name-" + userID})
	var snap protocol.RoomJoined
	p.await(t, protocol.EventRoomJoined, &snap)
	return snap
}

// await skips frames until one of type typ arrives and decodes it into v.
func (p *peer) await(t *testing.T, typ protocol.EventType, v any) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case env, ok := <-p.frames:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if env.Type != typ {
				continue
			}
			if v != nil {
				require.NoError(t, json.Unmarshal(env.Payload, v))
			}
			return
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+string(typ))
		}
	}
}

func (p *peer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-p.frames:
		require.True(t, ok, "connection closed")
		return env
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting for a frame")
	}
	return protocol.Envelope{}
}

func (p *peer) awaitClosed(t *testing.T) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-timeout:
			require.FailNow(t, "connection was not closed")
		}
	}
}

func (p *peer) count(typ protocol.EventType, within time.Duration) int {
	n := 0
	timeout := time.After(within)
	for {
		select {
		case env, ok := <-p.frames:
			if !ok {
				return n
			}
			if env.Type == typ {
				n++
			}
		case <-timeout:
			return n
		}
	}
}

func TestCapacityAndSilentDisconnectIsReaped(t *testing.T) {
	t.Parallel()

	h, url := startHub(t, Config{PingInterval: 25 * time.Millisecond, LivenessWindow: 400 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rp := reaper.New(h.registry, h, h, h, 100*time.Millisecond, nil)
	go rp.Run(ctx, h.Submit)

	a := dial(t, url, true)
	b := dial(t, url, false)
	c := dial(t, url, false)
	d := dial(t, url, false)

	a.join(t, "R1", "A")
	b.join(t, "R1", "B")
	snap := c.join(t, "R1", "C")
	assert.Len(t, snap.Members, 3)

	d.send(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "R1", UserID: "D"})
	var full protocol.Rejection
	d.await(t, protocol.EventRoomFull, &full)
	assert.Equal(t, "room is full", full.Message)

	var left protocol.MemberEvent
	b.await(t, protocol.EventMemberLeft, &left)
	assert.False(t, left.JoinedAt.IsZero())
	left.JoinedAt = time.Time{}
	assert.Equal(t, protocol.MemberEvent{UserID: "A", DisplayName: "name-A", MemberCount: 2}, left)
	c.await(t, protocol.EventMemberLeft, &left)
	assert.Equal(t, "A", left.UserID)
	a.awaitClosed(t)

	assert.Zero(t, b.count(protocol.EventMemberLeft, 300*time.Millisecond), "A is reported gone exactly once")

	st, err := h.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Rooms, 1)
	var users []string
	for _, m := range st.Rooms[0].Members {
		users = append(users, m.UserID)
	}
	assert.Equal(t, []string{"B", "C"}, users)
}

func TestMutationsEchoAndTypingRelay(t *testing.T) {
	t.Parallel()

	_, url := startHub(t, Config{}, nil)
	a := dial(t, url, false)
	b := dial(t, url, false)
	a.join(t, "R1", "A")
	b.join(t, "R1", "B")
	a.await(t, protocol.EventMemberJoined, nil)

	a.send(t, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID, Node: &tree.Node{ID: "f1", Name: "docs", Kind: tree.KindFolder}})
	a.send(t, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: "f1", Node: &tree.Node{ID: "n1", Name: "readme.md", Kind: tree.KindFile}})

	for _, p := range []*peer{a, b} {
		var created protocol.NodeCreated
		p.await(t, protocol.EventNodeCreated, &created)
		assert.Equal(t, "f1", created.Node.ID)
		p.await(t, protocol.EventNodeCreated, &created)
		assert.Equal(t, "n1", created.Node.ID)
		assert.Equal(t, "f1", created.Node.ParentID)
		assert.Equal(t, "A", created.AuthorUserID)
	}

	a.send(t, protocol.EventTypingStart, protocol.Typing{})
	a.send(t, protocol.EventChatAppend, protocol.ChatAppend{Text: "hello"})

	assert.Equal(t, protocol.EventTypingStart, b.next(t).Type)
	assert.Equal(t, protocol.EventChatAppend, b.next(t).Type)
	assert.Equal(t, protocol.EventChatAppend, a.next(t).Type, "typing is not echoed to its sender")
}

func TestReconnectClosesPreviousConnection(t *testing.T) {
	t.Parallel()

	h, url := startHub(t, Config{}, nil)
	a1 := dial(t, url, false)
	b := dial(t, url, false)
	a1.join(t, "R1", "A")
	b.join(t, "R1", "B")
	a1.send(t, protocol.EventChatAppend, protocol.ChatAppend{Text: "before"})
	b.await(t, protocol.EventChatAppend, nil)

	a2 := dial(t, url, false)
	snap := a2.join(t, "R1", "A")
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, "before", snap.Chat[0].Text)
	assert.Len(t, snap.Members, 2)

	var ev protocol.MemberEvent
	b.await(t, protocol.EventMemberReconnected, &ev)
	assert.True(t, snap.Members[0].JoinedAt.Equal(ev.JoinedAt), "a reconnect keeps the original join time")
	ev.JoinedAt = time.Time{}
	assert.Equal(t, protocol.MemberEvent{UserID: "A", DisplayName: "name-A", MemberCount: 2}, ev)
	a1.awaitClosed(t)

	assert.Zero(t, b.count(protocol.EventMemberLeft, 200*time.Millisecond))
	snapNow, found, err := h.Room(context.Background(), "R1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, snapNow.Members, 2)
}

func TestRejectionsGoToRequesterOnly(t *testing.T) {
	t.Parallel()

	_, url := startHub(t, Config{}, fakeDirectory{})
	p := dial(t, url, false)

	p.send(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "nope", UserID: "A"})
	assert.Equal(t, protocol.EventRoomNotFound, p.next(t).Type)

	p.send(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "broken", UserID: "A"})
	assert.Equal(t, protocol.EventError, p.next(t).Type)

	p.send(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "R1"})
	var rej protocol.Rejection
	env := p.next(t)
	require.Equal(t, protocol.EventError, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &rej))
	assert.Equal(t, "authentication failed", rej.Message)

	p.send(t, protocol.EventNodeRenamed, protocol.NodeRenamed{NodeID: "n1", Name: "x"})
	env = p.next(t)
	require.Equal(t, protocol.EventError, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &rej))
	assert.Equal(t, "join a room first", rej.Message)

	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	assert.Equal(t, protocol.EventError, p.next(t).Type)

	p.join(t, "R1", "A")
	p.send(t, protocol.EventNodeCreated, protocol.NodeCreated{ParentID: tree.RootID})
	assert.Equal(t, protocol.EventError, p.next(t).Type, "malformed mutations are answered, not broadcast")
}

func TestDepartureAndRoomDestruction(t *testing.T) {
	t.Parallel()

	h, url := startHub(t, Config{}, nil)
	a := dial(t, url, false)
	b := dial(t, url, false)
	c := dial(t, url, false)
	a.join(t, "R1", "A")
	b.join(t, "R1", "B")
	c.join(t, "R2", "C")

	a.send(t, protocol.EventLeaveRoom, nil)
	var left protocol.MemberEvent
	b.await(t, protocol.EventMemberLeft, &left)
	assert.Equal(t, "A", left.UserID)

	require.NoError(t, b.conn.Close())
	assert.Eventually(t, func() bool {
		st, err := h.Stats(context.Background())
		return err == nil && len(st.Rooms) == 1 && st.Rooms[0].RoomID == "R2"
	}, waitFor, 10*time.Millisecond)

	_, found, err := h.Room(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSendOverflowClosesClient(t *testing.T) {
	t.Parallel()

	h := New(Config{SendBuffer: 1}, room.NewMemoryRegistry(0), nil, nil, nil, nil)
	c := &Client{id: "c1", hub: h, send: make(chan []byte, 1)}
	c.touch()
	h.clients[c.id] = c

	assert.True(t, h.Alive("c1"))
	h.Send("c1", []byte("one"))
	h.Send("c1", []byte("two"))

	assert.False(t, h.Alive("c1"))
	assert.True(t, c.closed.Load())
	_, ok := h.clients["c1"]
	assert.False(t, ok)
	assert.Equal(t, "one", string(<-c.send))
	_, open := <-c.send
	assert.False(t, open)
}

func TestAliveHonoursLivenessWindow(t *testing.T) {
	t.Parallel()

	h := New(Config{LivenessWindow: time.Minute}, room.NewMemoryRegistry(0), nil, nil, nil, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	c := &Client{id: "c1", hub: h, send: make(chan []byte, 1)}
	c.touch()
	h.clients[c.id] = c

	now = now.Add(59 * time.Second)
	assert.True(t, h.Alive("c1"))
	now = now.Add(time.Second)
	assert.False(t, h.Alive("c1"))
	assert.False(t, h.Alive("unknown"))
}

func TestQueriesAfterStop(t *testing.T) {
	t.Parallel()

	h := New(Config{}, room.NewMemoryRegistry(0), nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	_, err := h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	h.Submit(func() { t.Error("must not run after stop") })
}
