// Package hub runs the room engine on a single event loop and connects it
// to websocket clients.
//
// Every registration, disconnect, inbound event, reaper sweep and stats
// query is handled to completion by Run before the next one starts, so the
// registry, the presence coordinator and the broadcast protocol need no
// locks. Each client has a read pump and a write pump; the loop only ever
// hands frames to a client's bounded send buffer and never waits on it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/broadcast"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
	"collabtext/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var ErrStopped = errors.New("hub: stopped")

// Config tunes connection handling. Zero fields take defaults.
type Config struct {
	RoomCapacity   int
	SendBuffer     int
	PingInterval   time.Duration
	LivenessWindow time.Duration
	WriteWait      time.Duration
	LookupTimeout  time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.RoomCapacity <= 0 {
		c.RoomCapacity = room.DefaultCapacity
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 3 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

type inbound struct {
	client *Client
	env    protocol.Envelope
	// err is a decode or room lookup failure found on the read pump.
	err error
}

// Hub owns the rooms and the set of connected clients.
type Hub struct {
	cfg         Config
	registry    room.Registry
	coordinator *presence.Coordinator
	protocol    *broadcast.Protocol
	directory   store.Directory
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	// clients is touched only by the Run goroutine.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	tasks      chan func()
	done       chan struct{}
}

// New builds a hub on registry. sink, directory and m may be nil.
func New(cfg Config, registry room.Registry, sink broadcast.Submitter, directory store.Directory, m *metrics.Metrics, logger *slog.Logger) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if directory == nil {
		directory = store.OpenDirectory{}
	}
	h := &Hub{
		cfg:        cfg,
		registry:   registry,
		directory:  directory,
		metrics:    m,
		logger:     logger.With("component", "hub"),
		tracer:     otel.Tracer("collabtext/hub"),
		now:        time.Now,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		tasks:      make(chan func()),
		done:       make(chan struct{}),
	}
	h.coordinator = presence.NewCoordinator(registry, room.NewAdmission(cfg.RoomCapacity), h, logger)
	h.protocol = broadcast.New(h, sink, logger)
	return h
}

// Run processes events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("hub started", "room_capacity", h.cfg.RoomCapacity)

	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.logger.Debug("client registered", "connection_id", c.id, "clients", len(h.clients))
		case c := <-h.unregister:
			h.disconnect(c)
		case in := <-h.inbound:
			h.dispatch(in)
		case fn := <-h.tasks:
			fn()
		case <-ctx.Done():
			for id := range h.clients {
				h.Terminate(id)
			}
			h.logger.Info("hub stopped")
			return
		}
		h.observe()
	}
}

// Submit runs fn on the event loop. It blocks until the loop takes fn or
// the hub stops.
func (h *Hub) Submit(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) disconnect(c *Client) {
	if cur, ok := h.clients[c.id]; ok && cur == c {
		h.close(c)
	}
	if h.coordinator.Leave(c.id) {
		h.logger.Debug("client departed on close", "connection_id", c.id)
	}
}

func (h *Hub) dispatch(in inbound) {
	c := in.client
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	if in.err != nil {
		h.reject(c.id, in.env.Type, in.err)
		return
	}

	switch in.env.Type {
	case protocol.EventJoinRoom:
		h.join(c, in.env)
	case protocol.EventLeaveRoom:
		h.coordinator.Leave(c.id)
		h.metrics.Event(string(in.env.Type), broadcast.Applied.String())
	default:
		rm, member, ok := h.coordinator.Origin(c.id)
		if !ok {
			h.reject(c.id, in.env.Type, protocol.ErrNotAttached)
			return
		}
		outcome, err := h.protocol.Handle(rm, member, in.env)
		if err != nil {
			h.reject(c.id, in.env.Type, err)
			return
		}
		h.metrics.Event(string(in.env.Type), outcome.String())
	}
}

func (h *Hub) join(c *Client, env protocol.Envelope) {
	var req protocol.JoinRoom
	if err := env.Bind(&req); err != nil {
		h.reject(c.id, env.Type, err)
		return
	}
	res, err := h.coordinator.Attach(c.id, req)
	if err != nil {
		h.reject(c.id, env.Type, err)
		return
	}
	if res == presence.Reconnected {
		h.metrics.Reconnect()
	}
	h.metrics.Event(string(env.Type), res.String())
}

// reject reports err to connectionID only.
func (h *Hub) reject(connectionID string, t protocol.EventType, err error) {
	event, rejection := protocol.RejectionFor(err)
	h.metrics.Rejection(string(event))
	if t != "" {
		h.metrics.Event(string(t), "rejected")
	}
	h.logger.Debug("request rejected",
		"connection_id", connectionID,
		"event", t,
		"reply", event,
		"error", err)
	if err := protocol.Deliver(h, []string{connectionID}, event, rejection); err != nil {
		h.logger.Error("encode rejection", "error", err)
	}
}

func (h *Hub) observe() {
	if h.metrics == nil {
		return
	}
	members := 0
	for _, rm := range h.registry.Rooms() {
		members += rm.Len()
	}
	h.metrics.Occupancy(h.registry.Len(), members, len(h.clients))
}

// Send queues frame for connectionID. A client whose buffer is full is
// closed; it departs like any other closed connection.
func (h *Hub) Send(connectionID string, frame []byte) {
	c, ok := h.clients[connectionID]
	if !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.metrics.SendOverflow()
		h.logger.Warn("send buffer full, closing client", "connection_id", connectionID)
		h.Terminate(connectionID)
	}
}

// Terminate closes connectionID's send buffer; its write pump then closes
// the socket.
func (h *Hub) Terminate(connectionID string) {
	if c, ok := h.clients[connectionID]; ok {
		h.close(c)
	}
}

func (h *Hub) close(c *Client) {
	delete(h.clients, c.id)
	c.closed.Store(true)
	close(c.send)
}

// Alive reports whether connectionID is open and has been heard from
// within the liveness window.
func (h *Hub) Alive(connectionID string) bool {
	c, ok := h.clients[connectionID]
	if !ok || c.closed.Load() {
		return false
	}
	return h.now().Sub(c.seen()) < h.cfg.LivenessWindow
}

// ForceDepart removes a member on behalf of the reaper.
func (h *Hub) ForceDepart(roomID, userID string) bool {
	if !h.coordinator.ForceDepart(roomID, userID) {
		return false
	}
	h.metrics.Reaped(1)
	return true
}

// RoomStats summarises one room.
type RoomStats struct {
	RoomID       string                `json:"roomId"`
	Members      []protocol.MemberInfo `json:"members"`
	Nodes        int                   `json:"nodes"`
	ChatMessages int                   `json:"chatMessages"`
	CreatedAt    time.Time             `json:"createdAt"`
}

type Stats struct {
	Connections int         `json:"connections"`
	Rooms       []RoomStats `json:"rooms"`
}

// Stats returns a summary of every live room.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.query(ctx, func() {
		st.Connections = len(h.clients)
		st.Rooms = make([]RoomStats, 0, h.registry.Len())
		for _, rm := range h.registry.Rooms() {
			snap := presence.Snapshot(rm)
			st.Rooms = append(st.Rooms, RoomStats{
				RoomID:       rm.ID,
				Members:      snap.Members,
				Nodes:        rm.Tree.Len(),
				ChatMessages: rm.Chat.Len(),
				CreatedAt:    rm.CreatedAt,
			})
		}
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Room returns the current snapshot of roomID.
func (h *Hub) Room(ctx context.Context, roomID string) (protocol.RoomJoined, bool, error) {
	var (
		snap  protocol.RoomJoined
		found bool
	)
	err := h.query(ctx, func() {
		rm, ok := h.registry.Get(roomID)
		if !ok {
			return
		}
		snap, found = presence.Snapshot(rm), true
	})
	if err != nil {
		return protocol.RoomJoined{}, false, err
	}
	return snap, found, nil
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.tasks <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("hub query: %w", ctx.Err())
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub query: %w", ctx.Err())
	}
}

// enqueue hands v to the loop unless the hub has stopped.
func enqueue[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}
