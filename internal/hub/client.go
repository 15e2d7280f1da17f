package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"collabtext/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. It carries no identity until its
// join is accepted; the hub maps connection ids to members.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closed   atomic.Bool
	lastSeen atomic.Int64
}

func (c *Client) ID() string { return c.id }

func (c *Client) touch() {
	c.lastSeen.Store(c.hub.now().UnixNano())
}

func (c *Client) seen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}
	c.touch()
	if !enqueue(h, h.register, c) {
		conn.Close()
		return
	}
	h.logger.Info("client connected", "connection_id", c.id, "remote_addr", r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		enqueue(c.hub, c.hub.unregister, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("client read failed",
					"connection_id", c.id,
					"error", fmt.Errorf("%w: %v", protocol.ErrTransportDeath, err))
			}
			return
		}
		c.touch()

		in := inbound{client: c}
		in.env, in.err = protocol.Decode(data)
		if in.err == nil && in.env.Type == protocol.EventJoinRoom {
			in.err = c.lookup(in.env)
		}
		if !enqueue(c.hub, c.hub.inbound, in) {
			return
		}
	}
}

// lookup checks the requested room against the directory. It runs here
// rather than on the event loop so a slow directory only stalls this
// connection. Payload problems are left for the loop to report.
func (c *Client) lookup(env protocol.Envelope) error {
	var req protocol.JoinRoom
	if err := env.Bind(&req); err != nil {
		return nil
	}
	h := c.hub
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.LookupTimeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "collabtext.room_lookup",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("collabtext.room_id", req.RoomID),
			attribute.String("collabtext.user_id", req.UserID),
			attribute.String("collabtext.connection_id", c.id),
		))
	defer span.End()

	ok, err := h.directory.Exists(ctx, req.RoomID)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("room lookup failed", "room_id", req.RoomID, "error", err)
		return errors.New("room lookup unavailable")
	case !ok:
		span.SetAttributes(attribute.Bool("collabtext.room_found", false))
		return fmt.Errorf("%w: %s", protocol.ErrRoomNotFound, req.RoomID)
	}
	span.SetAttributes(attribute.Bool("collabtext.room_found", true))
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
