// Package agent is a headless room member. It keeps a projected mirror of
// one room and saves it to disk after every change, reconnecting with
// exponential backoff when the server goes away.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/discovery"
	"collabtext/internal/projector"
	"collabtext/internal/protocol"
	"collabtext/internal/tree"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// Config identifies the agent and where to find the server. When URL is
// empty the server is looked up over mDNS.
type Config struct {
	URL              string
	RoomID           string
	UserID           string
	DisplayName      string
	DiscoveryService string
	DiscoveryTimeout time.Duration
	// MaxElapsed bounds the whole retry sequence; zero retries forever.
	MaxElapsed time.Duration
}

type Agent struct {
	cfg       Config
	snapshots *Snapshots
	logger    *slog.Logger
	dialer    *websocket.Dialer
	now       func() time.Time

	// saved is the snapshot left by a previous run, until the first join
	// replaces it.
	saved *Snapshot
}

// New returns an agent. snapshots may be nil.
func New(cfg Config, snapshots *Snapshots, logger *slog.Logger) *Agent {
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		snapshots: snapshots,
		logger:    logger.With("component", "agent", "room_id", cfg.RoomID, "user_id", cfg.UserID),
		dialer:    websocket.DefaultDialer,
		now:       time.Now,
	}
}

// Run keeps a session open until ctx is done or the server refuses the
// join.
func (a *Agent) Run(ctx context.Context) error {
	a.restore()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = a.cfg.MaxElapsed

	op := func() error {
		url, err := a.resolve(ctx)
		if err != nil {
			return err
		}
		err = a.session(ctx, url, b.Reset)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, projector.ErrRejected):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("session ended, reconnecting", "error", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) resolve(ctx context.Context) (string, error) {
	if a.cfg.URL != "" {
		return a.cfg.URL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DiscoveryTimeout)
	defer cancel()
	peer, err := discovery.First(ctx, a.cfg.DiscoveryService)
	if err != nil {
		return "", fmt.Errorf("discover server: %w", err)
	}
	a.logger.Info("server discovered", "instance", peer.Instance, "addr", peer.Addr)
	return peer.URL(), nil
}

// session runs one connection. connected is called once the join has been
// accepted.
func (a *Agent) session(ctx context.Context, url string, connected func()) error {
	conn, _, err := a.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p := projector.New(a.cfg.UserID)
	join, err := p.JoinEnvelope(a.cfg.RoomID, a.cfg.DisplayName)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrTransportDeath, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		wasJoined := p.Joined()
		changed, err := p.Apply(env)
		switch {
		case errors.Is(err, projector.ErrRejected):
			return err
		case err != nil:
			a.logger.Warn("event not applied", "event", env.Type, "error", err)
			continue
		}
		if !wasJoined && p.Joined() {
			a.logger.Info("joined room", "members", len(p.Members()), "nodes", p.Len())
			a.caughtUp(p)
			connected()
		}
		if changed && p.Joined() {
			a.save(p)
		}
	}
}

// restore reads the snapshot a previous run left for the room.
func (a *Agent) restore() {
	if a.snapshots == nil {
		return
	}
	snap, ok, err := a.snapshots.Load(a.cfg.RoomID)
	switch {
	case err != nil:
		a.logger.Warn("could not read saved snapshot", "error", err)
		return
	case !ok:
		return
	}
	a.saved = &snap
	a.logger.Info("saved snapshot found",
		"saved_at", snap.SavedAt,
		"age", a.now().Sub(snap.SavedAt).Round(time.Second),
		"nodes", countNodes(snap.Tree),
		"chat_messages", len(snap.Chat))
}

// caughtUp reports how far the room moved while the mirror was offline.
func (a *Agent) caughtUp(p *projector.Projector) {
	if a.saved == nil {
		return
	}
	a.logger.Info("mirror caught up",
		"offline_for", a.now().Sub(a.saved.SavedAt).Round(time.Second),
		"nodes_before", countNodes(a.saved.Tree),
		"nodes", p.Len(),
		"chat_messages_before", len(a.saved.Chat),
		"chat_messages", len(p.Chat()))
	a.saved = nil
}

func countNodes(root *tree.Node) int {
	if root == nil {
		return 0
	}
	n := 0
	for _, c := range root.Children {
		n += 1 + countNodes(c)
	}
	return n
}

func (a *Agent) save(p *projector.Projector) {
	if a.snapshots == nil {
		return
	}
	err := a.snapshots.Save(Snapshot{
		RoomID:  p.RoomID(),
		Tree:    p.Root(),
		Chat:    p.Chat(),
		Members: p.Members(),
		SavedAt: a.now().UTC(),
	})
	if err != nil {
		a.logger.Error("save snapshot", "error", err)
	}
}
