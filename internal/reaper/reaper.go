package reaper

import (
	"context"
	"log/slog"
	"time"

	"collabtext/internal/room"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 15 * time.Second

// Liveness reports whether the transport behind a connection still works.
type Liveness interface {
	Alive(connectionID string) bool
}

// Departer removes a member whose transport is gone.
type Departer interface {
	ForceDepart(roomID, userID string) bool
}

// Terminator closes a connection.
type Terminator interface {
	Terminate(connectionID string)
}

// Reaper reclaims member slots held by connections that died without a
// clean close. A dead transport is noticed at most one interval after
// Liveness starts reporting it.
type Reaper struct {
	registry   room.Registry
	liveness   Liveness
	departer   Departer
	terminator Terminator
	interval   time.Duration
	logger     *slog.Logger
}

// New returns a reaper sweeping registry every interval.
func New(registry room.Registry, liveness Liveness, departer Departer, terminator Terminator, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:   registry,
		liveness:   liveness,
		departer:   departer,
		terminator: terminator,
		interval:   interval,
		logger:     logger.With("component", "reaper"),
	}
}

func (r *Reaper) Interval() time.Duration {
	return r.interval
}

// Sweep checks every member of every room once and force-departs those
// whose transport is dead. It returns the members removed. Sweep must run
// on the goroutine that owns the registry.
func (r *Reaper) Sweep() []room.Member {
	var reaped []room.Member
	for _, rm := range r.registry.Rooms() {
		for _, m := range rm.Members() {
			if r.liveness.Alive(m.ConnectionID) {
				continue
			}
			if r.terminator != nil {
				r.terminator.Terminate(m.ConnectionID)
			}
			if r.departer.ForceDepart(rm.ID, m.UserID) {
				reaped = append(reaped, m)
			}
		}
	}
	if len(reaped) > 0 {
		r.logger.Info("reaped stale connections",
			"count", len(reaped),
			"rooms", r.registry.Len())
	}
	return reaped
}

// Run ticks every interval until ctx is done. Each tick hands a sweep to
// submit, which must run it on the registry's owner goroutine.
func (r *Reaper) Run(ctx context.Context, submit func(sweep func())) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			submit(func() { r.Sweep() })
		case <-ctx.Done():
			return
		}
	}
}
