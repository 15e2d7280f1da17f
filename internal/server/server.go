// Package server assembles the sync server: the hub and its reaper, the
// configured room directory and content sinks, and the HTTP routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"collabtext/internal/broadcast"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/hub"
	"collabtext/internal/metrics"
	"collabtext/internal/reaper"
	"collabtext/internal/room"
	"collabtext/internal/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg      config.Server
	logger   *slog.Logger
	hub      *hub.Hub
	reaper   *reaper.Reaper
	gatherer prometheus.Gatherer
	sink     *store.Async
	closers  []func()
}

// New connects the configured backends and builds the hub. Backends left
// unconfigured are skipped: without a lookup URL or Redis every room id is
// accepted, and without a sink file contents live only in memory.
func New(ctx context.Context, cfg config.Server, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "server")}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.gatherer = reg
	m := metrics.New(metrics.WithRegistry(reg))

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		s.closers = append(s.closers, func() { rdb.Close() })
		s.logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	sinks, err := s.openSinks(ctx, rdb)
	if err != nil {
		s.Close()
		return nil, err
	}
	var submitter broadcast.Submitter
	if len(sinks) > 0 {
		s.sink = store.NewAsync(sinks, cfg.SinkBuffer, 0, logger)
		m.WatchSink(s.sink)
		submitter = s.sink
	}

	var directory store.Directory
	switch {
	case cfg.RoomLookupURL != "":
		directory = store.NewHTTPDirectory(cfg.RoomLookupURL, 0)
		s.logger.Info("rooms looked up over http", "url", cfg.RoomLookupURL)
	case rdb != nil:
		directory = store.NewRedisDirectory(rdb, cfg.RedisRoomsKey)
		s.logger.Info("rooms looked up in redis", "key", cfg.RedisRoomsKey)
	default:
		directory = store.OpenDirectory{}
		s.logger.Warn("no room directory configured, every room id is accepted")
	}

	registry := room.NewMemoryRegistry(cfg.ChatHistory)
	s.hub = hub.New(hub.Config{
		RoomCapacity:   cfg.RoomCapacity,
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
		LivenessWindow: cfg.LivenessWindow,
	}, registry, submitter, directory, m, logger)
	s.reaper = reaper.New(registry, s.hub, s.hub, s.hub, cfg.ReapInterval, logger)
	return s, nil
}

func (s *Server) openSinks(ctx context.Context, rdb *redis.Client) (store.Multi, error) {
	var sinks store.Multi
	if s.cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresSink(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		sinks = append(sinks, pg)
		s.logger.Info("persisting files to postgres")
	}
	if rdb != nil {
		sinks = append(sinks, store.NewRedisSink(rdb, ""))
		s.logger.Info("persisting files to redis")
	}
	if s.cfg.S3Bucket != "" {
		sinks = append(sinks, store.NewS3Sink(store.S3Options{
			Bucket:    s.cfg.S3Bucket,
			Region:    s.cfg.S3Region,
			Endpoint:  s.cfg.S3Endpoint,
			PathStyle: s.cfg.S3Endpoint != "",
		}))
		s.logger.Info("persisting files to s3", "bucket", s.cfg.S3Bucket)
	}
	return sinks, nil
}

// Handler routes the websocket endpoint, health, metrics and the read-only
// room inspection API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomID}", s.handleRoom).Methods(http.MethodGet)
	return r
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub, the reaper and the HTTP server on ln until ctx is
// done, then shuts everything down and flushes the content sink.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	go s.hub.Run(hubCtx)
	go s.reaper.Run(hubCtx, s.hub.Submit)

	if s.cfg.Discovery {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			adv, err := discovery.Advertise(s.cfg.DiscoveryService, addr.Port, s.logger)
			if err != nil {
				s.logger.Warn("mdns advertisement failed", "error", err)
			} else {
				defer adv.Shutdown()
			}
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("sync server listening",
		"addr", ln.Addr().String(),
		"room_capacity", s.cfg.RoomCapacity,
		"detection_bound", s.cfg.DetectionBound())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	// Hijacked websocket connections are not closed by Shutdown; stopping
	// the hub closes them.
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	<-s.hub.Done()
	s.Close()
	s.logger.Info("sync server stopped")

	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Close flushes the content sink and releases backend connections.
func (s *Server) Close() {
	if s.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.sink.Close(ctx); err != nil {
			s.logger.Warn("content sink did not drain", "error", err)
		}
		cancel()
		s.sink = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	snap, ok, err := s.hub.Room(r.Context(), roomID)
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	case !ok:
		writeError(w, http.StatusNotFound, fmt.Errorf("room %s has no members", roomID))
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
