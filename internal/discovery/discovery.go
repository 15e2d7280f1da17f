// Package discovery advertises a sync server on the local network over
// mDNS and lets agents find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	Domain         = "local."
)

var ErrNoPeers = errors.New("discovery: no server found")

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers this host as service on port. The instance name is
// derived from the hostname.
func Advertise(service string, port int, logger *slog.Logger) (*Advertiser, error) {
	if service == "" {
		service = DefaultService
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", "CollabText", host)
	server, err := zeroconf.Register(instance, service, Domain, port, []string{"txtv=0", "path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service %s: %w", service, err)
	}
	logger = logger.With("component", "discovery")
	logger.Info("mdns service registered", "service", service, "instance", instance, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.Info("mdns service withdrawn")
}

// Peer is a discovered sync server.
type Peer struct {
	Instance string
	Addr     string
	Path     string
}

// URL returns the websocket endpoint of p.
func (p Peer) URL() string {
	u := url.URL{Scheme: "ws", Host: p.Addr, Path: p.Path}
	return u.String()
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || e.Port == 0 {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	p := Peer{
		Instance: e.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		Path:     "/ws",
	}
	for _, txt := range e.Text {
		if path, ok := strings.CutPrefix(txt, "path="); ok && path != "" {
			p.Path = path
		}
	}
	return p, true
}

// First browses for service and returns the first server that answers, or
// ErrNoPeers once ctx is done.
func First(ctx context.Context, service string) (Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Peer{}, fmt.Errorf("init mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		mu    sync.Mutex
		found *Peer
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			p, ok := peerFromEntry(entry)
			if !ok {
				continue
			}
			mu.Lock()
			if found == nil {
				found = &p
			}
			mu.Unlock()
			cancel()
		}
	}(entries)

	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return Peer{}, fmt.Errorf("browse mdns service %s: %w", service, err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if found == nil {
		return Peer{}, ErrNoPeers
	}
	return *found, nil
}
