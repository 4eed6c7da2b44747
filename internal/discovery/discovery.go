// Package discovery announces server instances on the local network over
// mDNS and keeps track of the peers it finds. It is informational: rooms
// are shared through the bus and the store, not through discovered peers.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const instanceKey = "instance="

// Peer is a server instance seen on the network.
type Peer struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instanceId"`
	Host       string    `json:"host"`
	Addrs      []string  `json:"addrs"`
	Port       int       `json:"port"`
	SeenAt     time.Time `json:"seenAt"`
}

// Announce registers this instance under service in domain until the
// returned function is called.
func Announce(instanceID, service, domain string, port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s-%s", host, instanceID),
		service,
		domain,
		port,
		[]string{"txtv=0", instanceKey + instanceID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service %s: %w", service, err)
	}
	return server.Shutdown, nil
}

// Registry holds the peers found by Browse, excluding this instance.
type Registry struct {
	self   string
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]Peer
}

func NewRegistry(self string, logger *slog.Logger) *Registry {
	return &Registry{self: self, logger: logger, peers: make(map[string]Peer)}
}

// Browse records instances announcing service until ctx is done.
func (r *Registry) Browse(ctx context.Context, service, domain string) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			r.Observe(peerFromEntry(entry, time.Now()))
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("browsing for %s: %w", service, err)
	}
	<-ctx.Done()
	return nil
}

// Observe records p unless it is this instance.
func (r *Registry) Observe(p Peer) {
	if p.InstanceID != "" && p.InstanceID == r.self {
		return
	}
	r.mu.Lock()
	_, known := r.peers[p.Name]
	r.peers[p.Name] = p
	r.mu.Unlock()
	if !known {
		r.logger.Info("discovered peer", "peer", p.Name, "instance", p.InstanceID, "addrs", p.Addrs, "port", p.Port)
	}
}

// Peers returns the known peers ordered by name.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

func peerFromEntry(entry *zeroconf.ServiceEntry, now time.Time) Peer {
	p := Peer{
		Name:   entry.Instance,
		Host:   entry.HostName,
		Port:   entry.Port,
		SeenAt: now,
	}
	for _, txt := range entry.Text {
		if id, ok := strings.CutPrefix(txt, instanceKey); ok {
			p.InstanceID = id
		}
	}
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			p.Addrs = append(p.Addrs, ip.String())
		}
	}
	return p
}
