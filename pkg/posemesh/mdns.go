package posemesh

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

// mdnsServiceName is the DNS-SD service type posemesh nodes advertise and
// browse for.
const mdnsServiceName = "_posemesh._udp"

const (
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 10 * time.Second

	// mdnsPeerTTL is how long a peer is considered present after its last
	// discovery before the sweep reports it expired. Three browse rounds'
	// worth of silence is treated as "left the LAN," not a single missed
	// multicast packet.
	mdnsPeerTTL = 3 * mdnsBrowseInterval

	dnsaddrPrefix = "dnsaddr="
)

// mdnsEventKind distinguishes the two mDNS events the composite behaviour
// requires: a peer appearing on the LAN and a peer going quiet long enough
// to be considered gone.
type mdnsEventKind int

const (
	mdnsDiscovered mdnsEventKind = iota
	mdnsExpired
)

type mdnsEvent struct {
	Kind mdnsEventKind
	Peer peer.AddrInfo
}

// mdnsDiscovery advertises this node over mDNS and periodically browses for
// others, surfacing discovered/expired transitions on a channel the engine
// selects on alongside its other overlay event sources.
type mdnsDiscovery struct {
	host    host.Host
	metrics *Metrics
	server  *zeroconf.Server

	events chan mdnsEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[peer.ID]time.Time
	addrs    map[peer.ID][]ma.Multiaddr
}

func newMDNSDiscovery(h host.Host, m *Metrics) *mdnsDiscovery {
	return &mdnsDiscovery{
		host:     h,
		metrics:  m,
		events:   make(chan mdnsEvent, 32),
		lastSeen: make(map[peer.ID]time.Time),
		addrs:    make(map[peer.ID][]ma.Multiaddr),
	}
}

// Start begins advertising and browsing; discovered/expired events arrive
// on md.events, which Close closes. Start must be called at most once.
func (md *mdnsDiscovery) Start(ctx context.Context) error {
	md.ctx, md.cancel = context.WithCancel(ctx)

	if err := md.startServer(); err != nil {
		return err
	}

	md.wg.Add(2)
	go md.browseLoop()
	go md.expiryLoop()
	return nil
}

func (md *mdnsDiscovery) Close() error {
	md.cancel()
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	close(md.events)
	return nil
}

func (md *mdnsDiscovery) startServer() error {
	interfaceAddrs, err := md.host.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: md.host.ID(), Addrs: interfaceAddrs})
	if err != nil {
		return err
	}

	var txts []string
	for _, addr := range p2pAddrs {
		txts = append(txts, dnsaddrPrefix+addr.String())
	}

	peerName := randomString(32 + rand.Intn(32))
	server, err := zeroconf.RegisterProxy(
		peerName,
		mdnsServiceName,
		"local",
		4001,
		peerName,
		[]string{"127.0.0.1"},
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	md.server = server
	return nil
}

func (md *mdnsDiscovery) browseLoop() {
	defer md.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-md.ctx.Done():
		return
	}
	md.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse()
		}
	}
}

func (md *mdnsDiscovery) runBrowse() {
	browseCtx, cancel := context.WithTimeout(md.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan []string, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for txts := range entries {
			md.processTextRecords(txts)
		}
	}()

	if err := browseOnce(browseCtx, mdnsServiceName, "local.", entries); err != nil && md.ctx.Err() == nil {
		slog.Debug("mdns: browse round error", "error", err)
	}
	close(entries)
	wg.Wait()
}

func (md *mdnsDiscovery) processTextRecords(txts []string) {
	addrs := make([]ma.Multiaddr, 0, len(txts))
	for _, txt := range txts {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.ID == md.host.ID() {
			continue
		}
		md.handlePeerFound(info)
	}
}

func (md *mdnsDiscovery) handlePeerFound(pi peer.AddrInfo) {
	md.mu.Lock()
	_, known := md.lastSeen[pi.ID]
	md.lastSeen[pi.ID] = time.Now()
	md.addrs[pi.ID] = pi.Addrs
	md.mu.Unlock()

	if md.metrics != nil {
		md.metrics.GossipRecvTotal.WithLabelValues("mdns").Inc()
	}
	if known {
		return // already live; the sighting only refreshes the TTL
	}

	select {
	case md.events <- mdnsEvent{Kind: mdnsDiscovered, Peer: pi}:
	case <-md.ctx.Done():
	}
}

// expiryLoop periodically sweeps lastSeen for peers silent longer than
// mdnsPeerTTL and emits a single expired event for each.
func (md *mdnsDiscovery) expiryLoop() {
	defer md.wg.Done()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.sweepExpired()
		}
	}
}

func (md *mdnsDiscovery) sweepExpired() {
	now := time.Now()
	var expired []peer.AddrInfo

	md.mu.Lock()
	for id, seen := range md.lastSeen {
		if now.Sub(seen) >= mdnsPeerTTL {
			expired = append(expired, peer.AddrInfo{ID: id, Addrs: md.addrs[id]})
			delete(md.lastSeen, id)
			delete(md.addrs, id)
		}
	}
	md.mu.Unlock()

	for _, pi := range expired {
		select {
		case md.events <- mdnsEvent{Kind: mdnsExpired, Peer: pi}:
		case <-md.ctx.Done():
			return
		}
	}
}

func randomString(l int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, 0, l)
	for i := 0; i < l; i++ {
		s = append(s, alphabet[rand.Intn(len(alphabet))])
	}
	return string(s)
}
