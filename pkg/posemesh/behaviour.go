package posemesh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/webrtc"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/posemesh/core/internal/config"
	"github.com/posemesh/core/internal/validate"
)

const (
	// IdentifyProtocolName is the protocol name this overlay identifies
	// itself with. go-libp2p's identify implementation does not expose a
	// public knob to rename its wire protocol ID away from the IPFS
	// default, so this constant documents the intended name for logging
	// and metrics labels rather than rewiring the identify service itself.
	IdentifyProtocolName = protocol.ID("/posemesh/id/1.0.0")

	// DHTProtocolName scopes the Kademlia DHT away from the public IPFS
	// network. It is the protocol ID the DHT speaks when cfg.DHTNamespace is
	// unset: dhtProtocolPrefix passes "/posemesh" to dht.ProtocolPrefix, and
	// the DHT appends "/kad/1.0.0" to that prefix itself.
	DHTProtocolName = protocol.ID("/posemesh/kad/1.0.0")

	// dhtBasePrefix is the prefix handed to dht.ProtocolPrefix.
	dhtBasePrefix = protocol.ID("/posemesh")

	// AdvertiseTopic is the well-known gossip topic node descriptors are
	// published and subscribed on.
	AdvertiseTopic = "Posemesh"

	// dhtQueryTimeout bounds every closest-peers query.
	dhtQueryTimeout = 5 * time.Second

	// idleConnTimeout is the native-build idle-connection grace period
	// before the connection manager may prune a quiet peer.
	idleConnTimeout = 60 * time.Second

	// gossipHeartbeat is the gossipsub mesh maintenance interval.
	gossipHeartbeat = 10 * time.Second
)

// overlay is the tagged-presence set of behaviours attached to the host.
// Optional components are nil, never a stub implementation, so every access
// site gates on an explicit nil check rather than relying on interface-nil
// footguns.
type overlay struct {
	host host.Host

	ps *pubsub.PubSub

	// dht is nil when cfg.EnableKDHT is false.
	dht *dht.IpfsDHT

	// mdnsSvc is nil when cfg.EnableMDNS is false.
	mdnsSvc *mdnsDiscovery

	// relayClient is created on every build target, the js build included;
	// it is nil only when relayv2client.New fails.
	relayClient *relayv2client.Client

	// relayServer is nil unless cfg.EnableRelayServer is set.
	relayServer *relayv2.Relay

	relayNodes []string
	metrics    *Metrics
}

// buildOverlay assembles the host and every behaviour the config enables.
// It never mutates cfg. Besides host/service construction, the only blocking
// work is one dial to each bootstrap peer when the DHT is enabled.
func buildOverlay(ctx context.Context, cfg config.NetworkingConfig, priv crypto.PrivKey, m *Metrics) (*overlay, error) {
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(webrtc.New),
		libp2p.EnableRelay(),
		libp2p.EnableAutoNATv2(),
		libp2p.ConnectionManager(mustConnManager()),
	}
	if cfg.Port != 0 {
		hostOpts = append(hostOpts,
			libp2p.ListenAddrStrings(
				fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
				fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
			),
		)
	} else {
		hostOpts = append(hostOpts, libp2p.DefaultListenAddrs)
	}

	if cfg.EnableRelayServer {
		hostOpts = append(hostOpts, libp2p.EnableNATService())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating libp2p host: %v", ErrConfig, err)
	}

	o := &overlay{host: h, relayNodes: cfg.RelayNodes, metrics: m}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(gossipMessageID),
		pubsub.WithGossipSubParams(gossipParams()),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: creating gossip pub/sub: %v", ErrConfig, err)
	}
	o.ps = ps

	if cfg.EnableKDHT {
		mode := dht.Mode(dhtMode())
		kad, err := dht.New(ctx, h, mode, dht.ProtocolPrefix(dhtProtocolPrefix(cfg.DHTNamespace)))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("%w: creating DHT: %v", ErrConfig, err)
		}
		o.dht = kad

		bootstrapPeers := validate.AddrInfos(cfg.BootstrapNodes)
		for _, pi := range bootstrapPeers {
			h.Peerstore().AddAddrs(pi.ID, pi.Addrs, time.Hour)
			if err := h.Connect(ctx, pi); err == nil {
				continue // New adds bootstrap peers to the explicit gossip peer set
			}
		}
	}

	if cfg.EnableMDNS {
		o.mdnsSvc = newMDNSDiscovery(h, m)
	}

	relayClient, err := relayv2client.New(h)
	if err == nil {
		o.relayClient = relayClient
	}

	if cfg.EnableRelayServer {
		relay, err := relayv2.New(h)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("%w: enabling relay server: %v", ErrConfig, err)
		}
		o.relayServer = relay
	}

	return o, nil
}

// close tears down every behaviour this overlay owns, in reverse build
// order, and finally the host.
func (o *overlay) close() error {
	if o.relayServer != nil {
		o.relayServer.Close()
	}
	if o.mdnsSvc != nil {
		o.mdnsSvc.Close()
	}
	if o.dht != nil {
		o.dht.Close()
	}
	return o.host.Close()
}

// listenOnRelay begins listening through relay on a /p2p-circuit address,
// for inbound dials to reach us once the engine decides we appear NAT'ed.
func (o *overlay) listenOnRelay(ctx context.Context, relayAddr string) error {
	maddr, err := ma.NewMultiaddr(relayAddr)
	if err != nil {
		return fmt.Errorf("%w: invalid relay address %s: %v", ErrConfig, relayAddr, err)
	}
	circuitAddr := maddr.Encapsulate(ma.StringCast("/p2p-circuit"))
	return o.host.Network().Listen(circuitAddr)
}

// dhtProtocolPrefix returns the global DHT prefix, or a namespace-scoped
// one when namespace is set, per config.NetworkingConfig.DHTNamespace. The
// DHT appends "/kad/1.0.0", so the resulting protocol IDs are
// DHTProtocolName and "/posemesh/<namespace>/kad/1.0.0".
func dhtProtocolPrefix(namespace string) protocol.ID {
	if namespace == "" {
		return dhtBasePrefix
	}
	return protocol.ID(fmt.Sprintf("%s/%s", dhtBasePrefix, namespace))
}

func mustConnManager() *connmgr.BasicConnMgr {
	cm, err := connmgr.NewConnManager(32, 128, connmgr.WithGracePeriod(idleConnTimeout))
	if err != nil {
		// BasicConnMgr construction only fails on invalid static bounds;
		// the bounds above are fixed and known-valid.
		panic(err)
	}
	return cm
}

// gossipMessageID derives a deterministic, collision-resistant message ID
// from the payload text and the message's sequence number, per the
// composite behaviour's gossip settings.
func gossipMessageID(m *pubsub.Message) string {
	h := sha256.New()
	h.Write(m.Data)
	if seq := m.GetSeqno(); len(seq) > 0 {
		h.Write(seq)
	}
	return string(h.Sum(nil))
}

func gossipParams() pubsub.GossipSubParams {
	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = gossipHeartbeat
	return params
}
