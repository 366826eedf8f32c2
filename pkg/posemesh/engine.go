// Package posemesh implements the peer networking engine: a single-owner
// event loop that multiplexes DHT/mDNS discovery, gossip pub/sub, NAT
// traversal, identify, and on-demand streams onto several transports, and
// exposes an async command/event façade to the rest of the process.
package posemesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/posemesh/core/internal/config"
	"github.com/posemesh/core/internal/identity"
	"github.com/posemesh/core/internal/validate"
)

// selfAdvertiseInterval is how often the engine re-publishes its own Node
// descriptor on AdvertiseTopic.
const selfAdvertiseInterval = 10 * time.Second

// Engine owns the overlay exclusively; every external access to it goes
// through the commands accepted on its inbound channel.
type Engine struct {
	cfg     config.NetworkingConfig
	overlay *overlay
	localID peer.ID
	dir     *directory
	metrics *Metrics
	spawner Spawner
	events  *eventBroadcast

	cmds   chan command
	closed chan struct{}

	findMu sync.Mutex
	find   map[peer.ID]chan error

	explicitMu sync.Mutex
	explicit   map[peer.ID]struct{}

	// reachabilityPrivate is the single latch gating relay-circuit listen
	// attempts: set on a transition to private reachability, cleared on a
	// transition to public. Without it the engine would re-attempt a relay
	// listen on every autonat failure.
	reachabilityPrivate bool

	advertiseTopic *pubsub.Topic
	advertiseSub   *pubsub.Subscription

	// joinedTopics caches topics joined on demand by publishCommand. Only
	// the engine goroutine touches it, so it needs no lock of its own.
	joinedTopics map[string]*pubsub.Topic

	// streamHandlers tracks protocols registered via SetStreamHandler, so
	// repeated registration is idempotent.
	streamHandlers map[protocol.ID]struct{}
}

// New loads identity, builds the overlay, and returns a Context callers use
// to drive the engine plus the Engine itself, which the caller must run in
// its own goroutine via Run.
func New(ctx context.Context, cfg config.NetworkingConfig, spawner Spawner, m *Metrics) (Context, *Engine, error) {
	if m == nil {
		m = NewMetrics()
	}
	priv, err := identity.Load(cfg.PrivateKey, cfg.PrivateKeyPath)
	if err != nil {
		return Context{}, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	localID, err := identity.PeerID(priv)
	if err != nil {
		return Context{}, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	ov, err := buildOverlay(ctx, cfg, priv, m)
	if err != nil {
		return Context{}, nil, err
	}

	topic, err := ov.ps.Join(AdvertiseTopic)
	if err != nil {
		ov.close()
		return Context{}, nil, fmt.Errorf("%w: joining advertise topic: %v", ErrConfig, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		ov.close()
		return Context{}, nil, fmt.Errorf("%w: subscribing to advertise topic: %v", ErrConfig, err)
	}

	e := &Engine{
		cfg:            cfg,
		overlay:        ov,
		localID:        localID,
		dir:            newDirectory(),
		metrics:        m,
		spawner:        spawner,
		events:         newEventBroadcast(),
		cmds:           make(chan command, 64),
		closed:         make(chan struct{}),
		find:           make(map[peer.ID]chan error),
		explicit:       make(map[peer.ID]struct{}),
		advertiseTopic: topic,
		advertiseSub:   sub,
		joinedTopics:   map[string]*pubsub.Topic{AdvertiseTopic: topic},
		streamHandlers: make(map[protocol.ID]struct{}),
	}

	// buildOverlay dials bootstrap peers before Run subscribes to the event
	// bus, so their connection events are never seen; add them here instead.
	if cfg.EnableKDHT {
		for _, pi := range validate.AddrInfos(cfg.BootstrapNodes) {
			e.addExplicitGossipPeer(ctx, pi)
		}
	}

	c := Context{localID: localID, cmds: e.cmds, closed: e.closed, events: e.events}
	return c, e, nil
}

// Shutdown signals the engine to stop. Run drains whatever commands are
// already buffered, then tears down the overlay and returns. cmds itself is
// never closed: Context.post always sends on it without risk of a
// send-on-closed-channel panic, and simply observes closed instead once
// Shutdown has run.
func (e *Engine) Shutdown() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

// Run is the single-owner event loop. It must be called from exactly one
// goroutine and blocks until Shutdown is called or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer e.overlay.close()

	busSub, err := e.overlay.host.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtLocalReachabilityChanged),
		new(event.EvtPeerConnectednessChanged),
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		slog.Error("engine: failed to subscribe to host event bus", "error", err)
		return
	}
	defer busSub.Close()

	gossipCh := make(chan *pubsub.Message, 32)
	go e.pumpGossip(ctx, gossipCh)

	ticker := time.NewTicker(selfAdvertiseInterval)
	defer ticker.Stop()

	e.selfAdvertise(ctx)

	var mdnsCh chan mdnsEvent
	if e.overlay.mdnsSvc != nil {
		if err := e.overlay.mdnsSvc.Start(ctx); err != nil {
			slog.Error("engine: mdns start failed", "error", err)
		} else {
			mdnsCh = e.overlay.mdnsSvc.events
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			e.drain()
			return

		case <-e.closed:
			e.drain()
			return

		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)

		case raw, ok := <-busSub.Out():
			if !ok {
				continue
			}
			e.handleBusEvent(ctx, raw)

		case msg, ok := <-gossipCh:
			if !ok {
				continue
			}
			e.handleGossipMessage(msg)

		case mev, ok := <-mdnsCh:
			if !ok {
				mdnsCh = nil
				continue
			}
			e.handleMDNSEvent(ctx, mev)

		case <-ticker.C:
			e.selfAdvertise(ctx)
		}
	}
}

// drain fails every command already buffered on cmds with ErrEngineClosed,
// so no caller blocks forever after Shutdown. cmds is never closed, so this
// only drains what is already sitting in the buffer at this instant rather
// than ranging until closure.
func (e *Engine) drain() {
	for {
		select {
		case cmd := <-e.cmds:
			failCommand(cmd, ErrEngineClosed)
		default:
			return
		}
	}
}

func failCommand(cmd command, err error) {
	switch c := cmd.(type) {
	case sendCommand:
		c.Reply <- err
	case findCommand:
		c.Reply <- err
	case setStreamHandlerCommand:
		c.Reply <- err
	case openStreamCommand:
		c.Reply <- openStreamResult{Err: err}
	case publishCommand:
		c.Reply <- err
	}
}

func (e *Engine) pumpGossip(ctx context.Context, out chan<- *pubsub.Message) {
	for {
		msg, err := e.advertiseSub.Next(ctx)
		if err != nil {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) selfAdvertise(ctx context.Context) {
	n := Node{
		ID:           e.localID,
		Name:         e.cfg.Name,
		NodeTypes:    e.cfg.NodeTypes,
		Capabilities: e.cfg.NodeCapabilities,
	}
	data, err := json.Marshal(n)
	if err != nil {
		slog.Error("engine: failed to encode self node descriptor", "error", err)
		return
	}
	if err := e.advertiseTopic.Publish(ctx, data); err != nil {
		slog.Warn("engine: failed to publish self-advertisement", "error", err)
	}
}

func (e *Engine) handleGossipMessage(msg *pubsub.Message) {
	if e.metrics != nil {
		e.metrics.GossipRecvTotal.WithLabelValues(AdvertiseTopic).Inc()
	}
	e.processNodeAdvertisement(msg.Data)
}

// processNodeAdvertisement decodes and applies one advertise-topic payload.
// Split out from handleGossipMessage so the self-filter and idempotent-
// insert logic can be exercised without constructing a *pubsub.Message.
func (e *Engine) processNodeAdvertisement(data []byte) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		slog.Debug("engine: dropping malformed node advertisement", "error", err)
		return
	}
	if n.ID == e.localID {
		return
	}
	if !e.dir.upsert(n) {
		return
	}
	if e.metrics != nil {
		e.metrics.NodesKnown.Set(float64(len(e.dir.snapshot())))
	}
	e.emit(NewNodeRegistered{Node: n})
}

func (e *Engine) emit(ev Event) {
	if e.metrics != nil {
		e.metrics.EventsTotal.WithLabelValues(fmt.Sprintf("%T", ev)).Inc()
	}
	e.events.publish(ev)
}

// addExplicitGossipPeer marks pi as a peer the engine wants to stay
// directly connected to for the gossip mesh. The dial itself always runs
// as a detached task: this method is called directly from the event loop
// (mDNS/connectedness handling), as well as from New and from find-peer
// resolution, and must never block the loop on a network round-trip.
func (e *Engine) addExplicitGossipPeer(ctx context.Context, pi peer.AddrInfo) {
	e.explicitMu.Lock()
	_, known := e.explicit[pi.ID]
	e.explicit[pi.ID] = struct{}{}
	e.explicitMu.Unlock()
	if known {
		return
	}
	if len(pi.Addrs) > 0 {
		e.overlay.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, 10*time.Minute)
	}
	if e.overlay.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	e.spawner.Spawn(func(taskCtx context.Context) {
		dialCtx, cancel := context.WithTimeout(taskCtx, 10*time.Second)
		defer cancel()
		if err := e.overlay.host.Connect(dialCtx, pi); err != nil {
			slog.Debug("engine: failed to dial explicit gossip peer", "peer", pi.ID, "error", err)
		}
	})
}

func (e *Engine) removeExplicitGossipPeer(id peer.ID) {
	e.explicitMu.Lock()
	delete(e.explicit, id)
	e.explicitMu.Unlock()
}
