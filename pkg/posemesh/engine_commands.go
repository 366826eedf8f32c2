package posemesh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// handleCommand dispatches one command from the inbound channel. Commands
// are processed strictly in FIFO arrival order, as required by the
// concurrency model; any actual stream I/O runs as a detached task so this
// method itself never blocks on the network.
func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case sendCommand:
		e.handleSend(ctx, c)
	case findCommand:
		e.handleFind(ctx, c)
	case setStreamHandlerCommand:
		e.handleSetStreamHandler(c)
	case openStreamCommand:
		e.handleOpenStream(ctx, c)
	case publishCommand:
		e.handlePublish(ctx, c)
	default:
		slog.Error("engine: unknown command type", "type", fmt.Sprintf("%T", cmd))
	}
}

func (e *Engine) handleSend(ctx context.Context, c sendCommand) {
	if e.metrics != nil {
		defer func() { e.metrics.CommandsTotal.WithLabelValues("send", "issued").Inc() }()
	}
	e.spawner.Spawn(func(taskCtx context.Context) {
		if e.overlay.host.Network().Connectedness(c.Peer) != network.Connected {
			if err := e.resolvePeer(taskCtx, c.Peer); err != nil {
				c.Reply <- fmt.Errorf("%w: %v", ErrScheduling, err)
				return
			}
		}
		stream, err := e.overlay.host.NewStream(taskCtx, c.Peer, c.Protocol)
		if err != nil {
			c.Reply <- fmt.Errorf("%w: opening stream: %v", ErrTransport, err)
			return
		}
		if _, err := stream.Write(c.Message); err != nil {
			stream.Reset()
			c.Reply <- fmt.Errorf("%w: writing message: %v", ErrTransport, err)
			return
		}
		if err := stream.CloseWrite(); err != nil {
			c.Reply <- fmt.Errorf("%w: half-closing stream: %v", ErrTransport, err)
			return
		}
		c.Reply <- nil
	})
}

func (e *Engine) handleOpenStream(ctx context.Context, c openStreamCommand) {
	e.spawner.Spawn(func(taskCtx context.Context) {
		if e.overlay.host.Network().Connectedness(c.Peer) != network.Connected {
			if err := e.resolvePeer(taskCtx, c.Peer); err != nil {
				c.Reply <- openStreamResult{Err: fmt.Errorf("%w: %v", ErrScheduling, err)}
				return
			}
		}
		stream, err := e.overlay.host.NewStream(taskCtx, c.Peer, c.Protocol)
		if err != nil {
			c.Reply <- openStreamResult{Err: fmt.Errorf("%w: %v", ErrTransport, err)}
			return
		}
		c.Reply <- openStreamResult{Stream: stream}
	})
}

func (e *Engine) handleSetStreamHandler(c setStreamHandlerCommand) {
	if _, ok := e.streamHandlers[c.Protocol]; ok {
		c.Reply <- nil
		return
	}
	proto := c.Protocol
	e.overlay.host.SetStreamHandler(proto, func(s network.Stream) {
		e.emit(MessageReceived{Stream: s, Protocol: proto, Peer: s.Conn().RemotePeer()})
	})
	e.streamHandlers[proto] = struct{}{}
	c.Reply <- nil
}

func (e *Engine) handlePublish(ctx context.Context, c publishCommand) {
	topic, ok := e.joinedTopics[c.Topic]
	if !ok {
		t, err := e.overlay.ps.Join(c.Topic)
		if err != nil {
			c.Reply <- fmt.Errorf("%w: joining topic %s: %v", ErrTransport, c.Topic, err)
			return
		}
		e.joinedTopics[c.Topic] = t
		topic = t
	}
	if err := topic.Publish(ctx, c.Data); err != nil {
		c.Reply <- fmt.Errorf("%w: publishing on %s: %v", ErrTransport, c.Topic, err)
		return
	}
	c.Reply <- nil
}

// handleFind issues a closest-peers DHT query for target and registers the
// reply channel in the find-peer registry. The query itself runs in a
// detached task, which resolves the registry entry itself through
// resolveFind once the query completes.
func (e *Engine) handleFind(ctx context.Context, c findCommand) {
	if e.overlay.dht == nil {
		c.Reply <- fmt.Errorf("%w: DHT disabled", ErrScheduling)
		return
	}

	e.findMu.Lock()
	if _, inFlight := e.find[c.Peer]; inFlight {
		e.findMu.Unlock()
		c.Reply <- fmt.Errorf("%w: find already in flight for %s", ErrScheduling, c.Peer)
		return
	}
	e.find[c.Peer] = c.Reply
	e.findMu.Unlock()

	e.spawner.Spawn(func(taskCtx context.Context) {
		queryCtx, cancel := context.WithTimeout(taskCtx, dhtQueryTimeout)
		defer cancel()

		closest, err := e.overlay.dht.GetClosestPeers(queryCtx, string(c.Peer))
		if err != nil {
			e.resolveFind(c.Peer, nil, err)
			return
		}
		var peers []peer.ID
		for _, p := range closest {
			peers = append(peers, p)
		}
		e.resolveFind(c.Peer, peers, nil)
	})
}

// resolveFind implements the "DHT closest-peers progress" handling from the
// component design: every returned peer is added to the routing table and
// the gossip explicit-peer set; if target was in the find-peer registry,
// it is removed and the waiter resolved.
func (e *Engine) resolveFind(target peer.ID, peers []peer.ID, queryErr error) {
	found := false
	for _, p := range peers {
		if p == target {
			found = true
		}
		if e.overlay.dht != nil {
			e.overlay.dht.RoutingTable().TryAddPeer(p, true, false)
		}
		if pi := e.overlay.host.Peerstore().PeerInfo(p); len(pi.Addrs) > 0 || p == target {
			e.addExplicitGossipPeer(context.Background(), pi)
		}
	}

	e.findMu.Lock()
	reply, ok := e.find[target]
	if ok {
		delete(e.find, target)
	}
	e.findMu.Unlock()

	result := ErrPeerNotFound
	if queryErr == nil && found {
		result = nil
	} else if queryErr != nil {
		result = fmt.Errorf("%w: %v", ErrScheduling, queryErr)
	}

	if e.metrics != nil {
		label := "found"
		if result != nil {
			label = "not_found"
		}
		e.metrics.DHTQueryTotal.WithLabelValues(label).Inc()
	}

	if !ok {
		if result != nil {
			slog.Debug("engine: dht query terminated without match and no waiter registered", "target", target)
		}
		return
	}
	reply <- result
}

// resolvePeer is the internal find used by Send/OpenStream when the target
// isn't connected yet: it runs its own DHT query inline rather than going
// through the registry, since it isn't something another goroutine needs to
// observe the lifecycle of.
func (e *Engine) resolvePeer(ctx context.Context, target peer.ID) error {
	if e.overlay.dht == nil {
		return fmt.Errorf("%w: peer %s not connected and DHT disabled", ErrScheduling, target)
	}
	queryCtx, cancel := context.WithTimeout(ctx, dhtQueryTimeout)
	defer cancel()

	closest, err := e.overlay.dht.GetClosestPeers(queryCtx, string(target))
	if err != nil {
		return err
	}
	found := false
	for _, p := range closest {
		if p == target {
			found = true
		}
	}
	if !found {
		return ErrPeerNotFound
	}
	pi := e.overlay.host.Peerstore().PeerInfo(target)
	return e.overlay.host.Connect(ctx, pi)
}
