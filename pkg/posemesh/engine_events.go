package posemesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
)

// handleBusEvent dispatches one event read off the host's typed event bus.
// This is the idiomatic Go equivalent of matching on a SwarmEvent enum:
// go-libp2p already demultiplexes transport/connection/identify state onto
// the bus, so the engine subscribes rather than re-deriving it.
func (e *Engine) handleBusEvent(ctx context.Context, raw interface{}) {
	switch ev := raw.(type) {
	case event.EvtLocalAddressesUpdated:
		e.handleLocalAddressesUpdated(ev)
	case event.EvtLocalReachabilityChanged:
		e.handleReachabilityChanged(ctx, ev)
	case event.EvtPeerConnectednessChanged:
		e.handleConnectednessChanged(ctx, ev)
	case event.EvtPeerIdentificationCompleted:
		e.handleIdentifyCompleted(ev)
	default:
		// Unreachable: the bus subscription in Run names exactly these types.
	}
}

// handleLocalAddressesUpdated covers both "new listen address" (logged with
// the local peer id attached, informational) and "external address
// confirmed/candidate". With a relay server enabled, each added address is
// also logged as an external address; it is not added to the host's
// advertised address set beyond what the host already reports.
func (e *Engine) handleLocalAddressesUpdated(ev event.EvtLocalAddressesUpdated) {
	p2pComponent, err := ma.NewComponent("p2p", e.localID.String())
	if err != nil {
		slog.Error("engine: failed to build local p2p multiaddr component", "error", err)
		return
	}
	for _, a := range ev.Current {
		if a.Action != event.Added {
			continue
		}
		p2pAddr := a.Address.Encapsulate(p2pComponent)
		slog.Info("engine: new listen address", "addr", p2pAddr.String())
		if e.cfg.EnableRelayServer {
			slog.Info("engine: advertising external address (relay server)", "addr", p2pAddr.String())
		}
	}
}

// handleReachabilityChanged is the engine's "Autonat client result"
// handling: on a transition to private reachability, begin listening
// through every configured relay so inbound dials can still reach us. The
// reachabilityPrivate latch ensures this only happens on the transition,
// not on every subsequent autonat probe.
func (e *Engine) handleReachabilityChanged(ctx context.Context, ev event.EvtLocalReachabilityChanged) {
	switch ev.Reachability {
	case network.ReachabilityPrivate:
		if e.reachabilityPrivate {
			return
		}
		e.reachabilityPrivate = true
		for _, relay := range e.cfg.RelayNodes {
			if err := e.overlay.listenOnRelay(ctx, relay); err != nil {
				slog.Warn("engine: failed to listen on relay", "relay", relay, "error", err)
				continue
			}
			if e.metrics != nil {
				e.metrics.RelayListening.Set(1)
			}
			slog.Info("engine: listening via relay circuit", "relay", relay)
		}
	case network.ReachabilityPublic:
		e.reachabilityPrivate = false
		if e.metrics != nil {
			e.metrics.RelayListening.Set(0)
		}
	}
}

// handleConnectednessChanged adds every newly connected peer to the gossip
// explicit-peer set.
func (e *Engine) handleConnectednessChanged(ctx context.Context, ev event.EvtPeerConnectednessChanged) {
	if ev.Connectedness != network.Connected {
		return
	}
	pi := e.overlay.host.Peerstore().PeerInfo(ev.Peer)
	e.addExplicitGossipPeer(ctx, pi)
}

// handleIdentifyCompleted is the engine's "Identify received" handling: the
// peer's advertised listen addresses are added to the DHT routing table.
// ("Identify sent" has no distinct completion event of its own in
// go-libp2p's public API; its effect is folded into this same handler,
// since by the time identify completes both directions have run.)
func (e *Engine) handleIdentifyCompleted(ev event.EvtPeerIdentificationCompleted) {
	if e.overlay.dht == nil {
		return
	}
	e.overlay.host.Peerstore().AddAddrs(ev.Peer, ev.ListenAddrs, 10*time.Minute)
	e.overlay.dht.RoutingTable().TryAddPeer(ev.Peer, true, false)
}

// handleMDNSEvent adds or removes peers from the gossip explicit-peer set
// as they appear or go quiet on the LAN.
func (e *Engine) handleMDNSEvent(ctx context.Context, ev mdnsEvent) {
	switch ev.Kind {
	case mdnsDiscovered:
		e.addExplicitGossipPeer(ctx, ev.Peer)
	case mdnsExpired:
		e.removeExplicitGossipPeer(ev.Peer.ID)
	}
}
