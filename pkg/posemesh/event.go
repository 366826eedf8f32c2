package posemesh

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Event is something the engine reports back to callers through a Context's
// event broadcast. The concrete types below are the only implementations.
type Event interface {
	isEvent()
}

// NewNodeRegistered fires the first time a Node descriptor is decoded off
// the "Posemesh" advertise topic. Repeated advertisements from an
// already-known peer never fire it again.
type NewNodeRegistered struct {
	Node Node
}

func (NewNodeRegistered) isEvent() {}

// MessageReceived fires for every inbound stream opened on a protocol the
// caller registered with SetStreamHandler.
type MessageReceived struct {
	Stream   network.Stream
	Protocol protocol.ID
	Peer     peer.ID
}

func (MessageReceived) isEvent() {}
