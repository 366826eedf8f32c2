package posemesh

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// command is the unexported interface behind every Command posted to the
// engine's inbound channel. Commands are processed strictly in the order
// they arrive.
type command interface {
	isCommand()
}

// sendCommand asks the engine to deliver message to peer on protocol. If
// peer is not yet connected, the engine issues an internal find-peer first
// and only attempts the stream once that resolves (successfully or not).
type sendCommand struct {
	Message  []byte
	Peer     peer.ID
	Protocol protocol.ID
	Reply    chan error
}

func (sendCommand) isCommand() {}

// findCommand asks the engine to resolve peer's addresses via the DHT.
type findCommand struct {
	Peer  peer.ID
	Reply chan error
}

func (findCommand) isCommand() {}

// setStreamHandlerCommand registers acceptance of inbound streams on
// protocol; every future inbound stream on it is delivered as a
// MessageReceived event.
type setStreamHandlerCommand struct {
	Protocol protocol.ID
	Reply    chan error
}

func (setStreamHandlerCommand) isCommand() {}

// openStreamCommand asks the engine for a raw stream to peer on protocol,
// without writing anything. Used by the datastore sessions, which need to
// drive the framed protocol themselves rather than have the engine write a
// single message and close.
type openStreamCommand struct {
	Peer     peer.ID
	Protocol protocol.ID
	Reply    chan openStreamResult
}

func (openStreamCommand) isCommand() {}

type openStreamResult struct {
	Stream network.Stream
	Err    error
}

// publishCommand asks the engine to gossip-publish data on an arbitrary
// topic, used by the datastore to publish task-state updates on the job's
// topic without reaching into the overlay directly.
type publishCommand struct {
	Topic string
	Data  []byte
	Reply chan error
}

func (publishCommand) isCommand() {}
