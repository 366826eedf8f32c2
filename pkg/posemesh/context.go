package posemesh

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Context is the thread-safe handle callers hold onto a running engine. It
// is cheap to copy: every field is either immutable or itself safe for
// concurrent use.
type Context struct {
	localID peer.ID
	cmds    chan<- command
	closed  <-chan struct{}
	events  *eventBroadcast
}

// LocalID returns the peer identifier of the local node.
func (c Context) LocalID() peer.ID { return c.localID }

// Subscribe returns a channel delivering every Event the engine emits from
// this point forward. Each call returns an independent subscription; close
// it by cancelling the context passed to Subscribe.
func (c Context) Subscribe(ctx context.Context) <-chan Event {
	return c.events.subscribe(ctx)
}

// Send delivers message to peer on protocol. It resolves once the stream
// has been opened, the bytes written, and the write side half-closed. If
// peer is not yet connected, an internal find-peer runs first.
func (c Context) Send(ctx context.Context, message []byte, peer peer.ID, proto protocol.ID) error {
	reply := make(chan error, 1)
	cmd := sendCommand{Message: message, Peer: peer, Protocol: proto, Reply: reply}
	if err := c.post(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Find resolves when the DHT reports peer in a closest-peers progress step,
// or with ErrPeerNotFound if the query terminates without finding it.
func (c Context) Find(ctx context.Context, target peer.ID) error {
	reply := make(chan error, 1)
	cmd := findCommand{Peer: target, Reply: reply}
	if err := c.post(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStreamHandler registers acceptance of inbound streams on protocol.
// Once registered, each inbound stream is delivered to every subscriber as
// a MessageReceived event.
func (c Context) SetStreamHandler(ctx context.Context, proto protocol.ID) error {
	reply := make(chan error, 1)
	cmd := setStreamHandlerCommand{Protocol: proto, Reply: reply}
	if err := c.post(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenStream returns a raw, already-connected stream to peer on protocol,
// for callers (the datastore sessions) that need to run a framed protocol
// of their own over it rather than send one message.
func (c Context) OpenStream(ctx context.Context, target peer.ID, proto protocol.ID) (network.Stream, error) {
	reply := make(chan openStreamResult, 1)
	cmd := openStreamCommand{Peer: target, Protocol: proto, Reply: reply}
	if err := c.post(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Stream, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishGossip publishes data on an arbitrary gossip topic, joining it
// first if the engine has not already joined it. Used by the datastore to
// publish task-state updates on a job's topic.
func (c Context) PublishGossip(ctx context.Context, topic string, data []byte) error {
	reply := make(chan error, 1)
	cmd := publishCommand{Topic: topic, Data: data, Reply: reply}
	if err := c.post(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c Context) post(ctx context.Context, cmd command) error {
	// Check closed first: once Shutdown has run, the buffered cmds send
	// below could otherwise still be chosen and the command never answered.
	select {
	case <-c.closed:
		return errEngineClosed(fmt.Sprintf("%T", cmd))
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.closed:
		return errEngineClosed(fmt.Sprintf("%T", cmd))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errEngineClosed wraps ErrEngineClosed with the command kind that failed
// to post, for callers inspecting the returned error.
func errEngineClosed(kind string) error {
	return fmt.Errorf("%w: %s", ErrEngineClosed, kind)
}
