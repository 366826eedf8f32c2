package posemesh

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Node is the descriptor a posemesh participant advertises on the well-known
// "Posemesh" gossip topic. It is created once at engine startup from the
// local config and peer identity, then re-broadcast periodically unchanged.
type Node struct {
	ID           peer.ID  `json:"id"`
	Name         string   `json:"name"`
	NodeTypes    []string `json:"node_types,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// directory is the process-local, mutex-protected map of every Node the
// engine has decoded off the advertise topic, keyed by peer ID. Only the
// engine mutates it; readers lock only long enough to copy what they need.
type directory struct {
	mu    sync.Mutex
	nodes map[peer.ID]Node
}

func newDirectory() *directory {
	return &directory{nodes: make(map[peer.ID]Node)}
}

// upsert inserts node if its ID is not already known. It reports whether the
// node was newly inserted, which the engine uses to decide whether to emit
// NewNodeRegistered.
func (d *directory) upsert(n Node) (inserted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[n.ID]; ok {
		return false
	}
	d.nodes[n.ID] = n
	return true
}

// lookup returns the Node for id and whether it is known.
func (d *directory) lookup(id peer.ID) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	return n, ok
}

// snapshot returns a copy of every known Node, safe to range over without
// holding the directory's lock.
func (d *directory) snapshot() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}
