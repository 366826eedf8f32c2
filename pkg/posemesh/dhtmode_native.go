//go:build !js

package posemesh

import dht "github.com/libp2p/go-libp2p-kad-dht"

// dhtMode returns the DHT mode for this build target: native builds serve
// other peers' queries, not just issue their own.
func dhtMode() dht.ModeOpt { return dht.ModeServer }
