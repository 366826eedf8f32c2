//go:build js

package posemesh

import dht "github.com/libp2p/go-libp2p-kad-dht"

// dhtMode returns the DHT mode for this build target: the browser build is
// forced to client mode, per the composite behaviour's browser-build rule.
func dhtMode() dht.ModeOpt { return dht.ModeClient }
