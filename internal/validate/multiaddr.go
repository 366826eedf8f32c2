package validate

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// AddrInfos parses a list of multiaddr strings, each expected to terminate
// in /p2p/<peer-id>, into peer.AddrInfo. Malformed entries are skipped, not
// fatal, per spec's "bootstrap and relay addresses" handling: the caller
// gets back whatever parsed cleanly.
func AddrInfos(addrs []string) []peer.AddrInfo {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	seen := make(map[peer.ID]int, len(addrs))
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		if idx, ok := seen[ai.ID]; ok {
			infos[idx].Addrs = append(infos[idx].Addrs, ai.Addrs...)
			continue
		}
		seen[ai.ID] = len(infos)
		infos = append(infos, *ai)
	}
	return infos
}
