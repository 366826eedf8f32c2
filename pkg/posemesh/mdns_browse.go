package posemesh

import (
	"context"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"
)

// browseOnce runs a single mDNS browse pass via zeroconf, translating each
// discovered service's TXT records onto entries. zeroconf owns the
// multicast socket directly rather than talking to a platform daemon
// (mDNSResponder, avahi), so this is the one browse path on every OS this
// module runs on; there is no separate CGo/DNS-SD variant to keep in sync
// with it.
func browseOnce(ctx context.Context, service, domain string, entries chan<- []string) error {
	domain = strings.TrimSuffix(domain, ".")

	found := make(chan *zeroconf.ServiceEntry, 100)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range found {
			select {
			case entries <- entry.Text:
			case <-ctx.Done():
				for range found {
				}
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, service, domain, found)
	wg.Wait()
	return err
}
