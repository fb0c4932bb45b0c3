package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Browser delivers service advertisements. Browse must stop sending and
// return once ctx is done; sends must not block past that point.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- Entry) error
}

// ZeroconfBrowser browses the local network with multicast DNS.
type ZeroconfBrowser struct {
	opts []zeroconf.ClientOption
}

// NewZeroconfBrowser creates a multicast DNS browser.
func NewZeroconfBrowser(opts ...zeroconf.ClientOption) *ZeroconfBrowser {
	return &ZeroconfBrowser{opts: opts}
}

// Browse resolves advertisements until ctx is done. A fresh resolver is
// used for every call.
func (b *ZeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- Entry) error {
	resolver, err := zeroconf.NewResolver(b.opts...)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	found := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, found); err != nil {
		return fmt.Errorf("failed to browse %s: %w", service, err)
	}

	// The resolver closes found when ctx is done.
	for se := range found {
		if se == nil || ctx.Err() != nil {
			continue
		}
		select {
		case entries <- fromServiceEntry(se):
		case <-ctx.Done():
		}
	}
	return nil
}

func fromServiceEntry(se *zeroconf.ServiceEntry) Entry {
	return Entry{
		Instance: se.Instance,
		HostName: se.HostName,
		Port:     se.Port,
		AddrIPv4: se.AddrIPv4,
		AddrIPv6: se.AddrIPv6,
		Text:     se.Text,
	}
}

// Advertisement is a registered mDNS service announcement.
type Advertisement struct {
	Instance string
	server   *zeroconf.Server
}

// Advertise announces instance on all multicast interfaces until Shutdown
// is called.
func Advertise(instance, service, domain string, port int, text []string) (*Advertisement, error) {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to advertise %s: %w", instance, err)
	}
	return &Advertisement{Instance: instance, server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
