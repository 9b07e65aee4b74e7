// Package addrfilter implements the LAN/WAN multiaddr filtering spec.md §6
// requires ("LAN variant uses a separate routing table and filters public
// addresses; WAN filters private"). Grounded on the diogo464-go-libp2p-
// kbucket example's use of github.com/libp2p/go-cidranger for fast
// CIDR-range membership tests, generalized from that repo's ASN-diversity
// use case to a plain private/public split.
package addrfilter

import (
	"net"

	"github.com/libp2p/go-cidranger"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// privateRanges are RFC 1918 / RFC 4193 / loopback / link-local blocks.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"::1/128",
	"fe80::/10",
}

// Filter classifies multiaddrs as private (LAN) or public (WAN) by IP range.
type Filter struct {
	ranger cidranger.Ranger
}

// New builds a Filter pre-seeded with the standard private address blocks.
func New() (*Filter, error) {
	r := cidranger.NewPCTrieRanger()
	for _, cidr := range privateRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, err
		}
	}
	return &Filter{ranger: r}, nil
}

// IsPrivate reports whether addr's IP falls in a private range. Non-IP
// transports (relay, unix socket) are treated as private, matching the
// conservative default of not exposing them to the public-facing table.
func (f *Filter) IsPrivate(addr ma.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return true
	}
	contained, err := f.ranger.Contains(ip)
	if err != nil {
		return true
	}
	return contained
}

// FilterLAN keeps only private addresses, for the LAN routing table variant.
func (f *Filter) FilterLAN(addrs []ma.Multiaddr) []ma.Multiaddr {
	return f.filter(addrs, true)
}

// FilterWAN keeps only public addresses, for the WAN routing table variant.
func (f *Filter) FilterWAN(addrs []ma.Multiaddr) []ma.Multiaddr {
	return f.filter(addrs, false)
}

func (f *Filter) filter(addrs []ma.Multiaddr, wantPrivate bool) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if f.IsPrivate(a) == wantPrivate {
			out = append(out, a)
		}
	}
	return out
}
