package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
)

// ErrUnknownLocation is returned when an address cannot be resolved.
var ErrUnknownLocation = errors.New("location unknown")

// GeoResolver maps an IP address to a coarse location such as a country
// code.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// GeoResolverFunc adapts a function to GeoResolver.
type GeoResolverFunc func(ctx context.Context, ip string) (string, error)

// Resolve calls f.
func (f GeoResolverFunc) Resolve(ctx context.Context, ip string) (string, error) {
	return f(ctx, ip)
}

// PrefixGeoResolver resolves addresses from a static CIDR table using the
// longest matching prefix.
type PrefixGeoResolver struct {
	prefixes []netip.Prefix
	codes    map[netip.Prefix]string
}

// NewPrefixGeoResolver builds a resolver from CIDR → location entries.
func NewPrefixGeoResolver(table map[string]string) (*PrefixGeoResolver, error) {
	r := &PrefixGeoResolver{codes: make(map[netip.Prefix]string, len(table))}
	for cidr, code := range table {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", cidr, err)
		}
		p = p.Masked()
		r.prefixes = append(r.prefixes, p)
		r.codes[p] = code
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		return r.prefixes[i].Bits() > r.prefixes[j].Bits()
	})
	return r, nil
}

// Resolve implements GeoResolver.
func (r *PrefixGeoResolver) Resolve(_ context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", ip, err)
	}
	addr = addr.Unmap()
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return r.codes[p], nil
		}
	}
	return "", ErrUnknownLocation
}
