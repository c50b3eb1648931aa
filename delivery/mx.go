package delivery

import (
	"context"
	"net"
	"sort"
	"strings"
)

// MXLookuper performs the raw MX query. *net.Resolver satisfies it.
type MXLookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Resolver turns a recipient domain into the host used for a given attempt.
type Resolver struct {
	lookup   MXLookuper
	fallback bool
}

// NewResolver creates a Resolver. With fallback set, a domain without MX
// records is used as its own host.
func NewResolver(lookup MXLookuper, fallback bool) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{
		lookup:   lookup,
		fallback: fallback,
	}
}

// Hosts returns the candidate hosts for domain ordered by ascending
// preference. Hosts with equal preference are ordered by name so the list is
// stable across attempts. A failed query or an empty answer yields the bare
// domain when fallback is enabled. A null MX ("." per RFC 7505) yields nothing.
func (r *Resolver) Hosts(ctx context.Context, domain string) []string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return nil
	}

	records, err := r.lookup.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		if r.fallback {
			return []string{domain}
		}
		return nil
	}

	sorted := make([]*net.MX, 0, len(records))
	for _, mx := range records {
		if mx == nil {
			continue
		}
		sorted = append(sorted, &net.MX{
			Host: strings.ToLower(strings.TrimSuffix(mx.Host, ".")),
			Pref: mx.Pref,
		})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Pref != sorted[j].Pref {
			return sorted[i].Pref < sorted[j].Pref
		}
		return sorted[i].Host < sorted[j].Host
	})

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		if mx.Host == "" {
			continue
		}
		hosts = append(hosts, mx.Host)
	}
	return hosts
}

// Resolve returns the host for domain on the given 1-based attempt, or false
// when no host exists.
func (r *Resolver) Resolve(ctx context.Context, domain string, attempt int) (string, bool) {
	return SelectHost(r.Hosts(ctx, domain), attempt)
}

// SelectHost rotates through hosts by attempt: attempt 1 uses hosts[0],
// attempt N uses hosts[(N-1) mod len(hosts)]. Attempts below 1 count as 1.
func SelectHost(hosts []string, attempt int) (string, bool) {
	if len(hosts) == 0 {
		return "", false
	}
	if attempt < 1 {
		attempt = 1
	}
	return hosts[(attempt-1)%len(hosts)], true
}
