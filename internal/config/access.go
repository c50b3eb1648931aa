package config

import (
	"fmt"
	"net"
	"strings"
)

// ParseNetworks parses a comma separated list of CIDR blocks or bare IPs.
// Bare IPs become single-host networks.
func ParseNetworks(value string) ([]*net.IPNet, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var result []*net.IPNet
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", part)
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			result = append(result, &net.IPNet{IP: ip, Mask: mask})
			continue
		}
		_, network, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", part, err)
		}
		result = append(result, network)
	}
	return result, nil
}

// Allowed reports whether ip falls into one of nets. An empty list allows everything.
func Allowed(nets []*net.IPNet, ip net.IP) bool {
	if len(nets) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
