package gateguard

import (
	"fmt"
	"net"
	"strings"
)

// parseCIDRs accepts a mix of plain addresses and CIDR blocks. Plain
// addresses become /32 (or /128) networks.
func parseCIDRs(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
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

// boundString caps a value before it reaches any regex. Attack payloads do
// not need the tail to be recognizable, and unbounded input makes scan
// cost attacker-controlled.
func boundString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// truncateDetail keeps audit detail fields short enough to store.
func truncateDetail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
