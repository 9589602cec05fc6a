package limits

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPList matches addresses against single IPs and CIDR prefixes.
type IPList struct {
	prefixes []netip.Prefix
}

func ParseIPList(values []string) (*IPList, error) {
	l := &IPList{}
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q: %w", raw, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ip %q: %w", raw, err)
		}
		addr = addr.Unmap()
		l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return l, nil
}

func (l *IPList) Contains(ip string) bool {
	if l == nil || len(l.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Addrs returns the single-address entries, skipping ranges.
func (l *IPList) Addrs() []string {
	if l == nil {
		return nil
	}
	var out []string
	for _, p := range l.prefixes {
		if p.IsSingleIP() {
			out = append(out, p.Addr().String())
		}
	}
	return out
}

func (l *IPList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.prefixes)
}
