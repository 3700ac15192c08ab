package iprules

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/appwall/internal/policy"
)

// Status is the action stored on an IP rule.
type Status uint8

const (
	StatusNone Status = iota
	StatusBlock
	StatusTrust
	StatusBypassUniversal
)

var statusNames = map[Status]string{
	StatusNone:            "none",
	StatusBlock:           "block",
	StatusTrust:           "trust",
	StatusBypassUniversal: "bypass_universal",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ip_status(%d)", uint8(s))
}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus parses the string form of a Status.
func ParseStatus(s string) (Status, error) {
	for st, n := range statusNames {
		if n == s {
			return st, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown ip rule status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Key identifies one rule row. IP is in canonical text form; Port 0 is the
// wildcard.
type Key struct {
	UID  policy.UID `json:"uid"`
	IP   string     `json:"ip"`
	Port uint16     `json:"port"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s:%d", k.UID, k.IP, k.Port)
}

// Rule is one row of the IP rule table.
type Rule struct {
	UID        policy.UID `json:"uid"`
	IP         string     `json:"ip"`
	Port       uint16     `json:"port"`
	Status     Status     `json:"status"`
	ProxyID    string     `json:"proxy_id,omitempty"`
	ProxyCC    string     `json:"proxy_cc,omitempty"`
	ModifiedAt time.Time  `json:"modified_at,omitempty"`
}

// Key returns the row key of r.
func (r Rule) Key() Key {
	return Key{UID: r.UID, IP: r.IP, Port: r.Port}
}

// HasProxy reports whether r routes through a proxy.
func (r Rule) HasProxy() bool {
	return r.ProxyID != "" || r.ProxyCC != ""
}

// Canonicalize parses an address or CIDR and returns its canonical prefix.
//
// IPv4-mapped IPv6 addresses become IPv4, zones are dropped and host bits are
// masked. A plain address is a full-length prefix, except the unspecified
// address which stands for its whole family.
func Canonicalize(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("%w: empty address", policy.ErrMalformedAddress)
	}

	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %v", policy.ErrMalformedAddress, err)
		}
		addr, bits := p.Addr(), p.Bits()
		if addr.Is4In6() {
			if bits < 96 {
				return netip.Prefix{}, fmt.Errorf("%w: %q mixes families", policy.ErrMalformedAddress, s)
			}
			addr, bits = addr.Unmap(), bits-96
		}
		return netip.PrefixFrom(addr, bits).Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", policy.ErrMalformedAddress, err)
	}
	addr = addr.WithZone("").Unmap()
	if addr.IsUnspecified() {
		return netip.PrefixFrom(addr, 0), nil
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Format renders a canonical prefix: a host prefix prints as its address.
func Format(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}

// CanonicalIP canonicalizes s and returns its text form.
func CanonicalIP(s string) (string, error) {
	p, err := Canonicalize(s)
	if err != nil {
		return "", err
	}
	return Format(p), nil
}

// ParseAddr parses a destination address for lookup, unmapping
// IPv4-mapped IPv6 and dropping any zone.
func ParseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
