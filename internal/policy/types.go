package policy

import (
	"fmt"
	"strconv"
)

// UID identifies an installed application.
type UID int

const (
	// Everybody is the app-agnostic scope used by universal rules.
	Everybody UID = -1000
	// InvalidUID is never a valid target for a mutation.
	InvalidUID UID = -1
)

// Valid reports whether u may own rules. Negative UIDs other than Everybody
// are tombstones of uninstalled apps.
func (u UID) Valid() bool {
	return u >= 0 || u == Everybody
}

// IsApp reports whether u names a concrete app (not the universal scope).
func (u UID) IsApp() bool {
	return u >= 0
}

func (u UID) String() string {
	if u == Everybody {
		return "everybody"
	}
	return strconv.Itoa(int(u))
}

// ParseUID accepts a decimal UID or the literal "everybody".
func ParseUID(s string) (UID, error) {
	if s == "everybody" {
		return Everybody, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return InvalidUID, fmt.Errorf("%w: uid %q", ErrInvalidTarget, s)
	}
	return UID(n), nil
}

// FirewallMode is the per-app override axis.
type FirewallMode uint8

const (
	FirewallNone FirewallMode = iota
	FirewallIsolate
	FirewallBypassDNS
	FirewallBypassUniversal
	FirewallExclude
)

var firewallModeNames = map[FirewallMode]string{
	FirewallNone:            "none",
	FirewallIsolate:         "isolate",
	FirewallBypassDNS:       "bypass_dns_firewall",
	FirewallBypassUniversal: "bypass_universal",
	FirewallExclude:         "exclude",
}

func (m FirewallMode) String() string {
	if s, ok := firewallModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("firewall_mode(%d)", uint8(m))
}

// Valid reports whether m is one of the declared modes.
func (m FirewallMode) Valid() bool {
	_, ok := firewallModeNames[m]
	return ok
}

// Overrides reports whether m suspends connection-mode evaluation.
func (m FirewallMode) Overrides() bool {
	return m != FirewallNone
}

// ParseFirewallMode parses the string form of a FirewallMode.
func ParseFirewallMode(s string) (FirewallMode, error) {
	for m, name := range firewallModeNames {
		if name == s {
			return m, nil
		}
	}
	return FirewallNone, fmt.Errorf("unknown firewall mode %q", s)
}

func (m FirewallMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *FirewallMode) UnmarshalText(b []byte) error {
	v, err := ParseFirewallMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ConnectionMode records which network kinds an app is blocked on.
type ConnectionMode uint8

const (
	// ConnAllow blocks on neither network kind.
	ConnAllow ConnectionMode = iota
	// ConnMetered blocks on metered (mobile) networks.
	ConnMetered
	// ConnUnmetered blocks on unmetered (Wi-Fi) networks.
	ConnUnmetered
	// ConnBoth blocks on every network.
	ConnBoth
)

var connectionModeNames = map[ConnectionMode]string{
	ConnAllow:     "allow",
	ConnMetered:   "metered",
	ConnUnmetered: "unmetered",
	ConnBoth:      "both",
}

// ConnectionModes lists every mode, in declaration order.
var ConnectionModes = []ConnectionMode{ConnAllow, ConnMetered, ConnUnmetered, ConnBoth}

func (c ConnectionMode) String() string {
	if s, ok := connectionModeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("connection_mode(%d)", uint8(c))
}

// Valid reports whether c is one of the declared modes.
func (c ConnectionMode) Valid() bool {
	_, ok := connectionModeNames[c]
	return ok
}

// BlocksOn reports whether c blocks traffic on a network with metering m.
// Unknown metering only matters for ConnBoth.
func (c ConnectionMode) BlocksOn(m Metering) bool {
	switch c {
	case ConnBoth:
		return true
	case ConnMetered:
		return m == Metered
	case ConnUnmetered:
		return m == Unmetered
	default:
		return false
	}
}

// ParseConnectionMode parses the string form of a ConnectionMode.
func ParseConnectionMode(s string) (ConnectionMode, error) {
	for c, name := range connectionModeNames {
		if name == s {
			return c, nil
		}
	}
	return ConnAllow, fmt.Errorf("unknown connection mode %q", s)
}

func (c ConnectionMode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ConnectionMode) UnmarshalText(b []byte) error {
	v, err := ParseConnectionMode(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// NetworkKind is the network a toggle applies to.
type NetworkKind uint8

const (
	NetworkWiFi NetworkKind = iota
	NetworkMobile
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkWiFi:
		return "wifi"
	case NetworkMobile:
		return "mobile"
	}
	return fmt.Sprintf("network_kind(%d)", uint8(k))
}

// ParseNetworkKind parses "wifi" or "mobile".
func ParseNetworkKind(s string) (NetworkKind, error) {
	switch s {
	case "wifi":
		return NetworkWiFi, nil
	case "mobile":
		return NetworkMobile, nil
	}
	return NetworkWiFi, fmt.Errorf("unknown network kind %q", s)
}

func (k NetworkKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *NetworkKind) UnmarshalText(b []byte) error {
	v, err := ParseNetworkKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Metering is the current network classification fed in by the host.
type Metering uint8

const (
	MeteringUnknown Metering = iota
	Unmetered
	Metered
)

func (m Metering) String() string {
	switch m {
	case Unmetered:
		return "unmetered"
	case Metered:
		return "metered"
	}
	return "unknown"
}

// ParseMetering parses "metered", "unmetered" or "unknown".
func ParseMetering(s string) (Metering, error) {
	switch s {
	case "", "unknown":
		return MeteringUnknown, nil
	case "unmetered":
		return Unmetered, nil
	case "metered":
		return Metered, nil
	}
	return MeteringUnknown, fmt.Errorf("unknown metering %q", s)
}

func (m Metering) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Metering) UnmarshalText(b []byte) error {
	v, err := ParseMetering(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Verdict is the final decision for a connection.
type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictBlock
)

func (v Verdict) String() string {
	if v == VerdictBlock {
		return "block"
	}
	return "allow"
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Source names the table that produced a verdict.
type Source uint8

const (
	SourceDefault Source = iota
	SourceAppPolicy
	SourceIPRule
	SourceDomainRule
)

func (s Source) String() string {
	switch s {
	case SourceAppPolicy:
		return "app_policy"
	case SourceIPRule:
		return "ip_rule"
	case SourceDomainRule:
		return "domain_rule"
	}
	return "default"
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "allow":
		*v = VerdictAllow
	case "block":
		*v = VerdictBlock
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

func (s *Source) UnmarshalText(b []byte) error {
	for _, c := range []Source{SourceDefault, SourceAppPolicy, SourceIPRule, SourceDomainRule} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown source %q", b)
}
