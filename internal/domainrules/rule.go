package domainrules

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"grimm.is/appwall/internal/policy"
)

// Status is the action stored on a domain rule.
type Status uint8

const (
	StatusNone Status = iota
	StatusBlock
	StatusTrust
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusBlock:
		return "block"
	case StatusTrust:
		return "trust"
	}
	return fmt.Sprintf("domain_status(%d)", uint8(s))
}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool { return s <= StatusTrust }

// ParseStatus parses the string form of a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "none":
		return StatusNone, nil
	case "block":
		return StatusBlock, nil
	case "trust":
		return StatusTrust, nil
	}
	return StatusNone, fmt.Errorf("unknown domain rule status %q", s)
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

// Type records how a rule was entered. Wildcard rows are matched exactly
// like any other row; the type only drives display and grouping.
type Type uint8

const (
	TypeExact Type = iota
	TypeWildcard
)

func (t Type) String() string {
	if t == TypeWildcard {
		return "wildcard"
	}
	return "exact"
}

// ParseType parses "exact" or "wildcard". The empty string is exact.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "exact":
		return TypeExact, nil
	case "wildcard":
		return TypeWildcard, nil
	}
	return TypeExact, fmt.Errorf("unknown domain type %q", s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Key identifies one rule row.
type Key struct {
	UID    policy.UID `json:"uid"`
	Domain string     `json:"domain"`
}

func (k Key) String() string {
	return k.UID.String() + "/" + k.Domain
}

// Rule is one row of the domain rule table.
type Rule struct {
	UID        policy.UID `json:"uid"`
	Domain     string     `json:"domain"`
	Type       Type       `json:"type"`
	Status     Status     `json:"status"`
	ProxyID    string     `json:"proxy_id,omitempty"`
	ProxyCC    string     `json:"proxy_cc,omitempty"`
	ModifiedAt time.Time  `json:"modified_at,omitempty"`
}

// Key returns the row key of r.
func (r Rule) Key() Key {
	return Key{UID: r.UID, Domain: r.Domain}
}

// HasProxy reports whether r routes through a proxy.
func (r Rule) HasProxy() bool {
	return r.ProxyID != "" || r.ProxyCC != ""
}

const wildcardPrefix = "*."

// Canonicalize lower-cases a domain, strips trailing dots and converts it
// to its ASCII (punycode) form. A leading "*." is accepted only for
// wildcard rows and kept on the result.
func Canonicalize(domain string, typ Type) (string, error) {
	s := strings.TrimSpace(domain)
	s = strings.TrimRight(s, ".")
	s = strings.ToLower(s)

	wild := strings.HasPrefix(s, wildcardPrefix)
	if wild {
		if typ != TypeWildcard {
			return "", fmt.Errorf("%w: %q has a wildcard label", policy.ErrInvalidDomain, domain)
		}
		s = strings.TrimPrefix(s, wildcardPrefix)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty domain", policy.ErrInvalidDomain)
	}

	ascii, err := idna.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", policy.ErrInvalidDomain, err)
	}
	if strings.Contains(ascii, "..") || strings.IndexFunc(ascii, invalidHostRune) >= 0 {
		return "", fmt.Errorf("%w: %q", policy.ErrInvalidDomain, domain)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("%w: %q", policy.ErrInvalidDomain, domain)
	}
	if wild {
		return wildcardPrefix + ascii, nil
	}
	return ascii, nil
}

func invalidHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.':
		return false
	}
	return true
}

// lookupKey canonicalizes a queried name. Queries never carry a wildcard,
// but a literal "*." name still finds a wildcard row stored under it.
func lookupKey(domain string) (string, bool) {
	typ := TypeExact
	if strings.HasPrefix(strings.TrimSpace(domain), wildcardPrefix) {
		typ = TypeWildcard
	}
	s, err := Canonicalize(domain, typ)
	return s, err == nil
}
