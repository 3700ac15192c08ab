package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTarget      = errors.New("invalid target uid")
	ErrMalformedAddress   = errors.New("malformed address")
	ErrInvalidDomain      = errors.New("invalid domain")
	ErrCapacityExceeded   = errors.New("proxy country code at capacity")
	ErrInvalidCountryCode = errors.New("invalid proxy country code")
	ErrInvalidStatus      = errors.New("invalid rule status")
	ErrNotFound           = errors.New("rule not found")
)

// Error annotates a sentinel with the operation and the entity it targeted.
type Error struct {
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error for op/target around err.
func Errorf(op, target string, err error) error {
	return &Error{Op: op, Target: target, Err: err}
}

// CheckUID returns ErrInvalidTarget for UIDs that cannot own rules.
func CheckUID(op string, uid UID) error {
	if !uid.Valid() {
		return Errorf(op, uid.String(), ErrInvalidTarget)
	}
	return nil
}

// NormalizeCC upper-cases a proxy country code and validates it is two
// ASCII letters. The empty string means "no proxy" and is returned as-is.
func NormalizeCC(cc string) (string, error) {
	cc = strings.ToUpper(strings.TrimSpace(cc))
	if cc == "" {
		return "", nil
	}
	if len(cc) != 2 || cc[0] < 'A' || cc[0] > 'Z' || cc[1] < 'A' || cc[1] > 'Z' {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, cc)
	}
	return cc, nil
}
