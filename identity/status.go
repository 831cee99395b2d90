package identity

import (
	"errors"
	"fmt"
)

// VerifiedStatus is the trust decision recorded for a peer's identity key.
type VerifiedStatus int

const (
	// StatusDefault means no explicit trust decision was made.
	StatusDefault VerifiedStatus = 0
	// StatusVerified means the key was confirmed out of band.
	StatusVerified VerifiedStatus = 1
	// StatusUnverified means the key was explicitly marked as not trusted.
	StatusUnverified VerifiedStatus = 2
)

// ErrUnknownStatus is returned for integers outside the VerifiedStatus range.
var ErrUnknownStatus = errors.New("unknown verified status")

// ParseVerifiedStatus converts a persisted integer to a VerifiedStatus.
func ParseVerifiedStatus(state int) (VerifiedStatus, error) {
	switch VerifiedStatus(state) {
	case StatusDefault, StatusVerified, StatusUnverified:
		return VerifiedStatus(state), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, state)
}

// Int returns the persisted form of s.
func (s VerifiedStatus) Int() int { return int(s) }

// Valid reports whether s is one of the defined statuses.
func (s VerifiedStatus) Valid() bool {
	_, err := ParseVerifiedStatus(int(s))
	return err == nil
}

func (s VerifiedStatus) String() string {
	switch s {
	case StatusDefault:
		return "DEFAULT"
	case StatusVerified:
		return "VERIFIED"
	case StatusUnverified:
		return "UNVERIFIED"
	}
	return fmt.Sprintf("VerifiedStatus(%d)", int(s))
}

// ParseVerifiedStatusName accepts the String form, case-sensitive.
func ParseVerifiedStatusName(name string) (VerifiedStatus, error) {
	switch name {
	case "DEFAULT":
		return StatusDefault, nil
	case "VERIFIED":
		return StatusVerified, nil
	case "UNVERIFIED":
		return StatusUnverified, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}
