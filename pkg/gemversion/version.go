// Package gemversion parses and compares RubyGems-style version strings and
// the requirement expressions used by the ruby-advisory-db corpus. Ordering
// and the "~>" rule come from aquasecurity/go-gem-version.
package gemversion

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	gem "github.com/aquasecurity/go-gem-version"
)

// ErrMalformedVersion is returned when a version string cannot be parsed.
var ErrMalformedVersion = errors.New("malformed version")

// MalformedVersionError carries the offending input of a failed Parse.
type MalformedVersionError struct {
	Input  string
	Reason string
	Err    error
}

func (e *MalformedVersionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed version %q", e.Input)
	}
	return fmt.Sprintf("malformed version %q: %s", e.Input, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedVersion and the parser's cause.
func (e *MalformedVersionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedVersion}
	}
	return []error{ErrMalformedVersion, e.Err}
}

var zeroVersion = mustGem("0")

func mustGem(text string) gem.Version {
	v, err := gem.NewVersion(text)
	if err != nil {
		panic(err)
	}
	return v
}

// Version is a parsed gem version. The zero value behaves like "0".
type Version struct {
	raw string
	v   gem.Version
}

// Parse parses a gem version such as "1.2.3", "4.2.5.1" or "1.0.0.rc1".
// A hyphen introduces a pre-release: "1.0-rc1" is treated as "1.0.pre.rc1".
func Parse(text string) (Version, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Version{}, &MalformedVersionError{Input: text, Reason: "empty version"}
	}
	v, err := gem.NewVersion(trimmed)
	if err != nil {
		return Version{}, &MalformedVersionError{Input: text, Reason: "invalid format", Err: err}
	}
	return Version{raw: trimmed, v: v}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) value() gem.Version {
	if v.raw == "" {
		return zeroVersion
	}
	return v.v
}

func fromGem(v gem.Version) Version {
	return Version{raw: v.String(), v: v}
}

// String returns the version as it was written.
func (v Version) String() string {
	if v.raw == "" {
		return "0"
	}
	return v.raw
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool { return v.raw == "" }

// Prerelease reports whether the version contains a letter, as RubyGems does.
func (v Version) Prerelease() bool {
	return strings.IndexFunc(v.raw, unicode.IsLetter) >= 0
}

// Release returns v without its pre-release part.
func (v Version) Release() Version {
	if !v.Prerelease() {
		return v
	}
	return fromGem(v.value().Release())
}

// Bump returns the exclusive upper bound of a "~>" requirement on v.
func (v Version) Bump() Version { return fromGem(v.value().Bump()) }

// Compare returns -1, 0 or +1 when v is less than, equal to or greater than other.
func (v Version) Compare(other Version) int { return v.value().Compare(other.value()) }

// Equal reports whether v and other compare equal ("1.2" equals "1.2.0").
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Compare is a convenience for a.Compare(b).
func Compare(a, b Version) int { return a.Compare(b) }
