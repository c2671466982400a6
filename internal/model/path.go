// Package model holds the client's data model: paths, directory entries,
// content summaries, and the JSON wire shapes the store returns, normalized
// into the package's exported types.
//
// Path follows the same parse-once, immutable value-type shape the teacher
// repo uses for drive identifiers (driveid.ID / driveid.CanonicalID):
// validate at construction, store normalized, expose via String().
package model

import (
	"fmt"
	"strings"
)

// Path is a validated absolute, slash-separated store path. The zero value
// is not a valid Path — always construct via NewPath or Join.
type Path struct {
	value string
}

// NewPath validates and wraps a raw path string. It must begin with "/" and
// must not contain empty segments (so no "//" and no trailing "/" other
// than the root path itself).
func NewPath(raw string) (Path, error) {
	if raw == "" || raw[0] != '/' {
		return Path{}, fmt.Errorf("model: path %q must be absolute", raw)
	}

	if raw == "/" {
		return Path{value: "/"}, nil
	}

	segments := strings.Split(raw[1:], "/")
	for _, seg := range segments {
		if seg == "" {
			return Path{}, fmt.Errorf("model: path %q contains an empty segment", raw)
		}
	}

	return Path{value: raw}, nil
}

// String returns the normalized absolute path.
func (p Path) String() string {
	return p.value
}

// IsZero reports whether this is the unconstructed zero value.
func (p Path) IsZero() bool {
	return p.value == ""
}

// Prefix wraps a path prefix prepended to every operation by a
// prefix-scoped client (spec.md §3 "a client may be scoped by a path
// prefix"). Prefixes containing "//" are rejected at construction
// (spec.md §4.3 URL-encoding rule).
type Prefix struct {
	value string
}

// NewPrefix validates a path prefix: must be absolute, no empty segments,
// and must not contain a literal "//".
func NewPrefix(raw string) (Prefix, error) {
	if raw == "" {
		return Prefix{}, nil
	}

	if strings.Contains(raw, "//") {
		return Prefix{}, fmt.Errorf("model: path prefix %q must not contain \"//\"", raw)
	}

	p, err := NewPath(raw)
	if err != nil {
		return Prefix{}, fmt.Errorf("model: invalid path prefix: %w", err)
	}

	// Root prefix ("/") contributes nothing — normalize it away so Join
	// never produces a doubled leading slash.
	if p.value == "/" {
		return Prefix{}, nil
	}

	return Prefix{value: p.value}, nil
}

// Join prepends the prefix (if any) to path, returning the fully-qualified
// path sent on the wire.
func (pfx Prefix) Join(path Path) string {
	return pfx.value + path.value
}

// String returns the raw prefix string ("" if unset).
func (pfx Prefix) String() string {
	return pfx.value
}
