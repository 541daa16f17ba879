// Package idgen generates the identifiers pagepack hands out: build IDs
// recorded in the history store and request IDs attached to HTTP and MCP
// calls.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps history listings in insertion order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator of short base-36 IDs of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Prefixes used across pagepack.
const (
	BuildPrefix   = "bld_"
	RequestPrefix = "req_"
)

var (
	// BuildID names one build run.
	BuildID = Prefixed(BuildPrefix, Default)
	// RequestID tags one HTTP or MCP call in logs.
	RequestID = Prefixed(RequestPrefix, NanoID(12))
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// ParseBuildID validates a build ID and returns its UUID part.
func ParseBuildID(id string) (string, error) {
	raw, ok := strings.CutPrefix(id, BuildPrefix)
	if !ok {
		return "", fmt.Errorf("idgen: %q lacks the %s prefix", id, BuildPrefix)
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid build id %q: %w", id, err)
	}
	return u.String(), nil
}
