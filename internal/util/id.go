// Package util holds the identifier helpers shared by the context
// services.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier carrying an entity prefix, e.g.
// "proj_3f2a...". The prefix keeps mixed-entity ids greppable in logs
// and sync payloads.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewRequestID returns the short hex id stamped into X-Request-ID
// when a client did not supply one.
func NewRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
