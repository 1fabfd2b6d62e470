// Package editkey mints and compares the per-session edit tokens that
// guard annotation document exchanges.
package editkey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// KeyBytes is the entropy of an edit key. 16 random bytes keeps the
// token unguessable for the lifetime of a session.
const KeyBytes = 16

// New returns a fresh hex-encoded edit key.
func New() string {
	b := make([]byte, KeyBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Valid reports whether s has the shape of an edit key.
func Valid(s string) bool {
	if len(s) != KeyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Match compares a presented key against the stored one in constant
// time.
func Match(stored, presented string) bool {
	if len(stored) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
