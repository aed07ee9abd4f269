// Package id computes the deterministic actor id from (name, key).
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hash returns the 16-hex-char actor id for (name, key): the first 16 hex
// characters of SHA-256(JSON([name, key])). The same (name, key) always
// hashes to the same id, in this process or any other, without a lookup
// table (spec.md §3, §4.H).
func Hash(name string, key []string) string {
	if key == nil {
		key = []string{}
	}
	payload, err := json.Marshal([]any{name, key})
	if err != nil {
		// name and []string always marshal; a failure here means the
		// standard library itself is broken.
		panic("colony/id: unexpected json.Marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
