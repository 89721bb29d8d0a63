package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// StringHash computes SHA-256 hash of a string
func StringHash(input string) string {
	return BytesHash([]byte(input))
}

// BytesHash computes SHA-256 hash of byte slice
func BytesHash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// FeatureHash hashes one presented feature: its name plus the JSON form of its definition.
func FeatureHash(name string, definition interface{}) (string, error) {
	var defBytes []byte
	if definition != nil {
		var err error
		defBytes, err = json.Marshal(definition)
		if err != nil {
			return "", fmt.Errorf("failed to marshal feature definition: %w", err)
		}
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(defBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SetHash combines per-item hashes into an order-independent digest.
// An empty set hashes to the digest of the empty string.
func SetHash(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, item := range sorted {
		h.Write([]byte(item))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
