package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// IdentityPrefix is the storage-key prefix shared by every page of one
// listing identity in namespace ns. The identity is hashed so that
// "followers:1" can never prefix-match "followers:10".
func IdentityPrefix(ns, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return "page:" + ns + ":" + hex.EncodeToString(sum[:8]) + ":"
}

// PageKey returns the storage key of one page: identity prefix, generation,
// then the request fingerprint.
func PageKey(ns, identity string, gen uint64, fingerprint string) string {
	return IdentityPrefix(ns, identity) + "g" + strconv.FormatUint(gen, 10) + ":" + fingerprint
}
