package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EventID derives the deterministic identifier for one on-chain event from
// its discriminating parts (chain, transaction id, address, output/log/trace
// index). The same parts always produce the same ID.
func EventID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}
