package model

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy Keccak-256 digest used by EVM chains.
func Keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func Keccak256Hex(parts ...[]byte) string {
	return "0x" + hex.EncodeToString(Keccak256(parts...))
}

// RouteDataHash is the canonical hash a CycleRequest carries for its route data.
func RouteDataHash(routeData []byte) string {
	return Keccak256Hex(routeData)
}

// EventTopic returns topic0 for an event signature such as "StateTransition(uint8,uint8)".
func EventTopic(signature string) string {
	return Keccak256Hex([]byte(signature))
}

// SameHash compares two 0x-prefixed hashes case-insensitively.
func SameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
