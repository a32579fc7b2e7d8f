package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// DerivedID produces a stable id from the given parts. Used when an inbound
// payload carries no id of its own, so repeated polls of an overlapping
// history window derive the same id and dedup on it.
func DerivedID(prefix string, parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
	}
	return fmt.Sprintf("%s-%x", prefix, h.Sum64())
}
