// Package util holds small helpers shared across the proxy packages.
package util

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

// MustParseDuration parses a Go duration string and panics on failure,
// the same behavior the rest of the open-etc-pool-friends family uses for
// config values that are validated once at startup.
func MustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("util: malformed duration " + s)
	}
	return d
}

// Normalize ensures a hex string carries the "0x" prefix, lower-cased.
// normalize("abcd") == "0xabcd"; normalize("0xABCD") == "0xabcd".
func Normalize(s string) string {
	s = strings.ToLower(s)
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

// ToHex renders n as a lowercase "0x"-prefixed hex numeral.
func ToHex(n int64) string {
	return "0x" + strconv.FormatInt(n, 16)
}

// DiffFromBoundary computes the Stratum difficulty for a given boundary
// (target) hex string: (2^256 - 1) / boundary, floored at 1.0 when the
// boundary is zero or unparseable. The floor is arbitrary but kept for
// miner compatibility.
func DiffFromBoundary(boundaryHex string) float64 {
	b := strings.TrimPrefix(strings.ToLower(boundaryHex), "0x")
	if b == "" {
		return 1.0
	}
	target, ok := new(big.Int).SetString(b, 16)
	if !ok || target.Sign() <= 0 {
		return 1.0
	}
	maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	diff := new(big.Float).Quo(
		new(big.Float).SetInt(maxTarget),
		new(big.Float).SetInt(target),
	)
	f, _ := diff.Float64()
	if f < 1.0 {
		return 1.0
	}
	return f
}
