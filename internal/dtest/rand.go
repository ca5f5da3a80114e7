package dtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomBytes returns n pseudorandom bytes seeded from the test name,
// so a given test sees the same data on every run.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()

	seed := sha256.Sum256([]byte(t.Name()))
	src := rand.NewChaCha8(seed)

	out := make([]byte, n)
	if _, err := src.Read(out); err != nil {
		panic(err)
	}

	return out
}
