// Package testutil provides deterministic helpers for tests:
// a seeded RNG and generators for embedding batches.
package testutil

import (
	"math/rand"

	"github.com/soundlens/soundlens/tensor"
)

// RNG encapsulates a seeded random number generator.
type RNG struct {
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), // nolint gosec
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int { return r.rand.Intn(n) }

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 { return r.rand.Float32() }

// RandomEmbeddings generates a rows x dim batch with entries in
// [-1, 1).
func (r *RNG) RandomEmbeddings(rows, dim int) *tensor.Dense {
	out := tensor.New(rows, dim)
	data := out.Data()
	for i := range data {
		data[i] = r.rand.Float32()*2 - 1
	}

	return out
}

// OrthonormalEmbeddings generates a rows x dim batch where row i is
// scale times the i-th standard basis vector. Requires dim >= rows.
// Matched rows across two such batches are parallel and all cross
// terms are exactly zero.
func OrthonormalEmbeddings(rows, dim int, scale float32) *tensor.Dense {
	out := tensor.New(rows, dim)
	for i := 0; i < rows; i++ {
		out.Row(i)[i] = scale
	}

	return out
}
