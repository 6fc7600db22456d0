package similarity

import (
	"context"
	"testing"
	"time"

	"github.com/soundlens/soundlens/resource"
	"github.com/soundlens/soundlens/tensor"
	"github.com/soundlens/soundlens/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpans(t *testing.T) {
	tests := []struct {
		name     string
		n, size  int
		expected []span
	}{
		{"Even", 8, 4, []span{{0, 4}, {4, 8}}},
		{"Remainder", 10, 4, []span{{0, 4}, {4, 8}, {8, 10}}},
		{"SingleShort", 3, 4, []span{{0, 3}}},
		{"Exact", 4, 4, []span{{0, 4}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, spans(tt.n, tt.size))
		})
	}
}

func TestPairwiseMatchesUntiled(t *testing.T) {
	rng := testutil.NewRNG(7)
	ctx := context.Background()

	cases := []struct {
		n, m, d, block int
	}{
		{16, 16, 8, 4},
		{17, 5, 8, 4},   // remainders on both axes
		{5, 17, 8, 4},
		{1, 1, 3, 128},  // single element, oversized block
		{33, 31, 16, 7}, // nothing divides evenly
	}

	for _, tc := range cases {
		a := rng.RandomEmbeddings(tc.n, tc.d)
		b := rng.RandomEmbeddings(tc.m, tc.d)

		e := NewEngine(func(o *Options) { o.BlockSize = tc.block })
		tiled, err := e.Pairwise(ctx, a, b)
		require.NoError(t, err)

		untiled, err := MatMulTranspose(a, b)
		require.NoError(t, err)

		require.Equal(t, untiled.Shape(), tiled.Shape())
		for i := range untiled.Data() {
			assert.InDelta(t, untiled.Data()[i], tiled.Data()[i], 1e-5)
		}
	}
}

func TestPairwiseOrthonormalIsIdentity(t *testing.T) {
	e := NewEngine(func(o *Options) { o.BlockSize = 2 })

	emb := testutil.OrthonormalEmbeddings(4, 4, 1)
	s, err := e.Pairwise(context.Background(), emb, emb)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := float32(0)
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, s.Row(i)[j], 1e-6)
		}
	}
}

func TestPairwiseWithResourceBudget(t *testing.T) {
	// Budget fits one tile at a time; the engine must still finish.
	rc := resource.NewController(resource.Config{
		DeviceMemoryBytes: 4 * (4 + 4) * 8 * 4,
		MaxTileWorkers:    3,
	})
	e := NewEngine(func(o *Options) {
		o.BlockSize = 4
		o.Controller = rc
	})

	rng := testutil.NewRNG(11)
	a := rng.RandomEmbeddings(10, 8)
	b := rng.RandomEmbeddings(9, 8)

	tiled, err := e.Pairwise(context.Background(), a, b)
	require.NoError(t, err)

	untiled, err := MatMulTranspose(a, b)
	require.NoError(t, err)
	for i := range untiled.Data() {
		assert.InDelta(t, untiled.Data()[i], tiled.Data()[i], 1e-5)
	}
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestPairwiseTileExceedsBudget(t *testing.T) {
	// A 4x4 tile over dim 8 needs 320 bytes; 64 can never stage it.
	// That must fail fast instead of parking a worker on the memory
	// semaphore until the context dies.
	rc := resource.NewController(resource.Config{DeviceMemoryBytes: 64})
	e := NewEngine(func(o *Options) {
		o.BlockSize = 4
		o.Controller = rc
	})

	rng := testutil.NewRNG(5)
	a := rng.RandomEmbeddings(4, 8)

	done := make(chan error, 1)
	go func() {
		_, err := e.Pairwise(context.Background(), a, a)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "exceeds device memory")
	case <-time.After(time.Second):
		t.Fatal("Pairwise blocked on an unsatisfiable tile")
	}
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestPairwiseValidation(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()
	rng := testutil.NewRNG(3)

	a := rng.RandomEmbeddings(4, 8)
	b := rng.RandomEmbeddings(4, 16)
	_, err := e.Pairwise(ctx, a, b)
	assert.Error(t, err)

	empty := tensor.New(0, 8)
	_, err = e.Pairwise(ctx, empty, a)
	assert.Error(t, err)

	threeD := tensor.New(2, 2, 2)
	_, err = e.Pairwise(ctx, threeD, a)
	assert.Error(t, err)
}
