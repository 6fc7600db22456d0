// Package similarity computes pairwise dot-product similarity
// matrices between embedding batches.
//
// Evaluation-scale batches (tens of thousands of rows) produce
// matrices too large to keep resident in the constrained compute
// budget, so the full host-resident matrix is assembled from
// fixed-size tiles: for every block pair only that block's embeddings
// are staged, multiplied, and written back. Tiling is purely a
// memory-placement optimization; the result is identical to the
// untiled product up to floating-point associativity.
package similarity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/soundlens/soundlens/internal/math32"
	"github.com/soundlens/soundlens/resource"
	"github.com/soundlens/soundlens/tensor"
)

// DefaultBlockSize is the tile edge length, matching the usual
// training batch size.
const DefaultBlockSize = 128

// Engine builds similarity matrices tile by tile.
type Engine struct {
	blockSize int
	rc        *resource.Controller
}

// Options configures an Engine.
type Options struct {
	// BlockSize is the tile edge length. Defaults to DefaultBlockSize.
	BlockSize int

	// Controller bounds tile memory and concurrency; nil means one
	// worker, unlimited memory.
	Controller *resource.Controller
}

// NewEngine creates a tiled similarity engine.
func NewEngine(optFns ...func(*Options)) *Engine {
	opts := Options{BlockSize: DefaultBlockSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	return &Engine{
		blockSize: opts.BlockSize,
		rc:        opts.Controller,
	}
}

// span is one half-open tile index range.
type span struct {
	start, end int
}

// spans partitions [0, n) into blocks of at most size, with an
// explicit short remainder instead of assuming even divisibility.
func spans(n, size int) []span {
	out := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, span{start: start, end: end})
	}

	return out
}

// Pairwise computes S[i][j] = dot(a.Row(i), b.Row(j)) for all rows of
// a (N×D) and b (M×D), returning the N×M matrix.
//
// Extents and dimensions are validated once up front; per-tile
// arithmetic never reads past the true extents.
func (e *Engine) Pairwise(ctx context.Context, a, b *tensor.Dense) (*tensor.Dense, error) {
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, fmt.Errorf("similarity: embeddings must be 2-D, got %v and %v", a.Shape(), b.Shape())
	}
	if a.Cols() != b.Cols() {
		return nil, fmt.Errorf("similarity: dimension mismatch: %d vs %d", a.Cols(), b.Cols())
	}
	if a.Rows() == 0 || b.Rows() == 0 {
		return nil, fmt.Errorf("similarity: empty batch (%d x %d rows)", a.Rows(), b.Rows())
	}

	n, m, dim := a.Rows(), b.Rows(), a.Cols()

	// The worst-case tile must fit the device budget up front; a tile
	// that can never be staged would otherwise park a worker on the
	// memory semaphore forever.
	if budget := e.rc.MemoryBudget(); budget > 0 {
		worst := tileFootprint(min(n, e.blockSize), min(m, e.blockSize), dim)
		if worst > budget {
			return nil, fmt.Errorf("similarity: tile footprint %d bytes exceeds device memory %d bytes; reduce the block size", worst, budget)
		}
	}

	out := tensor.New(n, m)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rc.MaxTileWorkers())

	rowSpans := spans(n, e.blockSize)
	colSpans := spans(m, e.blockSize)

	for _, rs := range rowSpans {
		for _, cs := range colSpans {
			rs, cs := rs, cs
			g.Go(func() error {
				// Stage only this tile's embeddings plus its output
				// block in the device budget.
				tileBytes := tileFootprint(rs.end-rs.start, cs.end-cs.start, dim)
				if err := e.rc.AcquireMemory(gctx, tileBytes); err != nil {
					return err
				}
				defer e.rc.ReleaseMemory(tileBytes)

				multiplyTile(out, a, b, rs, cs)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// tileFootprint is the device-memory cost of one rows×cols tile: both
// staged embedding blocks plus the output block, in float32 bytes.
func tileFootprint(rows, cols, dim int) int64 {
	return int64(rows+cols)*int64(dim)*4 + int64(rows)*int64(cols)*4
}

// multiplyTile writes the (rs, cs) block of a·bᵗ into out.
// Tiles are disjoint, so concurrent calls never overlap writes.
func multiplyTile(out, a, b *tensor.Dense, rs, cs span) {
	for i := rs.start; i < rs.end; i++ {
		row := a.Row(i)
		dst := out.Row(i)
		for j := cs.start; j < cs.end; j++ {
			dst[j] = math32.Dot(row, b.Row(j))
		}
	}
}

// MatMulTranspose computes a·bᵗ without tiling. Used for
// training-batch-scale products where the whole result fits the
// compute budget.
func MatMulTranspose(a, b *tensor.Dense) (*tensor.Dense, error) {
	if a.Dims() != 2 || b.Dims() != 2 || a.Cols() != b.Cols() {
		return nil, fmt.Errorf("similarity: incompatible shapes %v and %v", a.Shape(), b.Shape())
	}

	out := tensor.New(a.Rows(), b.Rows())
	multiplyTile(out, a, b, span{0, a.Rows()}, span{0, b.Rows()})

	return out, nil
}
