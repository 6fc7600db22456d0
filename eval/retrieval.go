package eval

import (
	"context"
	"fmt"

	"github.com/soundlens/soundlens/similarity"
	"github.com/soundlens/soundlens/tensor"
)

// RecallAtK computes the fraction of rows whose diagonal entry ranks
// inside the top k columns of that row.
//
// Ties are broken by original column index: among equal scores, the
// lower index ranks first, so the result is deterministic for any
// input. k larger than the column count is treated as the column
// count.
func RecallAtK(sim *tensor.Dense, k int) (float64, error) {
	if sim.Dims() != 2 || sim.Rows() != sim.Cols() {
		return 0, fmt.Errorf("eval: recall wants a square matrix, got shape %v", sim.Shape())
	}
	if k < 1 {
		return 0, fmt.Errorf("eval: recall wants k >= 1, got %d", k)
	}

	n := sim.Rows()
	if k > n {
		k = n
	}

	hits := 0
	for i := 0; i < n; i++ {
		row := sim.Row(i)
		diag := row[i]

		// rank = number of columns ordered ahead of the diagonal.
		rank := 0
		for j, v := range row {
			if v > diag || (v == diag && j < i) {
				rank++
			}
		}
		if rank < k {
			hits++
		}
	}

	return float64(hits) / float64(n), nil
}

// RetrievalResult carries the final retrieval scalars of one
// evaluation pass.
type RetrievalResult struct {
	// Recall is Recall@K, the checkpoint-selection metric.
	Recall float64

	// K is the capped cutoff actually used.
	K int

	// Rows is the number of validation items.
	Rows int
}

// RetrievalOptions configures a RetrievalEvaluator.
type RetrievalOptions struct {
	// Engine builds the full similarity matrix. Defaults to a tiled
	// engine with the default block size.
	Engine *similarity.Engine

	// K is the recall cutoff. Defaults to 10.
	K int
}

// RetrievalEvaluator accumulates validation embeddings and scores
// cross-modal retrieval over the full similarity matrix. Row order is
// the ground truth: item i's audio is the one correct answer for item
// i's visual query.
type RetrievalEvaluator struct {
	engine *similarity.Engine
	k      int

	visuals []*tensor.Dense
	audios  []*tensor.Dense
	rows    int
}

// NewRetrievalEvaluator creates an empty evaluator.
func NewRetrievalEvaluator(optFns ...func(*RetrievalOptions)) *RetrievalEvaluator {
	opts := RetrievalOptions{K: 10}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Engine == nil {
		opts.Engine = similarity.NewEngine()
	}
	if opts.K < 1 {
		opts.K = 10
	}

	return &RetrievalEvaluator{engine: opts.Engine, k: opts.K}
}

// Add accumulates one batch of pooled embeddings.
func (e *RetrievalEvaluator) Add(visual, audio *tensor.Dense) error {
	if visual.Dims() != 2 || audio.Dims() != 2 {
		return fmt.Errorf("eval: embeddings must be pooled to 2-D, got %v and %v", visual.Shape(), audio.Shape())
	}
	if visual.Rows() != audio.Rows() {
		return fmt.Errorf("eval: batch has %d visual rows but %d audio rows", visual.Rows(), audio.Rows())
	}

	e.visuals = append(e.visuals, visual)
	e.audios = append(e.audios, audio)
	e.rows += visual.Rows()

	return nil
}

// Len returns the number of accumulated items.
func (e *RetrievalEvaluator) Len() int { return e.rows }

// Reset drops all accumulated embeddings for the next pass.
func (e *RetrievalEvaluator) Reset() {
	e.visuals = e.visuals[:0]
	e.audios = e.audios[:0]
	e.rows = 0
}

// Evaluate builds the full similarity matrix and computes Recall@K.
func (e *RetrievalEvaluator) Evaluate(ctx context.Context) (*RetrievalResult, error) {
	if e.rows == 0 {
		return nil, fmt.Errorf("eval: no embeddings accumulated")
	}

	visual, err := tensor.Concat(e.visuals)
	if err != nil {
		return nil, fmt.Errorf("eval: concat visual embeddings: %w", err)
	}
	audio, err := tensor.Concat(e.audios)
	if err != nil {
		return nil, fmt.Errorf("eval: concat audio embeddings: %w", err)
	}

	sim, err := e.engine.Pairwise(ctx, visual, audio)
	if err != nil {
		return nil, err
	}

	k := e.k
	if k > e.rows {
		k = e.rows
	}

	recall, err := RecallAtK(sim, k)
	if err != nil {
		return nil, err
	}

	return &RetrievalResult{Recall: recall, K: k, Rows: e.rows}, nil
}
