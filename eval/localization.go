// Package eval implements the validation passes: audio-visual source
// localization scored by consensus IoU, and cross-modal retrieval
// scored by recall.
package eval

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundlens/soundlens/similarity"
	"github.com/soundlens/soundlens/tensor"
)

// DefaultMapSize is the square heatmap edge length rows are upsampled
// to before scoring.
const DefaultMapSize = 224

// successSteps is the number of evenly spaced cutoffs swept for the AUC.
const successSteps = 21

// CIoU computes the consensus IoU between a predicted heatmap
// binarized at thr and a binary ground-truth map of the same shape:
// |pred∩gt| / (|gt| + |pred∩¬gt|).
func CIoU(pred, gt *tensor.Dense, thr float32) (float64, error) {
	if pred.Len() != gt.Len() {
		return 0, fmt.Errorf("eval: pred has %d entries, gt has %d", pred.Len(), gt.Len())
	}

	var inter, gtArea, falsePos float64
	pd, gd := pred.Data(), gt.Data()
	for i := range pd {
		on := pd[i] >= thr
		if gd[i] != 0 {
			gtArea++
			if on {
				inter++
			}
		} else if on {
			falsePos++
		}
	}

	denom := gtArea + falsePos
	if denom == 0 {
		return 0, nil
	}

	return inter / denom, nil
}

// MedianThreshold returns the 50th-percentile value of the heatmap,
// the adaptive per-row binarization cutoff. It is a function of the
// single row only, so roughly half of each row's pixels end up
// positive regardless of that row's absolute similarity scale.
func MedianThreshold(pred *tensor.Dense) float32 {
	vals := append([]float32(nil), pred.Data()...)
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })

	return vals[len(vals)/2]
}

// Scorer accumulates per-row CIoU values and reduces them to the final
// scalars. Reset clears it for the next evaluation pass.
type Scorer struct {
	cious []float64
}

// Score binarizes pred at thr, accumulates its CIoU against gt, and
// returns the row's value.
func (s *Scorer) Score(pred, gt *tensor.Dense, thr float32) (float64, error) {
	v, err := CIoU(pred, gt, thr)
	if err != nil {
		return 0, err
	}
	s.cious = append(s.cious, v)

	return v, nil
}

// Count returns the number of scored rows.
func (s *Scorer) Count() int { return len(s.cious) }

// Reset discards all accumulated rows.
func (s *Scorer) Reset() { s.cious = s.cious[:0] }

// Success returns the fraction of rows whose CIoU reaches thr.
func (s *Scorer) Success(thr float64) float64 {
	if len(s.cious) == 0 {
		return 0
	}

	hits := 0
	for _, v := range s.cious {
		if v >= thr {
			hits++
		}
	}

	return float64(hits) / float64(len(s.cious))
}

// AUC sweeps 21 thresholds over [0, 1] and integrates the success rate
// curve with the trapezoid rule.
func (s *Scorer) AUC() float64 {
	if len(s.cious) == 0 {
		return 0
	}

	const step = 1.0 / float64(successSteps-1)
	var auc float64
	prev := s.Success(0)
	for i := 1; i < successSteps; i++ {
		cur := s.Success(step * float64(i))
		auc += (prev + cur) / 2 * step
		prev = cur
	}

	return auc
}

// Mean returns the mean accumulated CIoU.
func (s *Scorer) Mean() float64 {
	if len(s.cious) == 0 {
		return 0
	}

	var sum float64
	for _, v := range s.cious {
		sum += v
	}

	return sum / float64(len(s.cious))
}

// LocalizationResult carries the final localization scalars of one
// evaluation pass. Success is the checkpoint-selection metric.
type LocalizationResult struct {
	// Success is the fraction of rows with CIoU >= 0.5.
	Success float64

	// AUC integrates the success rate over the threshold sweep.
	AUC float64

	// MeanCIoU is the mean per-row CIoU.
	MeanCIoU float64

	// Rows is the number of validation items scored.
	Rows int
}

// LocalizationOptions configures a LocalizationEvaluator.
type LocalizationOptions struct {
	// Engine builds the full similarity matrix. Defaults to a tiled
	// engine with the default block size.
	Engine *similarity.Engine

	// MapSize is the square heatmap edge length. Defaults to
	// DefaultMapSize.
	MapSize int
}

// LocalizationEvaluator accumulates validation embeddings batch by
// batch, then builds the full cross-modal similarity matrix and scores
// every row against the label-derived ground truth.
type LocalizationEvaluator struct {
	engine  *similarity.Engine
	mapSize int

	visuals []*tensor.Dense
	audios  []*tensor.Dense
	ids     []string
}

// NewLocalizationEvaluator creates an empty evaluator.
func NewLocalizationEvaluator(optFns ...func(*LocalizationOptions)) *LocalizationEvaluator {
	opts := LocalizationOptions{MapSize: DefaultMapSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Engine == nil {
		opts.Engine = similarity.NewEngine()
	}
	if opts.MapSize <= 0 {
		opts.MapSize = DefaultMapSize
	}

	return &LocalizationEvaluator{
		engine:  opts.Engine,
		mapSize: opts.MapSize,
	}
}

// Add accumulates one batch of pooled embeddings. Row k of each tensor
// and ids[k] refer to the same item.
func (e *LocalizationEvaluator) Add(visual, audio *tensor.Dense, ids []string) error {
	if visual.Dims() != 2 || audio.Dims() != 2 {
		return fmt.Errorf("eval: embeddings must be pooled to 2-D, got %v and %v", visual.Shape(), audio.Shape())
	}
	if visual.Rows() != len(ids) || audio.Rows() != len(ids) {
		return fmt.Errorf("eval: batch carries %d ids but %dx%d embeddings", len(ids), visual.Rows(), audio.Rows())
	}

	e.visuals = append(e.visuals, visual)
	e.audios = append(e.audios, audio)
	e.ids = append(e.ids, ids...)

	return nil
}

// Len returns the number of accumulated items.
func (e *LocalizationEvaluator) Len() int { return len(e.ids) }

// Reset drops all accumulated embeddings for the next pass.
func (e *LocalizationEvaluator) Reset() {
	e.visuals = e.visuals[:0]
	e.audios = e.audios[:0]
	e.ids = e.ids[:0]
}

// Evaluate builds the full similarity matrix over everything
// accumulated and scores each row: the row's similarities are reshaped
// to a column and upsampled bicubically to the heatmap grid, the
// ground-truth row is upsampled nearest-neighbor to keep it binary,
// and the heatmap is binarized at its own median.
func (e *LocalizationEvaluator) Evaluate(ctx context.Context, labels map[string][]string) (*LocalizationResult, error) {
	if len(e.ids) == 0 {
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

	gt := NewGroundTruth(e.ids, labels)
	n := gt.Len()

	var scorer Scorer
	for i := 0; i < n; i++ {
		predCol, err := tensor.FromSlice(append([]float32(nil), sim.Row(i)...), n, 1)
		if err != nil {
			return nil, err
		}
		pred, err := ResizeBicubic(predCol, e.mapSize, e.mapSize)
		if err != nil {
			return nil, err
		}

		gtCol, err := tensor.FromSlice(gt.Row(i), n, 1)
		if err != nil {
			return nil, err
		}
		gtMap, err := ResizeNearest(gtCol, e.mapSize, e.mapSize)
		if err != nil {
			return nil, err
		}

		if _, err := scorer.Score(pred, gtMap, MedianThreshold(pred)); err != nil {
			return nil, err
		}
	}

	return &LocalizationResult{
		Success:  scorer.Success(0.5),
		AUC:      scorer.AUC(),
		MeanCIoU: scorer.Mean(),
		Rows:     n,
	}, nil
}
