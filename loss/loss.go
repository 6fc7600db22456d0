// Package loss implements the temperature-scaled contrastive objective
// over one or more visual views of an audio batch, together with its
// analytic gradients.
package loss

import (
	"errors"
	"fmt"

	"github.com/soundlens/soundlens/internal/math32"
	"github.com/soundlens/soundlens/similarity"
	"github.com/soundlens/soundlens/tensor"
)

// DefaultTemperature is the softmax temperature applied to every
// similarity matrix before the cross entropy.
const DefaultTemperature = 0.07

// ErrDegenerateBatch is returned when fewer than two samples reach the
// objective. With a single sample the identity-label classification has
// only one class and the loss is identically zero.
var ErrDegenerateBatch = errors.New("loss: batch size must be at least 2")

// ShapeError is returned when a visual view does not line up with the
// audio batch.
type ShapeError struct {
	View       int
	ViewShape  []int
	AudioShape []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("loss: view %d shape %v incompatible with audio shape %v", e.View, e.ViewShape, e.AudioShape)
}

// Options configures the contrastive objective.
type Options struct {
	// Temperature divides every similarity entry before the softmax.
	// Defaults to DefaultTemperature.
	Temperature float32
}

// Result holds the scalar loss and its gradients. Gradients are with
// respect to the raw embeddings, chain rule through the temperature
// already applied.
type Result struct {
	// Value is the sum of the per-view cross-entropy terms.
	Value float32

	// Terms holds each view's cross-entropy contribution, in view order.
	Terms []float32

	// VisualGrads[k] is dValue/dViews[k], shaped like Views[k].
	VisualGrads []*tensor.Dense

	// AudioGrad is dValue/dAudio accumulated over all views.
	AudioGrad *tensor.Dense
}

// Contrastive computes the identity-label cross entropy of each visual
// view against the audio batch and sums the terms unweighted.
//
// Every view and the audio batch must be B×D with the same B and D;
// rows at the same index are the matched pair. B < 2 is an input error,
// not a degenerate zero.
func Contrastive(views []*tensor.Dense, audio *tensor.Dense, optFns ...func(*Options)) (*Result, error) {
	opts := Options{Temperature: DefaultTemperature}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}

	if len(views) == 0 {
		return nil, errors.New("loss: at least one visual view is required")
	}
	if audio.Dims() != 2 {
		return nil, fmt.Errorf("loss: audio batch must be 2-dimensional, got shape %v", audio.Shape())
	}

	b, d := audio.Rows(), audio.Cols()
	if b < 2 {
		return nil, ErrDegenerateBatch
	}
	for k, v := range views {
		if v.Dims() != 2 || v.Rows() != b || v.Cols() != d {
			return nil, &ShapeError{View: k, ViewShape: v.Shape(), AudioShape: audio.Shape()}
		}
	}

	res := &Result{
		Terms:       make([]float32, len(views)),
		VisualGrads: make([]*tensor.Dense, len(views)),
		AudioGrad:   tensor.New(b, d),
	}

	invTau := 1 / opts.Temperature
	for k, v := range views {
		s, err := similarity.MatMulTranspose(v, audio)
		if err != nil {
			return nil, err
		}
		math32.ScaleInPlace(s.Data(), invTau)

		term, dS := crossEntropyIdentity(s)
		res.Terms[k] = term
		res.Value += term

		// dL/dV = dS · A / τ, dL/dA += dSᵗ · V / τ.
		grad := tensor.New(b, d)
		for i := 0; i < b; i++ {
			dRow := dS.Row(i)
			gRow := grad.Row(i)
			vRow := v.Row(i)
			for j := 0; j < b; j++ {
				g := dRow[j] * invTau
				math32.AxpyInPlace(gRow, g, audio.Row(j))
				math32.AxpyInPlace(res.AudioGrad.Row(j), g, vRow)
			}
		}
		res.VisualGrads[k] = grad
	}

	return res, nil
}

// crossEntropyIdentity reduces the scaled similarity matrix to the mean
// negative log softmax of its diagonal and returns dLoss/dS alongside.
// s is consumed: its rows are overwritten with the softmax.
func crossEntropyIdentity(s *tensor.Dense) (float32, *tensor.Dense) {
	b := s.Rows()
	inv := 1 / float32(b)

	var loss float32
	for i := 0; i < b; i++ {
		row := s.Row(i)
		loss += (math32.LogSumExp(row) - row[i]) * inv

		// dLoss/dS[i] = (softmax(row) - onehot(i)) / B.
		math32.SoftmaxInPlace(row)
		math32.ScaleInPlace(row, inv)
		row[i] -= inv
	}

	return loss, s
}
