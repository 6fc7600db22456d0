// Package dataset defines the data-source boundary of the training
// loop. The expensive work of decoding video frames and audio lives
// behind the Source interface; the loop only needs ordered batches and
// random-access re-fetch by integer index.
package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/soundlens/soundlens/tensor"
)

// ErrOutOfRange is returned by Fetch for an index outside the source.
var ErrOutOfRange = errors.New("dataset: index out of range")

// Sample is one paired training or validation item.
type Sample struct {
	// Visual is the decoded frame tensor.
	Visual *tensor.Dense

	// Spectrogram is the audio spectrogram tensor.
	Spectrogram *tensor.Dense

	// RawAudio is the raw waveform, or nil when the pipeline only
	// carries spectrograms.
	RawAudio []float32

	// ID identifies the sample across the index and label files.
	ID string

	// Label is the semantic label set, empty outside localization mode.
	Label []string
}

// Batch is an ordered slice of samples. Row i of every derived
// embedding matrix corresponds to Samples[i].
type Batch struct {
	Samples []Sample
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Samples) }

// IDs returns the sample identifiers in row order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		ids[i] = s.ID
	}

	return ids
}

// Visuals stacks the batch's visual frames into one tensor whose first
// axis is the batch axis.
func (b *Batch) Visuals() (*tensor.Dense, error) {
	frames := make([]*tensor.Dense, len(b.Samples))
	for i, s := range b.Samples {
		frames[i] = s.Visual
	}

	return tensor.Stack(frames)
}

// Spectrograms stacks the batch's spectrograms the same way.
func (b *Batch) Spectrograms() (*tensor.Dense, error) {
	specs := make([]*tensor.Dense, len(b.Samples))
	for i, s := range b.Samples {
		specs[i] = s.Spectrogram
	}

	return tensor.Stack(specs)
}

// Source yields samples both sequentially and by index.
//
// Sequential iteration drives training epochs; Fetch serves the
// hard-positive sampler, whose candidate indices may point at items
// outside the current batch.
type Source interface {
	// Len returns the number of samples in the source.
	Len() int

	// Fetch returns the sample at index i.
	Fetch(ctx context.Context, i int) (Sample, error)

	// Batches returns the epoch's batches in iteration order. The
	// source decides shuffling; the returned batches are consumed
	// sequentially by a single worker.
	Batches(ctx context.Context, batchSize int) (Iterator, error)
}

// Iterator walks one epoch's batches.
type Iterator interface {
	// Next returns the next batch, or (nil, nil) when exhausted.
	Next(ctx context.Context) (*Batch, error)
}

// SliceSource is an in-memory Source backed by a sample slice. It
// serves tests and small evaluation sets; production sources wrap real
// decoders behind the same interface.
type SliceSource struct {
	samples []Sample
	shuffle func(n int) []int
}

// NewSliceSource creates a SliceSource over the given samples.
func NewSliceSource(samples []Sample, optFns ...func(*SliceSource)) *SliceSource {
	s := &SliceSource{samples: samples}
	for _, fn := range optFns {
		fn(s)
	}

	return s
}

// WithShuffle sets the permutation used for each epoch. The function
// receives the sample count and returns an index permutation; nil keeps
// natural order.
func WithShuffle(fn func(n int) []int) func(*SliceSource) {
	return func(s *SliceSource) {
		s.shuffle = fn
	}
}

// Len returns the number of samples.
func (s *SliceSource) Len() int { return len(s.samples) }

// Fetch returns the sample at index i.
func (s *SliceSource) Fetch(_ context.Context, i int) (Sample, error) {
	if i < 0 || i >= len(s.samples) {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(s.samples))
	}

	return s.samples[i], nil
}

// Batches returns the epoch's batches. The final batch may be short.
func (s *SliceSource) Batches(_ context.Context, batchSize int) (Iterator, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: invalid batch size %d", batchSize)
	}

	order := make([]int, len(s.samples))
	for i := range order {
		order[i] = i
	}
	if s.shuffle != nil {
		perm := s.shuffle(len(s.samples))
		if len(perm) != len(s.samples) {
			return nil, fmt.Errorf("dataset: shuffle returned %d indices for %d samples", len(perm), len(s.samples))
		}
		order = perm
	}

	return &sliceIterator{src: s, order: order, batchSize: batchSize}, nil
}

type sliceIterator struct {
	src       *SliceSource
	order     []int
	batchSize int
	pos       int
}

func (it *sliceIterator) Next(_ context.Context) (*Batch, error) {
	if it.pos >= len(it.order) {
		return nil, nil
	}

	end := it.pos + it.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}

	batch := &Batch{Samples: make([]Sample, 0, end-it.pos)}
	for _, idx := range it.order[it.pos:end] {
		batch.Samples = append(batch.Samples, it.src.samples[idx])
	}
	it.pos = end

	return batch, nil
}
