// Package mining selects hard-positive visual views from a precomputed
// nearest-neighbor index. The index maps each sample id to the frames
// of other items that look like it; training uses one of them as an
// extra positive against the same audio.
package mining

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/soundlens/soundlens/blobstore"
	"github.com/soundlens/soundlens/codec"
	"github.com/soundlens/soundlens/dataset"
	"github.com/soundlens/soundlens/tensor"
)

// Entry is one index record: the matched video and the ranked frame
// indices that can stand in as a positive view.
type Entry struct {
	VideoID    string `json:"video_id"`
	Candidates []int  `json:"candidates"`
}

// Index is the read-only hard-positive lookup, loaded once per run.
type Index struct {
	entries map[string]Entry
}

// NewIndex creates an Index from an in-memory entry map.
func NewIndex(entries map[string]Entry) *Index {
	return &Index{entries: entries}
}

// LoadIndex reads and decodes the persisted index from the store.
func LoadIndex(ctx context.Context, store blobstore.BlobStore, name string, c codec.Codec) (*Index, error) {
	if c == nil {
		c = codec.Default
	}

	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("mining: open index %q: %w", name, err)
	}
	defer b.Close()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("mining: read index %q: %w", name, err)
	}

	entries := make(map[string]Entry)
	if err := c.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("mining: decode index %q: %w", name, err)
	}

	return &Index{entries: entries}, nil
}

// Len returns the number of indexed sample ids.
func (x *Index) Len() int { return len(x.entries) }

// Lookup returns the entry for id, if indexed.
func (x *Index) Lookup(id string) (Entry, bool) {
	e, ok := x.entries[id]
	return e, ok
}

// Options configures a Sampler.
type Options struct {
	// Rand drives the uniform candidate choice. Defaults to a
	// source seeded from math/rand's global state.
	Rand *rand.Rand

	// OnMiss is invoked with the sample id whenever a batch row has no
	// usable index entry and keeps its own frame instead.
	OnMiss func(id string)
}

// Sampler resolves hard-positive views for training batches.
type Sampler struct {
	index  *Index
	src    dataset.Source
	rng    *rand.Rand
	onMiss func(id string)
}

// NewSampler creates a Sampler over the given index and data source.
func NewSampler(index *Index, src dataset.Source, optFns ...func(*Options)) *Sampler {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(rand.Int63()))
	}

	return &Sampler{
		index:  index,
		src:    src,
		rng:    opts.Rand,
		onMiss: opts.OnMiss,
	}
}

// SampleViews returns one hard-positive frame per batch row, stacked
// into a batch-first tensor, together with the number of rows that had
// no usable index entry.
//
// Rows without an entry, with an empty candidate list, or whose chosen
// candidate cannot be fetched keep their own original frame. Padding
// instead of dropping keeps every view the same length as the batch, so
// the per-row pairing against the audio batch stays intact; for a
// padded row the extra positive degenerates to the original one.
func (s *Sampler) SampleViews(ctx context.Context, batch *dataset.Batch) (*tensor.Dense, int, error) {
	frames := make([]*tensor.Dense, 0, batch.Size())
	misses := 0

	for _, sample := range batch.Samples {
		frame, ok := s.sampleOne(ctx, sample)
		if !ok {
			misses++
			if s.onMiss != nil {
				s.onMiss(sample.ID)
			}
		}
		frames = append(frames, frame)
	}

	stacked, err := tensor.Stack(frames)
	if err != nil {
		return nil, 0, fmt.Errorf("mining: stack views: %w", err)
	}

	return stacked, misses, nil
}

func (s *Sampler) sampleOne(ctx context.Context, sample dataset.Sample) (*tensor.Dense, bool) {
	entry, ok := s.index.Lookup(sample.ID)
	if !ok || len(entry.Candidates) == 0 {
		return sample.Visual, false
	}

	idx := entry.Candidates[s.rng.Intn(len(entry.Candidates))]
	fetched, err := s.src.Fetch(ctx, idx)
	if err != nil {
		// A stale candidate index is metadata damage, not a batch
		// failure; the row falls back to its own frame.
		return sample.Visual, false
	}

	return fetched.Visual, true
}
