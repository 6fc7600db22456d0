package eval

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/soundlens/soundlens/blobstore"
	"github.com/soundlens/soundlens/codec"
)

// LoadLabels reads and decodes the persisted id-to-label-set mapping.
func LoadLabels(ctx context.Context, store blobstore.BlobStore, name string, c codec.Codec) (map[string][]string, error) {
	if c == nil {
		c = codec.Default
	}

	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("eval: open labels %q: %w", name, err)
	}
	defer b.Close()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("eval: read labels %q: %w", name, err)
	}

	labels := make(map[string][]string)
	if err := c.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("eval: decode labels %q: %w", name, err)
	}

	return labels, nil
}

// GroundTruth holds, for an ordered validation set, the set of column
// indices considered a true match for each row. Two items match when
// their label sets share at least one label; every item matches itself.
type GroundTruth struct {
	rows []*roaring.Bitmap
	n    int
}

// NewGroundTruth builds the co-occurrence sets for ids in row order.
// Items missing from labels (or with an empty label set) match only
// themselves.
func NewGroundTruth(ids []string, labels map[string][]string) *GroundTruth {
	n := len(ids)

	// Intern label strings so per-item sets become bitmaps and the
	// overlap test an intersection.
	interned := make(map[string]uint32)
	itemLabels := make([]*roaring.Bitmap, n)
	for i, id := range ids {
		bm := roaring.New()
		for _, l := range labels[id] {
			code, ok := interned[l]
			if !ok {
				code = uint32(len(interned))
				interned[l] = code
			}
			bm.Add(code)
		}
		itemLabels[i] = bm
	}

	gt := &GroundTruth{rows: make([]*roaring.Bitmap, n), n: n}
	for i := 0; i < n; i++ {
		row := roaring.New()
		row.Add(uint32(i))
		gt.rows[i] = row
	}
	for i := 0; i < n; i++ {
		if itemLabels[i].IsEmpty() {
			continue
		}
		for j := i + 1; j < n; j++ {
			if itemLabels[i].Intersects(itemLabels[j]) {
				gt.rows[i].Add(uint32(j))
				gt.rows[j].Add(uint32(i))
			}
		}
	}

	return gt
}

// Len returns the number of items.
func (gt *GroundTruth) Len() int { return gt.n }

// Matches reports whether column j is a true match for row i.
func (gt *GroundTruth) Matches(i, j int) bool {
	return gt.rows[i].Contains(uint32(j))
}

// Row expands row i into a dense binary vector.
func (gt *GroundTruth) Row(i int) []float32 {
	out := make([]float32, gt.n)
	gt.rows[i].Iterate(func(j uint32) bool {
		out[j] = 1
		return true
	})

	return out
}
