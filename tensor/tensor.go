// Package tensor provides a minimal row-major float32 tensor used at
// the model and data-source boundaries.
//
// The layout is a flat slice with an explicit shape, matching the
// convention used across the rest of the library (vectors are plain
// []float32 with a known dimension).
package tensor

import "fmt"

// Dense is a row-major float32 tensor with an explicit shape.
type Dense struct {
	shape []int
	data  []float32
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}

	return &Dense{
		shape: append([]int(nil), shape...),
		data:  make([]float32, n),
	}
}

// FromSlice wraps data with the given shape. The slice is not copied.
func FromSlice(data []float32, shape ...int) (*Dense, error) {
	n := 1
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("tensor: negative dimension %d in shape %v", s, shape)
		}
		n *= s
	}

	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (need %d)", len(data), shape, n)
	}

	return &Dense{
		shape: append([]int(nil), shape...),
		data:  data,
	}, nil
}

// Shape returns the tensor shape. The caller must not mutate it.
func (d *Dense) Shape() []int { return d.shape }

// Dims returns the number of axes.
func (d *Dense) Dims() int { return len(d.shape) }

// Len returns the total number of elements.
func (d *Dense) Len() int { return len(d.data) }

// Data returns the underlying flat slice.
func (d *Dense) Data() []float32 { return d.data }

// Rows returns the extent of the first axis.
// The tensor must be at least 1-D.
func (d *Dense) Rows() int { return d.shape[0] }

// Cols returns the extent of the second axis.
// The tensor must be at least 2-D.
func (d *Dense) Cols() int { return d.shape[1] }

// Row returns the i-th row of a 2-D tensor as a slice view.
// The tensor must be 2-D and i in range.
func (d *Dense) Row(i int) []float32 {
	c := d.shape[1]
	return d.data[i*c : (i+1)*c]
}

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	out := &Dense{
		shape: append([]int(nil), d.shape...),
		data:  make([]float32, len(d.data)),
	}
	copy(out.data, d.data)

	return out
}

// MeanPoolSpatial collapses a [B, D, h, w] embedding map to [B, D] by
// averaging over the spatial axes. A 2-D input is returned unchanged,
// so callers can pool unconditionally after feature extraction.
func MeanPoolSpatial(d *Dense) (*Dense, error) {
	switch d.Dims() {
	case 2:
		return d, nil
	case 4:
		// fall through to pooling
	default:
		return nil, fmt.Errorf("tensor: cannot pool shape %v to [B, D]", d.shape)
	}

	b, dim, h, w := d.shape[0], d.shape[1], d.shape[2], d.shape[3]
	spatial := h * w
	if spatial == 0 {
		return nil, fmt.Errorf("tensor: empty spatial extent in shape %v", d.shape)
	}

	out := New(b, dim)
	inv := 1 / float32(spatial)
	for i := 0; i < b; i++ {
		for c := 0; c < dim; c++ {
			base := (i*dim + c) * spatial
			var sum float32
			for s := 0; s < spatial; s++ {
				sum += d.data[base+s]
			}
			out.data[i*dim+c] = sum * inv
		}
	}

	return out, nil
}

// Stack concatenates equally shaped tensors along a new leading axis,
// turning n frames of shape S into one batch of shape [n, S...].
func Stack(frames []*Dense) (*Dense, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("tensor: cannot stack zero frames")
	}

	first := frames[0]
	for i, f := range frames[1:] {
		if len(f.data) != len(first.data) || !sameShape(f.shape, first.shape) {
			return nil, fmt.Errorf("tensor: frame %d has shape %v, want %v", i+1, f.shape, first.shape)
		}
	}

	shape := append([]int{len(frames)}, first.shape...)
	out := New(shape...)
	for i, f := range frames {
		copy(out.data[i*len(first.data):], f.data)
	}

	return out, nil
}

// Concat joins 2-D tensors with equal column counts along the row
// axis, in argument order.
func Concat(parts []*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: cannot concat zero parts")
	}

	cols := -1
	rows := 0
	for i, p := range parts {
		if p.Dims() != 2 {
			return nil, fmt.Errorf("tensor: concat part %d has shape %v, want 2-D", i, p.shape)
		}
		if cols == -1 {
			cols = p.Cols()
		} else if p.Cols() != cols {
			return nil, fmt.Errorf("tensor: concat part %d has %d columns, want %d", i, p.Cols(), cols)
		}
		rows += p.Rows()
	}

	out := New(rows, cols)
	off := 0
	for _, p := range parts {
		copy(out.data[off:], p.data)
		off += len(p.data)
	}

	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
