// Package augment produces perturbed visual views for training. A view
// keeps its row's pairing with the audio batch; only the pixels change.
package augment

import (
	"fmt"
	"math/rand"

	"github.com/soundlens/soundlens/tensor"
)

// Augmenter transforms a batch-first visual tensor into a same-shaped
// perturbed view. Implementations must not mutate the input.
type Augmenter interface {
	Augment(frames *tensor.Dense) (*tensor.Dense, error)
}

// Func adapts a plain function to the Augmenter interface.
type Func func(frames *tensor.Dense) (*tensor.Dense, error)

// Augment implements Augmenter.
func (f Func) Augment(frames *tensor.Dense) (*tensor.Dense, error) {
	return f(frames)
}

// Options configures the default Pipeline.
type Options struct {
	// Rand drives all random decisions. Defaults to a source seeded
	// from math/rand's global state.
	Rand *rand.Rand

	// FlipProb is the per-frame probability of a horizontal flip.
	FlipProb float64

	// GrayscaleProb is the per-frame probability of channel averaging.
	GrayscaleProb float64

	// ShiftProb is the per-frame probability of a translation, with
	// MaxShiftFrac bounding the offset as a fraction of each extent.
	ShiftProb    float64
	MaxShiftFrac float64
}

// Pipeline is the default augmentation chain: horizontal flip,
// grayscale, and a bounded random translation, each applied
// independently per frame.
type Pipeline struct {
	rng           *rand.Rand
	flipProb      float64
	grayscaleProb float64
	shiftProb     float64
	maxShiftFrac  float64
}

// NewPipeline creates the default Pipeline.
func NewPipeline(optFns ...func(*Options)) *Pipeline {
	opts := Options{
		FlipProb:      0.5,
		GrayscaleProb: 0.2,
		ShiftProb:     0.5,
		MaxShiftFrac:  0.1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(rand.Int63()))
	}

	return &Pipeline{
		rng:           opts.Rand,
		flipProb:      opts.FlipProb,
		grayscaleProb: opts.GrayscaleProb,
		shiftProb:     opts.ShiftProb,
		maxShiftFrac:  opts.MaxShiftFrac,
	}
}

// Augment implements Augmenter for [B, C, H, W] frame batches.
func (p *Pipeline) Augment(frames *tensor.Dense) (*tensor.Dense, error) {
	if frames.Dims() != 4 {
		return nil, fmt.Errorf("augment: frames must be [B, C, H, W], got shape %v", frames.Shape())
	}

	out := frames.Clone()
	shape := out.Shape()
	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	frameLen := c * h * w

	for i := 0; i < b; i++ {
		frame := out.Data()[i*frameLen : (i+1)*frameLen]
		if p.rng.Float64() < p.flipProb {
			flipHorizontal(frame, c, h, w)
		}
		if p.rng.Float64() < p.grayscaleProb {
			grayscale(frame, c, h, w)
		}
		if p.rng.Float64() < p.shiftProb {
			dy := p.randShift(h)
			dx := p.randShift(w)
			shift(frame, c, h, w, dy, dx)
		}
	}

	return out, nil
}

func (p *Pipeline) randShift(extent int) int {
	max := int(float64(extent) * p.maxShiftFrac)
	if max == 0 {
		return 0
	}

	return p.rng.Intn(2*max+1) - max
}

func flipHorizontal(frame []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := frame[(ch*h+y)*w : (ch*h+y+1)*w]
			for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
				row[l], row[r] = row[r], row[l]
			}
		}
	}
}

func grayscale(frame []float32, c, h, w int) {
	if c < 2 {
		return
	}

	plane := h * w
	inv := 1 / float32(c)
	for px := 0; px < plane; px++ {
		var sum float32
		for ch := 0; ch < c; ch++ {
			sum += frame[ch*plane+px]
		}
		mean := sum * inv
		for ch := 0; ch < c; ch++ {
			frame[ch*plane+px] = mean
		}
	}
}

// shift translates the frame by (dy, dx), filling uncovered pixels
// with zero.
func shift(frame []float32, c, h, w, dy, dx int) {
	if dy == 0 && dx == 0 {
		return
	}

	plane := h * w
	src := make([]float32, plane)
	for ch := 0; ch < c; ch++ {
		copy(src, frame[ch*plane:(ch+1)*plane])
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sy, sx := y-dy, x-dx
				if sy < 0 || sy >= h || sx < 0 || sx >= w {
					frame[ch*plane+y*w+x] = 0
					continue
				}
				frame[ch*plane+y*w+x] = src[sy*w+sx]
			}
		}
	}
}
