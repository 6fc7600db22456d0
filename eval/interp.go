package eval

import (
	"fmt"
	"math"

	"github.com/soundlens/soundlens/tensor"
)

// cubicWeight is the Catmull-Rom style convolution kernel with a=-0.75,
// the coefficient used by the common bicubic resamplers.
func cubicWeight(x float64) float64 {
	const a = -0.75

	if x < 0 {
		x = -x
	}
	switch {
	case x < 1:
		return ((a+2)*x-(a+3))*x*x + 1
	case x < 2:
		return ((a*x-5*a)*x+8*a)*x - 4*a
	default:
		return 0
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}

	return i
}

// ResizeBicubic resamples a 2-D map to outH×outW with bicubic
// interpolation, using half-pixel center alignment.
func ResizeBicubic(src *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	if src.Dims() != 2 {
		return nil, fmt.Errorf("eval: resize wants a 2-D map, got shape %v", src.Shape())
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("eval: invalid target size %dx%d", outH, outW)
	}

	inH, inW := src.Rows(), src.Cols()
	scaleY := float64(inH) / float64(outH)
	scaleX := float64(inW) / float64(outW)

	out := tensor.New(outH, outW)
	for oy := 0; oy < outH; oy++ {
		srcY := (float64(oy)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(srcY))
		fy := srcY - float64(y0)

		var wy [4]float64
		for k := 0; k < 4; k++ {
			wy[k] = cubicWeight(float64(k-1) - fy)
		}

		for ox := 0; ox < outW; ox++ {
			srcX := (float64(ox)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(srcX))
			fx := srcX - float64(x0)

			var sum float64
			for ky := 0; ky < 4; ky++ {
				row := src.Row(clampIndex(y0+ky-1, inH))
				var rowSum float64
				for kx := 0; kx < 4; kx++ {
					w := cubicWeight(float64(kx-1) - fx)
					rowSum += w * float64(row[clampIndex(x0+kx-1, inW)])
				}
				sum += wy[ky] * rowSum
			}
			out.Row(oy)[ox] = float32(sum)
		}
	}

	return out, nil
}

// ResizeNearest resamples a 2-D map to outH×outW with nearest-neighbor
// sampling. Binary inputs stay binary.
func ResizeNearest(src *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	if src.Dims() != 2 {
		return nil, fmt.Errorf("eval: resize wants a 2-D map, got shape %v", src.Shape())
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("eval: invalid target size %dx%d", outH, outW)
	}

	inH, inW := src.Rows(), src.Cols()
	scaleY := float64(inH) / float64(outH)
	scaleX := float64(inW) / float64(outW)

	out := tensor.New(outH, outW)
	for oy := 0; oy < outH; oy++ {
		sy := clampIndex(int(float64(oy)*scaleY), inH)
		srcRow := src.Row(sy)
		dstRow := out.Row(oy)
		for ox := 0; ox < outW; ox++ {
			dstRow[ox] = srcRow[clampIndex(int(float64(ox)*scaleX), inW)]
		}
	}

	return out, nil
}
