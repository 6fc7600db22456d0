// Package math32 provides float32 vector kernels shared by the
// similarity engine and the loss module.
package math32

import "math"

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}

	return ret
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// AxpyInPlace computes dst += alpha * x element-wise.
// Assumes slices are the same length.
func AxpyInPlace(dst []float32, alpha float32, x []float32) {
	for i := range dst {
		dst[i] += alpha * x[i]
	}
}

// Max returns the maximum element of a.
// Assumes a is non-empty (caller's responsibility).
func Max(a []float32) float32 {
	m := a[0]
	for _, v := range a[1:] {
		if v > m {
			m = v
		}
	}

	return m
}

// LogSumExp computes log(sum(exp(a))) with the max-shift trick so that
// large logits do not overflow float32.
func LogSumExp(a []float32) float32 {
	m := Max(a)
	var sum float64
	for _, v := range a {
		sum += math.Exp(float64(v - m))
	}

	return m + float32(math.Log(sum))
}

// SoftmaxInPlace replaces a with softmax(a), using the max-shift trick.
func SoftmaxInPlace(a []float32) {
	m := Max(a)
	var sum float64
	for i, v := range a {
		e := math.Exp(float64(v - m))
		a[i] = float32(e)
		sum += e
	}

	inv := float32(1 / sum)
	for i := range a {
		a[i] *= inv
	}
}
