// Package meter provides running scalar metric accumulators and a
// progress reporter for the training loop.
package meter

import "fmt"

// Meter tracks a running weighted mean of a scalar metric (loss,
// batch time). It accumulates monotonically within one scope; callers
// reset it explicitly at scope boundaries (epoch start), never by
// relying on reconstruction.
type Meter struct {
	name   string
	format string

	value float64
	sum   float64
	count float64
}

// New creates a meter. format is an fmt verb applied to the current
// and average values, e.g. "%6.3f".
func New(name, format string) *Meter {
	return &Meter{name: name, format: format}
}

// Reset clears all accumulated state.
func (m *Meter) Reset() {
	m.value = 0
	m.sum = 0
	m.count = 0
}

// Update folds a new observation with the given weight into the
// running mean. Weight is typically the batch size, or 1.
func (m *Meter) Update(value float64, weight float64) {
	m.value = value
	m.sum += value * weight
	m.count += weight
}

// Value returns the most recent observation.
func (m *Meter) Value() float64 { return m.value }

// Count returns the total accumulated weight.
func (m *Meter) Count() float64 { return m.count }

// Average returns the weighted mean of all observations.
// Calling Average before any Update is a precondition violation; the
// result is undefined (it reports 0, not a division by zero).
func (m *Meter) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Name returns the meter's display name.
func (m *Meter) Name() string { return m.name }

// String renders "name current (average)" using the meter's format.
func (m *Meter) String() string {
	f := fmt.Sprintf("%%s %s (%s)", m.format, m.format)
	return fmt.Sprintf(f, m.name, m.value, m.Average())
}
