// Package steptable holds the ordered table of allowed EVSE amperage steps.
package steptable

import "fmt"

// Table is an immutable, strictly increasing sequence of allowed EVSE
// amperages. Index 0 always means "charger off".
type Table struct {
	amps []int
}

// DefaultAmps is the factory-default step sequence.
var DefaultAmps = []int{0, 6, 8, 10, 13, 16, 20, 24}

// New validates amps and returns an immutable Table.
//
// amps must be strictly increasing, start at 0, and every step after the
// first must be at least minOperatingAmps.
func New(amps []int, minOperatingAmps int) (*Table, error) {
	if len(amps) < 2 {
		return nil, fmt.Errorf("steptable: need at least an off step and one charging step")
	}
	if amps[0] != 0 {
		return nil, fmt.Errorf("steptable: first step must be 0, got %d", amps[0])
	}
	for i := 1; i < len(amps); i++ {
		if amps[i] <= amps[i-1] {
			return nil, fmt.Errorf("steptable: steps must be strictly increasing, %d <= %d at index %d", amps[i], amps[i-1], i)
		}
		if amps[i] < minOperatingAmps {
			return nil, fmt.Errorf("steptable: step %d at index %d is below minimum operating current %d", amps[i], i, minOperatingAmps)
		}
	}
	cp := make([]int, len(amps))
	copy(cp, amps)
	return &Table{amps: cp}, nil
}

// MustNew is New but panics on invalid input.
func MustNew(amps []int, minOperatingAmps int) *Table {
	t, err := New(amps, minOperatingAmps)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of steps, including the off step at index 0.
func (t *Table) Len() int {
	return len(t.amps)
}

// MaxIndex returns the highest valid step index.
func (t *Table) MaxIndex() int {
	return len(t.amps) - 1
}

// AmpsAt returns the amperage for a step index. Panics on out-of-range index,
// since the FSM must never compute an index outside the table.
func (t *Table) AmpsAt(index int) int {
	return t.amps[index]
}

// WattsAt returns the wattage for a step index at the given line voltage.
func (t *Table) WattsAt(index int, lineVoltageV float64) float64 {
	return float64(t.amps[index]) * lineVoltageV
}

// StepUpPower returns the additional watts drawn by advancing from index to
// index+1 at the given line voltage. Panics if index is already the max.
func (t *Table) StepUpPower(index int, lineVoltageV float64) float64 {
	return float64(t.amps[index+1]-t.amps[index]) * lineVoltageV
}

// NearestStepIndex returns the index whose amperage is closest to amps, and
// whether that index is within tolerance amps of the reported value.
func (t *Table) NearestStepIndex(amps float64, tolerance float64) (index int, withinTolerance bool) {
	best := 0
	bestDiff := -1.0
	for i, stepAmps := range t.amps {
		diff := amps - float64(stepAmps)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best, bestDiff <= tolerance
}

// Amps returns a copy of the underlying step sequence.
func (t *Table) Amps() []int {
	cp := make([]int, len(t.amps))
	copy(cp, t.amps)
	return cp
}
