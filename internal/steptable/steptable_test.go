package steptable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonZeroFirstStep(t *testing.T) {
	_, err := New([]int{6, 8, 10}, 6)
	require.Error(t, err)
}

func TestNewRejectsNonIncreasingSteps(t *testing.T) {
	_, err := New([]int{0, 8, 8, 10}, 6)
	require.Error(t, err)
}

func TestNewRejectsStepBelowMinimum(t *testing.T) {
	_, err := New([]int{0, 4, 8}, 6)
	require.Error(t, err)
}

func TestStepUpPowerAndWattsAt(t *testing.T) {
	tbl := MustNew(DefaultAmps, 6)

	assert.Equal(t, 0, tbl.AmpsAt(0))
	assert.Equal(t, 6, tbl.AmpsAt(1))
	assert.Equal(t, float64(1380), tbl.WattsAt(1, 230))
	assert.Equal(t, float64(460), tbl.StepUpPower(1, 230)) // (8-6)*230
	assert.Equal(t, 7, tbl.MaxIndex())
}

func TestNearestStepIndex(t *testing.T) {
	tbl := MustNew(DefaultAmps, 6)

	index, within := tbl.NearestStepIndex(16, 3)
	assert.Equal(t, 5, index)
	assert.True(t, within)

	_, within = tbl.NearestStepIndex(100, 3)
	assert.False(t, within)

	index, within = tbl.NearestStepIndex(9, 3)
	assert.Equal(t, 2, index) // equidistant from 8 and 10; the lower step wins the tie
	assert.True(t, within)
}

func TestAmpsReturnsACopy(t *testing.T) {
	tbl := MustNew(DefaultAmps, 6)
	amps := tbl.Amps()
	amps[0] = 99

	assert.Equal(t, 0, tbl.AmpsAt(0))
}
