package historian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwingingDoorScenarioS5(t *testing.T) {
	c := New(AlgorithmSwingingDoor, 1)

	var storedTimes []int64
	for _, s := range []Sample{
		{TimeMs: 0, Value: 10},
		{TimeMs: 1, Value: 10},
		{TimeMs: 2, Value: 10},
		{TimeMs: 3, Value: 20},
		{TimeMs: 4, Value: 20},
	} {
		for _, out := range c.Push(s) {
			storedTimes = append(storedTimes, out.TimeMs)
		}
	}
	for _, out := range c.Flush() {
		storedTimes = append(storedTimes, out.TimeMs)
	}

	assert.Equal(t, []int64{0, 3, 4}, storedTimes)
}

func TestSwingingDoorSamplesOutNeverExceedsSamplesIn(t *testing.T) {
	c := New(AlgorithmSwingingDoor, 0.5)
	values := []float64{10, 10.1, 10.2, 50, 50.1, 10, 9, 8, 30, 30, 30.4, 1}
	for i, v := range values {
		c.Push(Sample{TimeMs: int64(i * 1000), Value: v})
	}
	c.Flush()

	assert.LessOrEqual(t, c.SamplesOut(), c.SamplesIn())
	ratio := c.CompressionRatio()
	assert.GreaterOrEqual(t, ratio, 0.0)
	assert.LessOrEqual(t, ratio, 1.0)
}

func TestSwingingDoorZeroDeadbandRatioNearOne(t *testing.T) {
	c := New(AlgorithmSwingingDoor, 0)
	values := []float64{10, 11, 9, 14, 2, 30, 7, 18, 3, 22}
	for i, v := range values {
		c.Push(Sample{TimeMs: int64(i * 1000), Value: v})
	}
	c.Flush()

	assert.InDelta(t, 1.0, c.CompressionRatio(), 0.2)
}

func TestSwingingDoorRejectsNonPositiveDt(t *testing.T) {
	c := New(AlgorithmSwingingDoor, 1)
	c.Push(Sample{TimeMs: 100, Value: 10})
	out := c.Push(Sample{TimeMs: 100, Value: 999})
	assert.Nil(t, out)
	assert.EqualValues(t, 2, c.SamplesIn())
	assert.EqualValues(t, 1, c.SamplesOut())

	out = c.Push(Sample{TimeMs: 50, Value: 999})
	assert.Nil(t, out)
}

func TestDeadbandStoresOnlyBeyondThreshold(t *testing.T) {
	c := New(AlgorithmDeadband, 2)
	require.Len(t, c.Push(Sample{TimeMs: 0, Value: 10}), 1)
	assert.Nil(t, c.Push(Sample{TimeMs: 1, Value: 11}))
	assert.Len(t, c.Push(Sample{TimeMs: 2, Value: 13}), 1)
}

func TestBoxcarStoresOnDeadbandOrCeiling(t *testing.T) {
	c := New(AlgorithmBoxcar, 5)
	require.Len(t, c.Push(Sample{TimeMs: 0, Value: 10}), 1)
	assert.Nil(t, c.Push(Sample{TimeMs: 1000, Value: 11}))
	assert.Len(t, c.Push(Sample{TimeMs: boxcarCeilingMs, Value: 11}), 1)
}

func TestNoneStoresEverySample(t *testing.T) {
	c := New(AlgorithmNone, 0)
	for i := 0; i < 5; i++ {
		assert.Len(t, c.Push(Sample{TimeMs: int64(i), Value: float64(i)}), 1)
	}
	assert.EqualValues(t, 5, c.SamplesIn())
	assert.EqualValues(t, 5, c.SamplesOut())
	assert.InDelta(t, 1.0, c.CompressionRatio(), 0.0001)
}

func TestForceStoreBypassesGating(t *testing.T) {
	c := New(AlgorithmDeadband, 100)
	c.Push(Sample{TimeMs: 0, Value: 10})
	assert.Nil(t, c.Push(Sample{TimeMs: 1, Value: 10.5}))
	out := c.ForceStore(Sample{TimeMs: 2, Value: 10.5, Quality: QualityBad})
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, c.SamplesOut())
}

func TestInterpolateClampsOutsideRange(t *testing.T) {
	stored := []Sample{
		{TimeMs: 0, Value: 10, Quality: QualityGood},
		{TimeMs: 10, Value: 20, Quality: QualityUncertain},
	}
	out, err := Interpolate(stored, 5, -5, 15)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, int64(-5), out[0].TimeMs)
	assert.InDelta(t, 10, out[0].Value, 0.0001) // t=-5, clamped before start
	assert.InDelta(t, 10, out[1].Value, 0.0001) // t=0
	assert.InDelta(t, 15, out[2].Value, 0.0001) // t=5 -> between 10 and 20
	assert.InDelta(t, 20, out[3].Value, 0.0001) // t=10
	assert.InDelta(t, 20, out[4].Value, 0.0001) // t=15, clamped past end
	assert.Equal(t, QualityGood, out[1].Quality)
}

func TestInterpolateWorstQualityOfBracket(t *testing.T) {
	stored := []Sample{
		{TimeMs: 0, Value: 0, Quality: QualityGood},
		{TimeMs: 10, Value: 10, Quality: QualityBad},
	}
	out, err := Interpolate(stored, 10, 5, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, QualityBad, out[0].Quality)
	assert.InDelta(t, 5, out[0].Value, 0.0001)
}

func TestInterpolateRejectsNonPositiveInterval(t *testing.T) {
	_, err := Interpolate([]Sample{{TimeMs: 0, Value: 1}}, 0, 0, 10)
	assert.Error(t, err)
}

func TestInterpolateRejectsEmptyStored(t *testing.T) {
	_, err := Interpolate(nil, 1, 0, 10)
	assert.Error(t, err)
}
