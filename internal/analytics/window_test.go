package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_RollingBehavior(t *testing.T) {
	w := NewWindow(3, false)

	w.Push(10)
	w.Push(20)
	w.Push(30)
	assert.InDelta(t, 20.0, w.Mean(), 1e-9)

	// 10 вытесняется
	w.Push(40)
	assert.Equal(t, []float64{20, 30, 40}, w.Values())
	assert.InDelta(t, 30.0, w.Mean(), 1e-9)
	assert.Equal(t, 40.0, w.Newest())
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())
}

func TestWindow_Empty(t *testing.T) {
	w := NewWindow(5, false)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0.0, w.Mean())
	assert.Equal(t, 0.0, w.Newest())
	assert.Empty(t, w.Values())
}

func TestWindow_ZeroFill(t *testing.T) {
	w := NewWindow(4, true)
	require.Equal(t, 4, w.Len())

	w.Push(8)
	assert.Equal(t, []float64{0, 0, 0, 8}, w.Values())
	assert.InDelta(t, 2.0, w.Mean(), 1e-9)
}

func TestWindow_RunningSumTracksEvictions(t *testing.T) {
	w := NewWindow(7, false)
	for i := 1; i <= 1000; i++ {
		w.Push(float64(i) * 0.1)

		expected := 0.0
		for _, v := range w.Values() {
			expected += v
		}
		require.InDelta(t, expected, w.Sum(), 1e-6, "after %d pushes", i)
	}
	assert.InDelta(t, 99.7, w.Mean(), 1e-6)
}

func TestWindow_MinimumSize(t *testing.T) {
	w := NewWindow(0, false)
	w.Push(1)
	w.Push(2)
	assert.Equal(t, 1, w.Cap())
	assert.Equal(t, []float64{2}, w.Values())
}

func TestTransform_MovingAverageScenario(t *testing.T) {
	w := NewWindow(3, false)

	var got []float64
	for _, v := range []float64{10, 20, 30} {
		w.Push(v)
		got = append(got, Transform(w, 1, TransformMovingAverage))
	}
	assert.Equal(t, []float64{10, 15, 20}, got)
}

func TestTransform_ConstantInputWithZeroFill(t *testing.T) {
	const size = 5
	w := NewWindow(size, true)

	for k := 1; k <= 2*size; k++ {
		w.Push(7)
		expected := 7.0
		if k < size {
			expected = 7.0 * float64(k) / size
		}
		assert.InDelta(t, expected, Transform(w, 1, TransformMovingAverage), 1e-9, "after %d samples", k)
	}
}

func TestTransform_Scale(t *testing.T) {
	w := NewWindow(3, false)
	w.Push(10)
	w.Push(4)

	assert.Equal(t, 4.0, Transform(w, 1, TransformScale))
	assert.Equal(t, 10.0, Transform(w, 2.5, TransformScale))
}

func TestTransform_EmptyWindow(t *testing.T) {
	w := NewWindow(3, false)
	assert.Equal(t, 0.0, Transform(w, 1, TransformMovingAverage))
}

func TestParseTransformKind(t *testing.T) {
	kind, err := ParseTransformKind("")
	require.NoError(t, err)
	assert.Equal(t, TransformScale, kind)

	kind, err = ParseTransformKind("moving_average")
	require.NoError(t, err)
	assert.Equal(t, TransformMovingAverage, kind)

	_, err = ParseTransformKind("median")
	assert.Error(t, err)
}
