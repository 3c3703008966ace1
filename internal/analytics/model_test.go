package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T, steps ...int) *SequenceModel {
	t.Helper()
	m, err := NewSequenceModel(ModelParams{Resolution: 1, MaxStates: 64})
	require.NoError(t, err)
	require.NoError(t, m.EnableInference(InferenceConfig{PredictedField: "value", Steps: steps}))
	return m
}

func run(t *testing.T, m Model, ts int64, v float64) Inference {
	t.Helper()
	inf, err := m.Run(ModelInput{Timestamp: ts, Value: v})
	require.NoError(t, err)
	return inf
}

func TestSequenceModel_LearnsRepeatingPattern(t *testing.T) {
	m := newTestModel(t, 1)
	pattern := []float64{1, 2, 3}

	var last Inference
	for i := 0; i < 30; i++ {
		last = run(t, m, int64(i), pattern[i%3])
	}
	// последний вход 3 (i=29), дальше всегда идет 1
	assert.Equal(t, 0.0, last.AnomalyScore)
	require.Contains(t, last.PredictedByHorizon, 1)
	assert.Equal(t, 1.0, last.PredictedByHorizon[1])

	// неожиданный переход
	surprise := run(t, m, 30, 3)
	assert.Equal(t, 1.0, surprise.AnomalyScore)
}

func TestSequenceModel_FirstSampleScoresOne(t *testing.T) {
	m := newTestModel(t, 1)
	inf := run(t, m, 0, 5)
	assert.Equal(t, 1.0, inf.AnomalyScore)
	assert.NotContains(t, inf.PredictedByHorizon, 1, "no successors known yet")
}

func TestSequenceModel_MultiStepPrediction(t *testing.T) {
	m := newTestModel(t, 2)
	pattern := []float64{1, 2, 3}
	var last Inference
	for i := 0; i < 31; i++ {
		last = run(t, m, int64(i), pattern[i%3])
	}
	// последний вход 1 (i=30): через два шага будет 3
	assert.Equal(t, 3.0, last.PredictedByHorizon[2])
}

func TestSequenceModel_Quantization(t *testing.T) {
	m, err := NewSequenceModel(ModelParams{Resolution: 10, MaxStates: 16})
	require.NoError(t, err)
	require.NoError(t, m.EnableInference(InferenceConfig{Steps: []int{1}}))

	for i := 0; i < 10; i++ {
		run(t, m, int64(2*i), 101)
		run(t, m, int64(2*i+1), 199)
	}
	// 104 и 101 попадают в одно состояние, прогноз кратен разрешению
	inf := run(t, m, 100, 104)
	assert.Equal(t, 0.0, inf.AnomalyScore)
	assert.Equal(t, 200.0, inf.PredictedByHorizon[1])
}

func TestSequenceModel_Errors(t *testing.T) {
	_, err := NewSequenceModel(ModelParams{Resolution: 0, MaxStates: 10})
	assert.Error(t, err)
	_, err = NewSequenceModel(ModelParams{Resolution: 1, MaxStates: 1})
	assert.Error(t, err)

	m, err := NewSequenceModel(ModelParams{Resolution: 1, MaxStates: 10})
	require.NoError(t, err)
	_, err = m.Run(ModelInput{Value: 1})
	assert.ErrorIs(t, err, ErrInferenceDisabled)

	assert.Error(t, m.EnableInference(InferenceConfig{Steps: []int{0}}))

	require.NoError(t, m.EnableInference(InferenceConfig{Steps: []int{1}}))
	_, err = m.Run(ModelInput{Value: math.NaN()})
	assert.Error(t, err)
	_, err = m.Run(ModelInput{Value: math.Inf(1)})
	assert.Error(t, err)

	m.Close()
	_, err = m.Run(ModelInput{Value: 1})
	assert.Error(t, err)
}

func TestSequenceModel_MaxStatesBound(t *testing.T) {
	m, err := NewSequenceModel(ModelParams{Resolution: 1, MaxStates: 3})
	require.NoError(t, err)
	require.NoError(t, m.EnableInference(InferenceConfig{Steps: []int{1}}))

	for i := 0; i < 100; i++ {
		run(t, m, int64(i), float64(i))
	}
	assert.LessOrEqual(t, len(m.transitions), 3)
}

func TestArgmaxPrefersLowerStateOnTie(t *testing.T) {
	assert.Equal(t, int64(2), argmax(map[int64]float64{5: 0.5, 2: 0.5}))
	assert.Equal(t, int64(5), argmax(map[int64]float64{5: 0.6, 2: 0.4}))
}
