package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInferenceDisabled модель запущена без EnableInference
var ErrInferenceDisabled = errors.New("inference is not enabled")

// ModelInput вход модели
type ModelInput struct {
	Timestamp int64
	Value     float64
}

// Inference результат одного шага модели
type Inference struct {
	RawInput float64
	// PredictedByHorizon содержит прогноз на h шагов вперед; отсутствие ключа
	// означает, что прогноз на этом горизонте пока недоступен
	PredictedByHorizon map[int]float64
	AnomalyScore       float64
}

// InferenceConfig параметры вывода модели
type InferenceConfig struct {
	PredictedField string
	Steps          []int
}

// Model онлайн-модель с состоянием. Порядок вызовов Run важен:
// каждое наблюдение подается ровно один раз и по возрастанию времени.
type Model interface {
	EnableInference(cfg InferenceConfig) error
	Run(input ModelInput) (Inference, error)
	Close()
}

// ModelParams параметры встроенной модели
type ModelParams struct {
	Resolution float64
	MaxStates  int
}

// ModelFactory создает новую модель для сущности
type ModelFactory func(params ModelParams) (Model, error)

// NewSequenceModelFactory фабрика встроенной модели
func NewSequenceModelFactory() ModelFactory {
	return func(params ModelParams) (Model, error) {
		return NewSequenceModel(params)
	}
}

// SequenceModel квантует входы с шагом Resolution и учит таблицу переходов
// первого порядка между квантованными состояниями.
// Оценка аномалии = 1 - P(текущее | предыдущее).
type SequenceModel struct {
	params      ModelParams
	transitions map[int64]map[int64]int
	totals      map[int64]int
	prev        int64
	hasPrev     bool
	steps       []int
	enabled     bool
}

// NewSequenceModel создает модель
func NewSequenceModel(params ModelParams) (*SequenceModel, error) {
	if params.Resolution <= 0 || math.IsNaN(params.Resolution) || math.IsInf(params.Resolution, 0) {
		return nil, fmt.Errorf("resolution must be positive, got %v", params.Resolution)
	}
	if params.MaxStates < 2 {
		return nil, fmt.Errorf("max states must be at least 2, got %d", params.MaxStates)
	}
	return &SequenceModel{
		params:      params,
		transitions: make(map[int64]map[int64]int),
		totals:      make(map[int64]int),
	}, nil
}

// EnableInference включает вывод прогнозов на заданных горизонтах
func (m *SequenceModel) EnableInference(cfg InferenceConfig) error {
	steps := make([]int, 0, len(cfg.Steps))
	for _, s := range cfg.Steps {
		if s < 1 {
			return fmt.Errorf("prediction step must be >= 1, got %d", s)
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		steps = []int{1}
	}
	m.steps = steps
	m.enabled = true
	return nil
}

// Run обрабатывает одно наблюдение: считает оценку, обучается, строит прогноз
func (m *SequenceModel) Run(input ModelInput) (Inference, error) {
	if !m.enabled {
		return Inference{}, ErrInferenceDisabled
	}
	if m.transitions == nil {
		return Inference{}, errors.New("model is closed")
	}
	if math.IsNaN(input.Value) || math.IsInf(input.Value, 0) {
		return Inference{}, fmt.Errorf("non-finite input %v at %d", input.Value, input.Timestamp)
	}

	cur := m.quantize(input.Value)

	score := 1.0
	if m.hasPrev {
		if total := m.totals[m.prev]; total > 0 {
			score = 1 - float64(m.transitions[m.prev][cur])/float64(total)
		}
		m.learn(m.prev, cur)
	}
	m.prev = cur
	m.hasPrev = true

	predicted := make(map[int]float64, len(m.steps))
	for _, h := range m.steps {
		if state, ok := m.predict(cur, h); ok {
			predicted[h] = float64(state) * m.params.Resolution
		}
	}

	return Inference{
		RawInput:           input.Value,
		PredictedByHorizon: predicted,
		AnomalyScore:       score,
	}, nil
}

// Close освобождает таблицы переходов
func (m *SequenceModel) Close() {
	m.transitions = nil
	m.totals = nil
}

func (m *SequenceModel) quantize(v float64) int64 {
	return int64(math.Round(v / m.params.Resolution))
}

// learn учитывает переход, не заводя новых состояний сверх MaxStates
func (m *SequenceModel) learn(from, to int64) {
	next, ok := m.transitions[from]
	if !ok {
		if len(m.transitions) >= m.params.MaxStates {
			return
		}
		next = make(map[int64]int)
		m.transitions[from] = next
	}
	if _, seen := next[to]; !seen && len(next) >= m.params.MaxStates {
		return
	}
	next[to]++
	m.totals[from]++
}

// predict наиболее вероятное состояние через h переходов
func (m *SequenceModel) predict(from int64, h int) (int64, bool) {
	if m.totals[from] == 0 {
		return 0, false
	}
	dist := map[int64]float64{from: 1}
	for i := 0; i < h; i++ {
		next := make(map[int64]float64, len(dist))
		for state, p := range dist {
			total := m.totals[state]
			if total == 0 {
				next[state] += p
				continue
			}
			for to, c := range m.transitions[state] {
				next[to] += p * float64(c) / float64(total)
			}
		}
		dist = next
	}
	return argmax(dist), true
}

func argmax(dist map[int64]float64) int64 {
	states := make([]int64, 0, len(dist))
	for s := range dist {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	best := states[0]
	for _, s := range states[1:] {
		if dist[s] > dist[best] {
			best = s
		}
	}
	return best
}
