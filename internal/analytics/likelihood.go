package analytics

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// minStdDev нижняя граница разброса, чтобы почти постоянный поток не давал вырожденное распределение
const minStdDev = 0.03

// Estimator оценивает вероятность аномалии по распределению недавних оценок
type Estimator interface {
	Probability(value, anomalyScore float64, timestamp int64) float64
}

// LikelihoodParams параметры оценщика
type LikelihoodParams struct {
	// LearningPeriod первые оценки модели не используются (модель еще учится)
	LearningPeriod int
	// EstimationSamples сколько оценок нужно накопить до первой оценки распределения
	EstimationSamples int
	// HistoricWindow сколько оценок хранится для оценки распределения
	HistoricWindow int
	// ReestimationPeriod как часто (в тиках) переоценивать распределение
	ReestimationPeriod int
	// AveragingWindow окно краткосрочного сглаживания оценок
	AveragingWindow int
}

// DefaultLikelihoodParams значения по умолчанию
func DefaultLikelihoodParams() LikelihoodParams {
	return LikelihoodParams{
		LearningPeriod:     288,
		EstimationSamples:  100,
		HistoricWindow:     8640,
		ReestimationPeriod: 100,
		AveragingWindow:    10,
	}
}

// LikelihoodEstimator подгоняет нормальное распределение к сглаженным
// оценкам аномалии и возвращает 1 - вероятность хвоста для краткосрочного среднего.
type LikelihoodEstimator struct {
	params    LikelihoodParams
	history   *Window
	recent    *Window
	iteration int
	dist      *distuv.Normal
}

// NewLikelihoodEstimator создает оценщик
func NewLikelihoodEstimator(params LikelihoodParams) *LikelihoodEstimator {
	return &LikelihoodEstimator{
		params:  params,
		history: NewWindow(params.HistoricWindow, false),
		recent:  NewWindow(params.AveragingWindow, false),
	}
}

// Probability возвращает правдоподобие аномалии в [0,1]; до окончания обучения 0.5
func (e *LikelihoodEstimator) Probability(value, anomalyScore float64, timestamp int64) float64 {
	e.iteration++
	if e.iteration <= e.params.LearningPeriod {
		return 0.5
	}

	e.history.Push(anomalyScore)
	e.recent.Push(anomalyScore)

	if e.iteration <= e.params.LearningPeriod+e.params.EstimationSamples {
		return 0.5
	}

	if e.dist == nil || e.iteration%e.params.ReestimationPeriod == 0 {
		e.estimate()
	}

	return 1 - e.tailProbability(e.recent.Mean())
}

// Distribution текущие параметры распределения, ok=false до первой оценки
func (e *LikelihoodEstimator) Distribution() (mean, stdDev float64, ok bool) {
	if e.dist == nil {
		return 0, 0, false
	}
	return e.dist.Mu, e.dist.Sigma, true
}

func (e *LikelihoodEstimator) estimate() {
	averaged := movingAverages(e.history.Values(), e.params.AveragingWindow)
	mean, std := stat.MeanStdDev(averaged, nil)
	if math.IsNaN(std) || std < minStdDev {
		std = minStdDev
	}
	e.dist = &distuv.Normal{Mu: mean, Sigma: std}
}

// tailProbability симметричная вероятность хвоста: значения ниже среднего
// отражаются относительно него
func (e *LikelihoodEstimator) tailProbability(x float64) float64 {
	if x < e.dist.Mu {
		x = 2*e.dist.Mu - x
	}
	return 1 - e.dist.CDF(x)
}

func movingAverages(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, 0, len(values))
	w := NewWindow(window, false)
	for _, v := range values {
		w.Push(v)
		out = append(out, w.Mean())
	}
	return out
}
