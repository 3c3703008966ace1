package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"anomaly-monitor/internal/analytics"
)

// ErrConfigInvalid конфигурация сущности не прошла проверку
var ErrConfigInvalid = errors.New("invalid monitor configuration")

// DefaultMaxItems ограничение длины журнала результатов по умолчанию
const DefaultMaxItems = 10000

// Верхние границы размеров, от которых зависит выделяемая монитором память и работа на тик
const (
	MaxWindowSize      = 1_000_000
	MaxModelStates     = 100_000
	MaxPredictionSteps = 100
)

// Nullable поле, которое можно явно сбросить в null при переопределении
type Nullable[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some заданное значение
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: v}
}

// Null явно сброшенное значение
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true, Null: true}
}

// UnmarshalJSON вызывается и для null, поэтому ключ со значением null считается заданным
func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		n.Null = true
		return nil
	}
	n.Null = false
	return json.Unmarshal(b, &n.Value)
}

// MarshalJSON выводит null для незаданного значения
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Set || n.Null {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Ptr значение или nil
func (n Nullable[T]) Ptr() *T {
	if !n.Set || n.Null {
		return nil
	}
	v := n.Value
	return &v
}

// ModelOptions вложенная группа параметров модели
type ModelOptions struct {
	MaxStates       *int `json:"max_states,omitempty"`
	PredictionSteps *int `json:"prediction_steps,omitempty"`
}

// LikelihoodOptions вложенная группа параметров оценщика правдоподобия
type LikelihoodOptions struct {
	LearningPeriod     *int `json:"learning_period,omitempty"`
	EstimationSamples  *int `json:"estimation_samples,omitempty"`
	HistoricWindow     *int `json:"historic_window,omitempty"`
	ReestimationPeriod *int `json:"reestimation_period,omitempty"`
	AveragingWindow    *int `json:"averaging_window,omitempty"`
}

// Options параметры сущности, как они приходят от клиента.
// Незаданные поля берутся из базовой конфигурации при Merge.
type Options struct {
	Name                *string            `json:"name,omitempty"`
	ValueLabel          *string            `json:"value_label,omitempty"`
	ValueUnit           *string            `json:"value_unit,omitempty"`
	Resolution          *float64           `json:"resolution,omitempty"`
	SecondsPerRequest   *int               `json:"seconds_per_request,omitempty"`
	Webhook             Nullable[string]   `json:"webhook"`
	AnomalyThreshold    Nullable[float64]  `json:"anomaly_threshold"`
	LikelihoodThreshold Nullable[float64]  `json:"likelihood_threshold"`
	MovingAverageWindow *int               `json:"moving_average_window,omitempty"`
	ZeroFill            *bool              `json:"zero_fill,omitempty"`
	ScalingFactor       *float64           `json:"scaling_factor,omitempty"`
	Transform           *string            `json:"transform,omitempty"`
	MaxItems            *int               `json:"max_items,omitempty"`
	Model               *ModelOptions      `json:"model,omitempty"`
	Likelihood          *LikelihoodOptions `json:"likelihood,omitempty"`
}

// DecodeOptions разбирает JSON объект параметров, отвергая неизвестные ключи
func DecodeOptions(raw []byte) (Options, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return opts, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return opts, nil
}

// DefaultOptions конфигурация по умолчанию для новых сущностей
func DefaultOptions() Options {
	lp := analytics.DefaultLikelihoodParams()
	return Options{
		Resolution:          ptr(10.0),
		SecondsPerRequest:   ptr(60),
		Webhook:             Null[string](),
		AnomalyThreshold:    Some(0.9),
		LikelihoodThreshold: Null[float64](),
		MovingAverageWindow: ptr(10),
		ZeroFill:            ptr(false),
		ScalingFactor:       ptr(1.0),
		Transform:           ptr(string(analytics.TransformMovingAverage)),
		MaxItems:            ptr(DefaultMaxItems),
		Model: &ModelOptions{
			MaxStates:       ptr(4096),
			PredictionSteps: ptr(1),
		},
		Likelihood: &LikelihoodOptions{
			LearningPeriod:     ptr(lp.LearningPeriod),
			EstimationSamples:  ptr(lp.EstimationSamples),
			HistoricWindow:     ptr(lp.HistoricWindow),
			ReestimationPeriod: ptr(lp.ReestimationPeriod),
			AveragingWindow:    ptr(lp.AveragingWindow),
		},
	}
}

// Merge накладывает override на base поле за полем; вложенные группы
// объединяются рекурсивно, а не заменяются целиком
func Merge(base, override Options) Options {
	out := base
	out.Name = pick(base.Name, override.Name)
	out.ValueLabel = pick(base.ValueLabel, override.ValueLabel)
	out.ValueUnit = pick(base.ValueUnit, override.ValueUnit)
	out.Resolution = pick(base.Resolution, override.Resolution)
	out.SecondsPerRequest = pick(base.SecondsPerRequest, override.SecondsPerRequest)
	out.Webhook = pickNullable(base.Webhook, override.Webhook)
	out.AnomalyThreshold = pickNullable(base.AnomalyThreshold, override.AnomalyThreshold)
	out.LikelihoodThreshold = pickNullable(base.LikelihoodThreshold, override.LikelihoodThreshold)
	out.MovingAverageWindow = pick(base.MovingAverageWindow, override.MovingAverageWindow)
	out.ZeroFill = pick(base.ZeroFill, override.ZeroFill)
	out.ScalingFactor = pick(base.ScalingFactor, override.ScalingFactor)
	out.Transform = pick(base.Transform, override.Transform)
	out.MaxItems = pick(base.MaxItems, override.MaxItems)
	out.Model = mergeModel(base.Model, override.Model)
	out.Likelihood = mergeLikelihood(base.Likelihood, override.Likelihood)
	return out
}

func mergeModel(base, override *ModelOptions) *ModelOptions {
	if base == nil && override == nil {
		return nil
	}
	var b, o ModelOptions
	if base != nil {
		b = *base
	}
	if override != nil {
		o = *override
	}
	return &ModelOptions{
		MaxStates:       pick(b.MaxStates, o.MaxStates),
		PredictionSteps: pick(b.PredictionSteps, o.PredictionSteps),
	}
}

func mergeLikelihood(base, override *LikelihoodOptions) *LikelihoodOptions {
	if base == nil && override == nil {
		return nil
	}
	var b, o LikelihoodOptions
	if base != nil {
		b = *base
	}
	if override != nil {
		o = *override
	}
	return &LikelihoodOptions{
		LearningPeriod:     pick(b.LearningPeriod, o.LearningPeriod),
		EstimationSamples:  pick(b.EstimationSamples, o.EstimationSamples),
		HistoricWindow:     pick(b.HistoricWindow, o.HistoricWindow),
		ReestimationPeriod: pick(b.ReestimationPeriod, o.ReestimationPeriod),
		AveragingWindow:    pick(b.AveragingWindow, o.AveragingWindow),
	}
}

// Settings проверенная конфигурация монитора
type Settings struct {
	ID                  string
	Name                string
	ValueLabel          string
	ValueUnit           string
	SecondsPerRequest   int
	Webhook             string
	Thresholds          analytics.Thresholds
	MovingAverageWindow int
	ZeroFill            bool
	ScalingFactor       float64
	Transform           analytics.TransformKind
	MaxItems            int
	PredictionSteps     int
	Model               analytics.ModelParams
	Likelihood          analytics.LikelihoodParams
}

// Resolve проверяет объединенные параметры и строит Settings.
// Все ошибки полей собираются в одну, обернутую в ErrConfigInvalid.
func Resolve(id string, opts Options) (Settings, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(id) == "" {
		fail("id is required")
	}

	s := Settings{
		ID:         id,
		Name:       deref(opts.Name, id),
		ValueLabel: deref(opts.ValueLabel, "unknown_label"),
		ValueUnit:  deref(opts.ValueUnit, "unknown_unit"),
		Webhook:    deref(opts.Webhook.Ptr(), ""),
		Thresholds: analytics.Thresholds{
			Anomaly:    opts.AnomalyThreshold.Ptr(),
			Likelihood: opts.LikelihoodThreshold.Ptr(),
		},
		ZeroFill:      deref(opts.ZeroFill, false),
		ScalingFactor: deref(opts.ScalingFactor, 1),
		MaxItems:      deref(opts.MaxItems, DefaultMaxItems),
	}

	if s.Name == "" {
		s.Name = id
	}

	resolution, ok := required(opts.Resolution)
	if !ok {
		fail("resolution is required")
	} else if !finite(resolution) || resolution <= 0 {
		fail("resolution must be a positive number, got %v", resolution)
	}

	spr, ok := required(opts.SecondsPerRequest)
	if !ok {
		fail("seconds_per_request is required")
	} else if spr < 1 {
		fail("seconds_per_request must be >= 1, got %d", spr)
	}
	s.SecondsPerRequest = spr

	if t := s.Thresholds.Anomaly; t != nil && !unitInterval(*t) {
		fail("anomaly_threshold must be in [0,1], got %v", *t)
	}
	if t := s.Thresholds.Likelihood; t != nil && !unitInterval(*t) {
		fail("likelihood_threshold must be in [0,1], got %v", *t)
	}

	maw, ok := required(opts.MovingAverageWindow)
	if !ok {
		fail("moving_average_window is required")
	} else if maw < 1 || maw > MaxWindowSize {
		fail("moving_average_window must be in [1,%d], got %d", MaxWindowSize, maw)
	}
	s.MovingAverageWindow = maw

	if !finite(s.ScalingFactor) {
		fail("scaling_factor must be finite, got %v", s.ScalingFactor)
	}

	kind, err := analytics.ParseTransformKind(deref(opts.Transform, ""))
	if err != nil {
		fail("transform: %v", err)
	}
	s.Transform = kind

	if s.MaxItems < 1 {
		fail("max_items must be >= 1, got %d", s.MaxItems)
	}

	var mo ModelOptions
	if opts.Model != nil {
		mo = *opts.Model
	}
	s.Model = analytics.ModelParams{Resolution: resolution, MaxStates: deref(mo.MaxStates, 4096)}
	if s.Model.MaxStates < 2 || s.Model.MaxStates > MaxModelStates {
		fail("model.max_states must be in [2,%d], got %d", MaxModelStates, s.Model.MaxStates)
	}
	s.PredictionSteps = deref(mo.PredictionSteps, 1)
	if s.PredictionSteps < 1 || s.PredictionSteps > MaxPredictionSteps {
		fail("model.prediction_steps must be in [1,%d], got %d", MaxPredictionSteps, s.PredictionSteps)
	}

	var lo LikelihoodOptions
	if opts.Likelihood != nil {
		lo = *opts.Likelihood
	}
	def := analytics.DefaultLikelihoodParams()
	s.Likelihood = analytics.LikelihoodParams{
		LearningPeriod:     deref(lo.LearningPeriod, def.LearningPeriod),
		EstimationSamples:  deref(lo.EstimationSamples, def.EstimationSamples),
		HistoricWindow:     deref(lo.HistoricWindow, def.HistoricWindow),
		ReestimationPeriod: deref(lo.ReestimationPeriod, def.ReestimationPeriod),
		AveragingWindow:    deref(lo.AveragingWindow, def.AveragingWindow),
	}
	if s.Likelihood.LearningPeriod < 0 {
		fail("likelihood.learning_period must be >= 0, got %d", s.Likelihood.LearningPeriod)
	}
	if s.Likelihood.EstimationSamples < 1 {
		fail("likelihood.estimation_samples must be >= 1, got %d", s.Likelihood.EstimationSamples)
	}
	if s.Likelihood.HistoricWindow < 1 || s.Likelihood.HistoricWindow > MaxWindowSize {
		fail("likelihood.historic_window must be in [1,%d], got %d", MaxWindowSize, s.Likelihood.HistoricWindow)
	}
	if s.Likelihood.ReestimationPeriod < 1 {
		fail("likelihood.reestimation_period must be >= 1, got %d", s.Likelihood.ReestimationPeriod)
	}
	if s.Likelihood.AveragingWindow < 1 || s.Likelihood.AveragingWindow > MaxWindowSize {
		fail("likelihood.averaging_window must be in [1,%d], got %d", MaxWindowSize, s.Likelihood.AveragingWindow)
	}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return s, nil
}

func ptr[T any](v T) *T {
	return &v
}

func pick[T any](base, override *T) *T {
	if override != nil {
		return override
	}
	return base
}

func pickNullable[T any](base, override Nullable[T]) Nullable[T] {
	if override.Set {
		return override
	}
	return base
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func required[T any](p *T) (T, bool) {
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func unitInterval(f float64) bool {
	return finite(f) && f >= 0 && f <= 1
}
