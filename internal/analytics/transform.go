package analytics

import "fmt"

// TransformKind способ получения входа модели из окна сырых значений
type TransformKind string

const (
	TransformScale         TransformKind = "scale"
	TransformMovingAverage TransformKind = "moving_average"
)

// ParseTransformKind разбирает имя преобразования; пустая строка означает scale
func ParseTransformKind(s string) (TransformKind, error) {
	switch TransformKind(s) {
	case "", TransformScale:
		return TransformScale, nil
	case TransformMovingAverage:
		return TransformMovingAverage, nil
	default:
		return "", fmt.Errorf("unknown transform %q", s)
	}
}

// Transform вычисляет значение, подаваемое в модель
func Transform(w *Window, scalingFactor float64, kind TransformKind) float64 {
	switch kind {
	case TransformMovingAverage:
		return w.Mean()
	default:
		return w.Newest() * scalingFactor
	}
}
