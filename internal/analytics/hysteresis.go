package analytics

// AlertState состояние тревоги сущности
type AlertState int

const (
	StateNormal AlertState = iota
	StateAnomalous
)

func (s AlertState) String() string {
	switch s {
	case StateAnomalous:
		return "anomalous"
	default:
		return "normal"
	}
}

// Thresholds пороги срабатывания; nil означает, что порог не задан
type Thresholds struct {
	Anomaly    *float64
	Likelihood *float64
}

// Enabled задан ли хотя бы один порог
func (t Thresholds) Enabled() bool {
	return t.Anomaly != nil || t.Likelihood != nil
}

// Triggered выполнено ли условие перехода в ANOMALOUS
func (t Thresholds) Triggered(anomalyScore, likelihood float64) bool {
	if t.Anomaly != nil && anomalyScore >= *t.Anomaly {
		return true
	}
	return t.Likelihood != nil && likelihood >= *t.Likelihood
}

// Transition смена состояния за один тик
type Transition struct {
	From AlertState
	To   AlertState
}

// Changed произошел ли переход
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Hysteresis автомат NORMAL/ANOMALOUS; уведомлять нужно только при Changed
type Hysteresis struct {
	thresholds Thresholds
	state      AlertState
}

// NewHysteresis создает автомат в состоянии NORMAL
func NewHysteresis(thresholds Thresholds) *Hysteresis {
	return &Hysteresis{thresholds: thresholds}
}

// Evaluate применяет пороги к тику и возвращает новое состояние и переход
func (h *Hysteresis) Evaluate(anomalyScore, likelihood float64) (bool, Transition) {
	from := h.state
	if h.thresholds.Triggered(anomalyScore, likelihood) {
		h.state = StateAnomalous
	} else {
		h.state = StateNormal
	}
	return h.state == StateAnomalous, Transition{From: from, To: h.state}
}

// State текущее состояние
func (h *Hysteresis) State() AlertState {
	return h.state
}
