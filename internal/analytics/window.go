package analytics

// Window кольцевой буфер последних значений фиксированной емкости с текущей суммой
type Window struct {
	values []float64
	size   int
	index  int
	count  int
	sum    float64
}

// NewWindow создает окно заданного размера. При zeroFill окно сразу заполнено нулями.
func NewWindow(size int, zeroFill bool) *Window {
	if size < 1 {
		size = 1
	}
	w := &Window{
		values: make([]float64, size),
		size:   size,
	}
	if zeroFill {
		w.count = size
	}
	return w
}

// Push добавляет значение, вытесняя самое старое при переполнении
func (w *Window) Push(value float64) {
	if w.count == w.size {
		w.sum -= w.values[w.index]
	} else {
		w.count++
	}
	w.values[w.index] = value
	w.sum += value
	w.index = (w.index + 1) % w.size
}

// Len количество значений в окне
func (w *Window) Len() int {
	return w.count
}

// Cap емкость окна
func (w *Window) Cap() int {
	return w.size
}

// Newest последнее добавленное значение, 0 для пустого окна
func (w *Window) Newest() float64 {
	if w.count == 0 {
		return 0
	}
	return w.values[(w.index-1+w.size)%w.size]
}

// Sum сумма значений окна
func (w *Window) Sum() float64 {
	return w.sum
}

// Mean среднее арифметическое, 0 для пустого окна
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.Sum() / float64(w.count)
}

// Values копия значений от старого к новому
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.count)
	start := (w.index - w.count + w.size) % w.size
	for i := 0; i < w.count; i++ {
		out = append(out, w.values[(start+i)%w.size])
	}
	return out
}
