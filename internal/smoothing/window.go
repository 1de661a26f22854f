package smoothing

import "golang.org/x/exp/constraints"

type Number interface {
	constraints.Integer | constraints.Float
}

// Window is a bounded FIFO of the most recent samples of one signal.
// Pushing onto a full window evicts the oldest sample.
type Window[T Number] struct {
	buf   []T
	start int
	size  int
}

func NewWindow[T Number](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

func (w *Window[T]) Push(v T) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = v
		w.size++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window[T]) Len() int { return w.size }

func (w *Window[T]) Cap() int { return len(w.buf) }

func (w *Window[T]) Full() bool { return w.size == len(w.buf) }

func (w *Window[T]) Reset() {
	w.start = 0
	w.size = 0
}

// Values returns the samples oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Mean is the arithmetic mean of the window contents; ok is false when empty.
func (w *Window[T]) Mean() (float64, bool) {
	if w.size == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < w.size; i++ {
		sum += float64(w.buf[(w.start+i)%len(w.buf)])
	}
	return sum / float64(w.size), true
}
