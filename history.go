package regulation

import "sync"

const (
	defaultHistorySize = 100
	defaultIdleFactor  = 0.5
)

// HistorySample is one regulation iteration as recorded for history and
// plotting consumers: the process value, the output working setpoint and the
// loop setpoint at sample n.
type HistorySample struct {
	N        int
	Input    float64
	Output   float64
	Setpoint float64
}

// historyBuffer keeps the newest samples of a regulation task in a fixed-size
// window so plotting never has to touch the hardware.
type historyBuffer struct {
	mu      sync.Mutex
	size    int
	counter int
	samples []HistorySample
}

func newHistoryBuffer(size int) *historyBuffer {
	return &historyBuffer{size: size}
}

func (h *historyBuffer) Append(input, output, setpoint float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, HistorySample{N: h.counter, Input: input, Output: output, Setpoint: setpoint})
	h.counter++
	if excess := len(h.samples) - h.size; excess > 0 {
		h.samples = h.samples[excess:]
	}
}

func (h *historyBuffer) Snapshot() []HistorySample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistorySample, len(h.samples))
	copy(out, h.samples)
	return out
}

func (h *historyBuffer) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = nil
	h.counter = 0
}

func (h *historyBuffer) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *historyBuffer) Resize(n int) {
	if n < 1 {
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = n
	if excess := len(h.samples) - n; excess > 0 {
		h.samples = h.samples[excess:]
	}
}
