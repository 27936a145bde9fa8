package session

import (
	"sync"

	"github.com/gopxl/beep"
)

// tapWindowFrames is sized to hold roughly one meter interval of audio at
// 44.1 kHz, so every poll sees fresh samples.
const tapWindowFrames = 2048

// tap is the analysis point of a signal chain: a pass-through streamer that
// keeps a sliding window of the frames that most recently flowed through it.
// The pump goroutine writes (via Stream), the meter reads (via Window); the
// window is the only state shared between them and is locked internally.
type tap struct {
	src beep.Streamer

	mu     sync.Mutex
	window [][2]float64
	count  int
	cursor int
	err    error
}

func newTap(src beep.Streamer) *tap {
	return &tap{src: src, window: make([][2]float64, tapWindowFrames)}
}

func (t *tap) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = t.src.Stream(samples)
	t.mu.Lock()
	for i := 0; i < n; i++ {
		t.window[t.cursor] = samples[i]
		t.cursor = (t.cursor + 1) % len(t.window)
		if t.count < len(t.window) {
			t.count++
		}
	}
	if !ok {
		if err := t.src.Err(); err != nil {
			t.err = err
		}
	}
	t.mu.Unlock()
	return n, ok
}

func (t *tap) Err() error {
	return t.src.Err()
}

// Window copies the most recent frames into dst and reports how many are
// valid. Frame order within the window is unspecified; the meter only needs
// the sample values. A sticky upstream error is returned instead of data.
func (t *tap) Window(dst [][2]float64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return 0, t.err
	}
	n := t.count
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], t.window[:n])
	return n, nil
}
