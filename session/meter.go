package session

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/viterin/vek/vek32"

	"github.com/jamtrackd/jamtrack"
)

const (
	meterInterval = 50 * time.Millisecond

	// publishDelta is the minimum change in displayed level before a new
	// value is pushed to the UI.
	publishDelta = 1.0
)

// tapSource yields the current set of taps to poll. The orchestrator
// implements it; taps come and go as chains are rebuilt.
type tapSource interface {
	meterTaps() map[jamtrack.InstrumentID]*tap
}

// Meter polls the analysis taps on a fixed interval and publishes scaled
// level updates. Values are 0..100 mapped from [-60 dB, 0 dB] RMS; a tap
// with no signal decays to zero as its window fills with silence.
type Meter struct {
	cm     *ContextManager
	taps   tapSource
	broker *Broker

	frames  [][2]float64
	scratch []float32
	squared []float32

	mu   sync.Mutex
	last map[string]float64
	done chan struct{}
	wg   sync.WaitGroup
}

func NewMeter(cm *ContextManager, taps tapSource, broker *Broker) *Meter {
	return &Meter{
		cm:      cm,
		taps:    taps,
		broker:  broker,
		frames:  make([][2]float64, tapWindowFrames),
		scratch: make([]float32, tapWindowFrames*2),
		squared: make([]float32, tapWindowFrames*2),
		last:    make(map[string]float64),
		done:    make(chan struct{}),
	}
}

func (m *Meter) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Meter) Stop() {
	close(m.done)
	m.wg.Wait()
}

func (m *Meter) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll covers every instrument on every tick. An instrument without a tap
// (chain not yet built, or torn down) reads as zero, so its displayed level
// does not freeze at the last live value.
func (m *Meter) poll() {
	taps := m.taps.meterTaps()
	for _, id := range jamtrack.Instruments {
		var value float64
		if t, ok := taps[id]; ok {
			value = m.level(t)
		}
		m.publish(string(id), value, false, id)
	}
	var master float64
	if mt := m.cm.masterTap(); mt != nil {
		master = m.level(mt)
	}
	m.publish("master", master, true, "")
}

// level reads a tap's window and returns the displayed level for it. Read
// errors are logged and shown as silence.
func (m *Meter) level(t *tap) float64 {
	n, err := t.Window(m.frames)
	if err != nil {
		log.Printf("reading meter tap: %v", err)
		return 0
	}
	if n == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		m.scratch[2*i] = float32(m.frames[i][0])
		m.scratch[2*i+1] = float32(m.frames[i][1])
	}
	s := m.scratch[:2*n]
	sq := m.squared[:2*n]
	vek32.Mul_Into(sq, s, s)
	rms := math.Sqrt(float64(vek32.Mean(sq)))
	return scaleLevel(rms)
}

// scaleLevel maps a linear RMS amplitude onto the 0..100 display range,
// with jamtrack.MinDecibels pinned to 0 and full scale to 100.
func scaleLevel(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	if db < jamtrack.MinDecibels {
		return 0
	}
	if db > jamtrack.MaxDecibels {
		db = jamtrack.MaxDecibels
	}
	return (db - jamtrack.MinDecibels) / (jamtrack.MaxDecibels - jamtrack.MinDecibels) * 100
}

func (m *Meter) publish(key string, value float64, master bool, id jamtrack.InstrumentID) {
	m.mu.Lock()
	prev, seen := m.last[key]
	changed := !seen || math.Abs(value-prev) > publishDelta || (value == 0 && prev != 0)
	if changed {
		m.last[key] = value
	}
	m.mu.Unlock()
	if !changed || m.broker == nil {
		return
	}
	TrySend(m.broker.ToUI, MsgToUI{
		HasMeter: true,
		Meter:    MeterUpdate{Instrument: id, Master: master, Value: value},
	})
}
