package session

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/generators"

	"github.com/jamtrackd/jamtrack"
)

// ContextFactory constructs a fresh audio context. Each call is expected to
// return a context bound to a new output sink; the previous one has already
// been closed when the factory is invoked again.
type ContextFactory func() (jamtrack.AudioContext, error)

// masterBus is the fixed tail of the streamer graph. Instrument chains are
// added to chains; gain applies the master volume; tap feeds the master
// meter; top additionally carries transient streamers such as test tones.
type masterBus struct {
	chains *beep.Mixer
	gain   *effects.Volume
	tap    *tap
	top    *beep.Mixer
}

func newMasterBus() *masterBus {
	b := &masterBus{chains: &beep.Mixer{}}
	b.gain = &effects.Volume{Streamer: b.chains, Base: 10, Volume: 0}
	b.tap = newTap(b.gain)
	b.top = &beep.Mixer{}
	b.top.Add(b.tap)
	return b
}

type sessionContext struct {
	id     uint64
	ctx    jamtrack.AudioContext
	master *masterBus
	pump   *pump
}

// ContextManager owns the audio context and the master bus, and is the sole
// authority over their lifecycle. All other components reach the audio
// hardware through it.
type ContextManager struct {
	factory ContextFactory
	storage Storage
	broker  *Broker

	mu        sync.Mutex
	sc        *sessionContext
	lastID    atomic.Uint64
	resetting atomic.Bool

	startTimeout  time.Duration
	resetAttempts int
	resetBackoff  time.Duration
}

func NewContextManager(factory ContextFactory, storage Storage, broker *Broker) *ContextManager {
	return &ContextManager{
		factory:       factory,
		storage:       storage,
		broker:        broker,
		startTimeout:  3 * time.Second,
		resetAttempts: 3,
		resetBackoff:  250 * time.Millisecond,
	}
}

// EnsureStarted brings the audio context to a running state, creating it on
// first use. It is cheap when the context is already live and safe to call
// before every playback attempt. Resume runs outside the manager lock and
// is bounded by startTimeout; a hanging or failing resume feeds the reset
// path instead of wedging the manager.
func (cm *ContextManager) EnsureStarted() error {
	cm.mu.Lock()
	if cm.sc == nil {
		err := cm.initContextLocked()
		cm.mu.Unlock()
		return err
	}
	ctx := cm.sc.ctx
	cm.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- ctx.Resume() }()
	err, received := TimeoutReceive(done, cm.startTimeout)
	if !received {
		err = fmt.Errorf("audio context resume timed out after %v", cm.startTimeout)
	}
	if err == nil {
		return nil
	}
	log.Printf("audio context resume failed, resetting: %v", err)
	return cm.Reset()
}

// Reset tears down the current context and builds a new one under a fresh
// identity. Concurrent calls collapse into one; losers return immediately
// and rely on the winner's outcome.
func (cm *ContextManager) Reset() error {
	if !cm.resetting.CompareAndSwap(false, true) {
		return nil
	}
	defer cm.resetting.Store(false)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.teardownLocked()

	err := retryWithBackoff(cm.resetAttempts, cm.resetBackoff, func() error {
		return cm.initContextLocked()
	})
	if err != nil {
		cm.alert(Alert{
			Message:  "audio system could not be restarted",
			Priority: Error,
			Action:   ActionRestart,
		})
		return fmt.Errorf("reset audio context: %w", err)
	}
	return nil
}

func (cm *ContextManager) initContextLocked() error {
	ctx, err := cm.factory()
	if err != nil {
		return fmt.Errorf("create audio context: %w", err)
	}
	master := newMasterBus()
	master.gain.Volume = cm.persistedMasterVolume() / 20
	sink := ctx.Output()
	sc := &sessionContext{
		id:     cm.lastID.Add(1),
		ctx:    ctx,
		master: master,
	}
	sc.pump = newPump(master.top, sink, cm.broker, func(err error) {
		log.Printf("audio pump stopped: %v", err)
		cm.alert(Alert{Message: "audio output failed", Priority: Warning, Action: ActionReset})
	})
	cm.sc = sc
	return nil
}

func (cm *ContextManager) teardownLocked() {
	if cm.sc == nil {
		return
	}
	cm.sc.pump.Close()
	if err := cm.sc.ctx.Close(); err != nil {
		log.Printf("closing audio context: %v", err)
	}
	cm.sc = nil
}

// ContextID returns the identity of the live context, or zero when no
// context exists. Chains stamped with an older identity are stale.
func (cm *ContextManager) ContextID() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sc == nil {
		return 0
	}
	return cm.sc.id
}

// SetMasterVolume applies a master gain in decibels and persists it. The
// stored value survives resets; initContextLocked reads it back.
func (cm *ContextManager) SetMasterVolume(db float64) {
	db = jamtrack.ClampDB(db)
	cm.mu.Lock()
	if cm.sc != nil {
		cm.sc.pump.Lock()
		cm.sc.master.gain.Volume = db / 20
		cm.sc.pump.Unlock()
	}
	cm.mu.Unlock()
	if cm.storage != nil {
		if err := cm.storage.Set(masterVolumeKey, strconv.FormatFloat(db, 'f', -1, 64)); err != nil {
			log.Printf("persisting master volume: %v", err)
		}
	}
}

func (cm *ContextManager) persistedMasterVolume() float64 {
	if cm.storage == nil {
		return 0
	}
	raw, ok := cm.storage.Get(masterVolumeKey)
	if !ok {
		return 0
	}
	db, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return jamtrack.ClampDB(db)
}

// PlayTestTone plays a short sine beep through the master bus so the user
// can confirm the output device works. Failures are logged, never returned.
func (cm *ContextManager) PlayTestTone() {
	if err := cm.EnsureStarted(); err != nil {
		log.Printf("test tone: %v", err)
		return
	}
	tone, err := generators.SineTone(beep.SampleRate(jamtrack.SampleRate), 440)
	if err != nil {
		log.Printf("test tone: %v", err)
		return
	}
	quiet := &effects.Volume{Streamer: tone, Base: 10, Volume: -12.0 / 20}
	burst := beep.Take(jamtrack.SampleRate*3/10, quiet)
	cm.mu.Lock()
	if cm.sc != nil {
		cm.sc.pump.Lock()
		cm.sc.master.top.Add(burst)
		cm.sc.pump.Unlock()
	}
	cm.mu.Unlock()
}

// connect adds a finished chain to the master bus, re-checking the chain's
// identity against the live context under the audio lock. Stale chains are
// disposed instead of connected.
func (cm *ContextManager) connect(c *signalChain) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sc == nil || cm.sc.id != c.contextID {
		c.dispose()
		return fmt.Errorf("audio context changed while building chain")
	}
	cm.sc.pump.Lock()
	cm.sc.master.chains.Add(c.tap)
	cm.sc.pump.Unlock()
	return nil
}

// disconnectAll drops every instrument chain from the master bus. Individual
// removal is not supported by the mixer, so callers rebuild and re-add the
// chains that should survive.
func (cm *ContextManager) disconnectAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sc == nil {
		return
	}
	cm.sc.pump.Lock()
	cm.sc.master.chains.Clear()
	cm.sc.pump.Unlock()
}

// withAudioLock runs fn while the pump is stalled between chunks, so fn may
// mutate the streamer graph. A no-op when no context exists.
func (cm *ContextManager) withAudioLock(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sc == nil {
		fn()
		return
	}
	cm.sc.pump.Lock()
	fn()
	cm.sc.pump.Unlock()
}

// masterTap exposes the master bus tap for the level meter.
func (cm *ContextManager) masterTap() *tap {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sc == nil {
		return nil
	}
	return cm.sc.master.tap
}

func (cm *ContextManager) alert(a Alert) {
	if cm.broker == nil {
		return
	}
	TrySend(cm.broker.ToUI, MsgToUI{Alert: &a})
}

// Close shuts the audio context down for good.
func (cm *ContextManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.teardownLocked()
}
