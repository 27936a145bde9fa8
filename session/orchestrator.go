package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/jamtrackd/jamtrack"
)

var (
	// ErrBusy is returned when an operation is already in flight; callers
	// should simply ignore the duplicate request.
	ErrBusy = errors.New("operation already in progress")

	// ErrNoTrack is returned by transport and export operations before any
	// track has been generated.
	ErrNoTrack = errors.New("no track generated")

	// ErrAllChainsFailed means not a single instrument could produce sound.
	ErrAllChainsFailed = errors.New("no instrument chain could be built")
)

// Options configures an Orchestrator. Factory and Broker are required;
// Storage and Resolver may be nil for throwaway sessions.
type Options struct {
	Factory  ContextFactory
	Broker   *Broker
	Storage  Storage
	Resolver SampleResolver

	// DisableFallback turns the synthesized substitute tone off, making a
	// missing sample a hard failure for its instrument.
	DisableFallback bool
}

type instrumentState struct {
	chain   *signalChain
	state   jamtrack.LoadingState
	gainDB  float64
	path    string
	lastErr error
}

// Orchestrator coordinates track generation, transport and per-instrument
// levels across the audio context lifecycle. It is the only writer of the
// session's instrument state; the mutex covers settings, chains and state
// while atomic guards keep each operation class single-flight.
type Orchestrator struct {
	cm      *ContextManager
	builder *chainBuilder
	broker  *Broker
	storage Storage
	meter   *Meter

	mu          sync.Mutex
	settings    jamtrack.TrackSettings
	generated   bool
	playing     bool
	lastError   string
	instruments map[jamtrack.InstrumentID]*instrumentState

	generating atomic.Bool
	switching  atomic.Bool
	exporting  atomic.Bool
}

func NewOrchestrator(opts Options) *Orchestrator {
	cm := NewContextManager(opts.Factory, opts.Storage, opts.Broker)
	o := &Orchestrator{
		cm:          cm,
		builder:     newChainBuilder(cm, opts.Resolver, opts.DisableFallback),
		broker:      opts.Broker,
		storage:     opts.Storage,
		instruments: make(map[jamtrack.InstrumentID]*instrumentState),
	}
	for _, id := range jamtrack.Instruments {
		o.instruments[id] = &instrumentState{gainDB: jamtrack.Meta(id).DefaultGainDB}
	}
	o.settings.Validate()
	o.restoreSaved()
	o.meter = NewMeter(cm, o, opts.Broker)
	o.meter.Start()
	return o
}

// restoreSaved applies a persisted session record to the in-memory state
// without building any chains; RegenerateFromSavedState does the rebuilding.
func (o *Orchestrator) restoreSaved() {
	if o.storage == nil {
		return
	}
	rec, ok, err := loadSession(o.storage)
	if err != nil {
		log.Printf("loading saved session: %v", err)
		return
	}
	if !ok {
		return
	}
	o.mu.Lock()
	o.settings = rec.TrackSettings
	o.settings.Validate()
	for id, ir := range rec.Instruments {
		st, ok := o.instruments[id]
		if !ok {
			continue
		}
		st.gainDB = jamtrack.ClampDB(ir.Volume)
		st.path = ir.SamplePath
	}
	o.mu.Unlock()
}

// GenerateTrack builds a fresh set of instrument chains for the given
// settings. At most one generation runs at a time; concurrent calls get
// ErrBusy. The track counts as generated when at least one chain was built,
// and the session is persisted on success.
func (o *Orchestrator) GenerateTrack(settings jamtrack.TrackSettings) error {
	if !o.generating.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer o.generating.Store(false)

	if err := o.cm.EnsureStarted(); err != nil {
		err = fmt.Errorf("generate track: %w", err)
		o.setLastError(err)
		return err
	}
	settings.Validate()

	o.mu.Lock()
	o.settings = settings
	o.teardownChainsLocked()
	for _, st := range o.instruments {
		st.state = jamtrack.LoadLoading
		st.lastErr = nil
	}
	o.mu.Unlock()
	o.publishState()

	built := 0
	for _, id := range jamtrack.Instruments {
		o.mu.Lock()
		st := o.instruments[id]
		gain := st.gainDB
		path := st.path
		o.mu.Unlock()

		res := o.builder.buildChain(id, path, gain)

		o.mu.Lock()
		st.chain = res.chain
		st.state = res.state
		st.lastErr = res.err
		if res.err == nil {
			// only a real sample load may overwrite a saved sample path
			st.path = res.path
		}
		if res.chain != nil {
			built++
		}
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.generated = built > 0
	o.playing = false
	if built > 0 {
		o.lastError = ""
	} else {
		o.lastError = ErrAllChainsFailed.Error()
	}
	o.mu.Unlock()
	o.publishState()

	if built == 0 {
		o.alert(Alert{Message: "track generation failed for every instrument", Priority: Error, Action: ActionReset})
		return ErrAllChainsFailed
	}
	o.persist()
	return nil
}

// TogglePlayback starts or pauses the generated track. Chains that went
// stale across a context reset are rebuilt transparently before starting;
// when none of them can be revived the context is reset and an error
// returned so the caller can retry.
func (o *Orchestrator) TogglePlayback() error {
	if !o.switching.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer o.switching.Store(false)

	o.mu.Lock()
	if !o.generated {
		o.mu.Unlock()
		return ErrNoTrack
	}
	pausing := o.playing
	o.mu.Unlock()

	if pausing {
		o.setAllPaused(true)
		o.mu.Lock()
		o.playing = false
		o.mu.Unlock()
		o.publishState()
		return nil
	}

	if err := o.cm.EnsureStarted(); err != nil {
		err = fmt.Errorf("start playback: %w", err)
		o.setLastError(err)
		return err
	}
	if started := o.reviveChains(); started == 0 {
		if err := o.cm.Reset(); err != nil {
			log.Printf("reset after failed playback: %v", err)
		}
		err := fmt.Errorf("start playback: %w", ErrAllChainsFailed)
		o.setLastError(err)
		return err
	}
	o.setAllPaused(false)
	o.mu.Lock()
	o.playing = true
	o.lastError = ""
	o.mu.Unlock()
	o.publishState()
	return nil
}

// reviveChains rebuilds any chain that is missing or stamped with a dead
// context identity, reusing the instrument's known sample path. It returns
// how many chains are live afterwards.
func (o *Orchestrator) reviveChains() int {
	contextID := o.cm.ContextID()
	live := 0
	for _, id := range jamtrack.Instruments {
		o.mu.Lock()
		st := o.instruments[id]
		chain := st.chain
		gain := st.gainDB
		path := st.path
		o.mu.Unlock()

		if chain != nil && chain.contextID == contextID {
			live++
			continue
		}
		if chain != nil {
			chain.dispose()
		}
		res := o.builder.buildChain(id, path, gain)

		o.mu.Lock()
		st.chain = res.chain
		st.state = res.state
		st.lastErr = res.err
		if res.err == nil {
			st.path = res.path
		}
		if res.chain != nil {
			live++
		}
		o.mu.Unlock()
	}
	return live
}

func (o *Orchestrator) setAllPaused(paused bool) {
	o.mu.Lock()
	chains := make([]*signalChain, 0, len(o.instruments))
	for _, st := range o.instruments {
		if st.chain != nil {
			chains = append(chains, st.chain)
		}
	}
	o.mu.Unlock()
	o.cm.withAudioLock(func() {
		for _, c := range chains {
			c.setPaused(paused)
		}
	})
}

// SetInstrumentVolume records and applies a per-instrument gain. The stored
// value is authoritative: it is persisted and applied even when the chain is
// missing, so a later rebuild picks it up. It never fails.
func (o *Orchestrator) SetInstrumentVolume(id jamtrack.InstrumentID, db float64) {
	if !jamtrack.ValidInstrument(id) {
		return
	}
	db = jamtrack.ClampDB(db)
	o.mu.Lock()
	st := o.instruments[id]
	st.gainDB = db
	chain := st.chain
	o.mu.Unlock()
	if chain != nil {
		o.cm.withAudioLock(func() {
			chain.setGainDB(db)
		})
	}
	o.persist()
}

// SetMasterVolume forwards to the context manager.
func (o *Orchestrator) SetMasterVolume(db float64) {
	o.cm.SetMasterVolume(db)
}

// PlayTestTone forwards to the context manager.
func (o *Orchestrator) PlayTestTone() {
	o.cm.PlayTestTone()
}

// RegenerateFromSavedState rebuilds the track recorded in storage: settings,
// per-instrument volumes and sample choices all come from the saved record.
// Without a saved record it reports ErrNoTrack.
func (o *Orchestrator) RegenerateFromSavedState() error {
	if o.storage == nil {
		return ErrNoTrack
	}
	rec, ok, err := loadSession(o.storage)
	if err != nil {
		err = fmt.Errorf("load saved session: %w", err)
		o.setLastError(err)
		return err
	}
	if !ok || !rec.IsTrackGenerated {
		return ErrNoTrack
	}
	o.mu.Lock()
	for id, ir := range rec.Instruments {
		if st, ok := o.instruments[id]; ok {
			st.gainDB = jamtrack.ClampDB(ir.Volume)
			st.path = ir.SamplePath
		}
	}
	o.mu.Unlock()
	settings := rec.TrackSettings
	return o.GenerateTrack(settings)
}

// ExportWav renders the current track offline and returns a complete WAV
// file. Export does not touch the live audio graph; playback keeps running.
func (o *Orchestrator) ExportWav() ([]byte, string, error) {
	if !o.exporting.CompareAndSwap(false, true) {
		return nil, "", ErrBusy
	}
	defer o.exporting.Store(false)

	settings, sources, err := o.exportInputs()
	if err != nil {
		return nil, "", err
	}
	buf, err := renderTrack(settings, sources)
	if err != nil {
		return nil, "", fmt.Errorf("render track: %w", err)
	}
	data, err := buf.Wav(true)
	if err != nil {
		return nil, "", fmt.Errorf("encode wav: %w", err)
	}
	return data, jamtrack.ExportName(settings, "wav"), nil
}

// ExportMIDI serializes the current track's pattern data as a standard MIDI
// file. It needs no audio context at all.
func (o *Orchestrator) ExportMIDI() ([]byte, string, error) {
	if !o.exporting.CompareAndSwap(false, true) {
		return nil, "", ErrBusy
	}
	defer o.exporting.Store(false)

	o.mu.Lock()
	if !o.generated {
		o.mu.Unlock()
		return nil, "", ErrNoTrack
	}
	settings := o.settings
	o.mu.Unlock()

	data, err := jamtrack.MIDIFile(settings, jamtrack.Instruments)
	if err != nil {
		return nil, "", fmt.Errorf("encode midi: %w", err)
	}
	return data, jamtrack.ExportName(settings, "mid"), nil
}

// exportInputs snapshots everything the offline renderer needs.
func (o *Orchestrator) exportInputs() (jamtrack.TrackSettings, map[jamtrack.InstrumentID]renderSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.generated {
		return jamtrack.TrackSettings{}, nil, ErrNoTrack
	}
	sources := make(map[jamtrack.InstrumentID]renderSource, len(o.instruments))
	for id, st := range o.instruments {
		// anything audible goes into the export, fallback tones included
		if st.chain == nil {
			continue
		}
		sources[id] = renderSource{
			path:   st.path,
			synth:  st.chain.source.kind == sourceSynth,
			gainDB: st.gainDB,
		}
	}
	return o.settings, sources, nil
}

// Snapshot is the UI-facing view of the session. LastError is the most
// recent context or generation level failure; empty once an operation
// succeeds again.
type Snapshot struct {
	Settings    jamtrack.TrackSettings
	Generated   bool
	Playing     bool
	LastError   string
	Instruments map[jamtrack.InstrumentID]InstrumentSnapshot
}

type InstrumentSnapshot struct {
	State  jamtrack.LoadingState
	GainDB float64
	Error  string
}

func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		Settings:    o.settings,
		Generated:   o.generated,
		Playing:     o.playing,
		LastError:   o.lastError,
		Instruments: make(map[jamtrack.InstrumentID]InstrumentSnapshot, len(o.instruments)),
	}
	for id, st := range o.instruments {
		is := InstrumentSnapshot{State: st.state, GainDB: st.gainDB}
		if st.lastErr != nil {
			is.Error = st.lastErr.Error()
		}
		s.Instruments[id] = is
	}
	return s
}

// setLastError records a context or generation level failure in the shared
// state and pushes the updated snapshot. Cleared by the next successful
// operation.
func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	if err != nil {
		o.lastError = err.Error()
	} else {
		o.lastError = ""
	}
	o.mu.Unlock()
	o.publishState()
}

func (o *Orchestrator) publishState() {
	if o.broker == nil {
		return
	}
	o.mu.Lock()
	s := o.snapshotLocked()
	o.mu.Unlock()
	TrySend(o.broker.ToUI, MsgToUI{HasState: true, State: s})
}

func (o *Orchestrator) persist() {
	if o.storage == nil {
		return
	}
	o.mu.Lock()
	rec := sessionRecord{
		TrackSettings:    o.settings,
		IsTrackGenerated: o.generated,
		Instruments:      make(map[jamtrack.InstrumentID]instrumentRecord, len(o.instruments)),
	}
	for id, st := range o.instruments {
		rec.Instruments[id] = instrumentRecord{Volume: st.gainDB, SamplePath: st.path}
	}
	o.mu.Unlock()
	if err := saveSession(o.storage, rec); err != nil {
		log.Printf("persisting session: %v", err)
	}
}

func (o *Orchestrator) alert(a Alert) {
	if o.broker == nil {
		return
	}
	TrySend(o.broker.ToUI, MsgToUI{Alert: &a})
}

// meterTaps yields the live chains' analysis taps for the level meter.
func (o *Orchestrator) meterTaps() map[jamtrack.InstrumentID]*tap {
	o.mu.Lock()
	defer o.mu.Unlock()
	taps := make(map[jamtrack.InstrumentID]*tap, len(o.instruments))
	for id, st := range o.instruments {
		if st.chain != nil {
			taps[id] = st.chain.tap
		}
	}
	return taps
}

// ContextID exposes the live audio context identity, mainly for tests and
// diagnostics.
func (o *Orchestrator) ContextID() uint64 {
	return o.cm.ContextID()
}

// ResetAudio forces a context reset, e.g. after the user switched output
// devices.
func (o *Orchestrator) ResetAudio() error {
	return o.cm.Reset()
}

// teardownChainsLocked disconnects every chain from the live mixer before
// disposing it, so the pump cannot stream a closed decoder.
func (o *Orchestrator) teardownChainsLocked() {
	o.dropChains()
	for _, st := range o.instruments {
		if st.chain != nil {
			st.chain.dispose()
			st.chain = nil
		}
		st.state = jamtrack.LoadIdle
	}
	o.generated = false
	o.playing = false
}

// dropChains clears the master chain mixer; called with o.mu held, which is
// safe because disconnectAll only takes the context and pump locks.
func (o *Orchestrator) dropChains() {
	o.cm.disconnectAll()
}

// Close stops the meter and tears the audio context down. The pump dies
// with the context, so chains are disposed only afterwards.
func (o *Orchestrator) Close() {
	o.meter.Stop()
	o.cm.Close()
	o.mu.Lock()
	for _, st := range o.instruments {
		if st.chain != nil {
			st.chain.dispose()
			st.chain = nil
		}
	}
	o.mu.Unlock()
}
