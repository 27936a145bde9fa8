package session

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamtrackd/jamtrack"
)

type fakeSink struct {
	writes atomic.Int64
}

func (s *fakeSink) WriteAudio(samples []float32) error {
	s.writes.Add(1)
	time.Sleep(time.Millisecond)
	return nil
}

func (s *fakeSink) Close() error { return nil }

type fakeContext struct {
	resumeErr   error
	resumeStall chan struct{} // Resume blocks on this channel when set
	closed      atomic.Bool
}

func (c *fakeContext) Output() jamtrack.AudioSink { return &fakeSink{} }

func (c *fakeContext) Resume() error {
	if c.resumeStall != nil {
		<-c.resumeStall
	}
	return c.resumeErr
}

func (c *fakeContext) Suspend() error { return nil }
func (c *fakeContext) Close() error   { c.closed.Store(true); return nil }

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeContext
	err     error
}

func (f *fakeFactory) new() (jamtrack.AudioContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeContext{}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type mapResolver struct {
	mu    sync.Mutex
	paths map[jamtrack.InstrumentID]string
	delay time.Duration
	calls int
}

func (r *mapResolver) Resolve(id jamtrack.InstrumentID) (string, error) {
	r.mu.Lock()
	r.calls++
	p, ok := r.paths[id]
	delay := r.delay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return "", fmt.Errorf("no sample for %s", id)
	}
	return p, nil
}

func writeTestWav(t *testing.T) string {
	t.Helper()
	buf := make(jamtrack.AudioBuffer, jamtrack.SampleRate/10)
	for i := range buf {
		v := float32(math.Sin(2*math.Pi*440*float64(i)/jamtrack.SampleRate)) * 0.5
		buf[i] = [2]float32{v, v}
	}
	data, err := buf.Wav(true)
	if err != nil {
		t.Fatalf("building test wav: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sample.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing test wav: %v", err)
	}
	return path
}

func allSamples(t *testing.T) *mapResolver {
	p := writeTestWav(t)
	return &mapResolver{paths: map[jamtrack.InstrumentID]string{
		jamtrack.Drums:  p,
		jamtrack.Bass:   p,
		jamtrack.Guitar: p,
		jamtrack.Keys:   p,
	}}
}

func newTestOrchestrator(t *testing.T, factory *fakeFactory, storage Storage, resolver SampleResolver, disableFallback bool) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(Options{
		Factory:         factory.new,
		Broker:          NewBroker(),
		Storage:         storage,
		Resolver:        resolver,
		DisableFallback: disableFallback,
	})
	t.Cleanup(o.Close)
	return o
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	id := o.ContextID()
	for i := 0; i < 5; i++ {
		if err := o.cm.EnsureStarted(); err != nil {
			t.Fatalf("EnsureStarted #%d: %v", i, err)
		}
	}
	if got := factory.count(); got != 1 {
		t.Errorf("expected a single audio context, factory created %d", got)
	}
	if o.ContextID() != id {
		t.Errorf("context identity changed from %d to %d without a reset", id, o.ContextID())
	}
}

func TestGenerateTrackSingleFlight(t *testing.T) {
	factory := &fakeFactory{}
	resolver := allSamples(t)
	resolver.delay = 50 * time.Millisecond
	o := newTestOrchestrator(t, factory, NewMemStorage(), resolver, false)

	errs := make(chan error, 1)
	go func() {
		errs <- o.GenerateTrack(jamtrack.TrackSettings{BPM: 100, Bars: 1})
	}()
	time.Sleep(20 * time.Millisecond)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 200, Bars: 1}); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent generate: got %v, want ErrBusy", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if got := o.State().Settings.BPM; got != 100 {
		t.Errorf("settings overwritten by rejected generate: bpm = %d", got)
	}
}

func TestResetChangesIdentityAndRevivesChains(t *testing.T) {
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	before := o.ContextID()
	if err := o.ResetAudio(); err != nil {
		t.Fatalf("ResetAudio: %v", err)
	}
	after := o.ContextID()
	if after <= before {
		t.Fatalf("identity did not advance on reset: %d -> %d", before, after)
	}
	if !factory.created[0].closed.Load() {
		t.Errorf("old context was not closed on reset")
	}
	if err := o.TogglePlayback(); err != nil {
		t.Fatalf("TogglePlayback after reset: %v", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, st := range o.instruments {
		if st.chain == nil {
			t.Errorf("%s: no chain after revive", id)
			continue
		}
		if st.chain.contextID != after {
			t.Errorf("%s: chain carries identity %d, live context is %d", id, st.chain.contextID, after)
		}
	}
}

func TestInstrumentVolumeSurvivesRebuild(t *testing.T) {
	storage := NewMemStorage()
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, storage, allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	o.SetInstrumentVolume(jamtrack.Guitar, -20)
	if err := o.ResetAudio(); err != nil {
		t.Fatalf("ResetAudio: %v", err)
	}
	if err := o.TogglePlayback(); err != nil {
		t.Fatalf("TogglePlayback: %v", err)
	}
	s := o.State()
	if got := s.Instruments[jamtrack.Guitar].GainDB; got != -20 {
		t.Errorf("guitar gain after rebuild = %v, want -20", got)
	}
	if got := s.Instruments[jamtrack.Bass].GainDB; got != jamtrack.Meta(jamtrack.Bass).DefaultGainDB {
		t.Errorf("bass gain after rebuild = %v, want default", got)
	}
	o.mu.Lock()
	gain := o.instruments[jamtrack.Guitar].chain.gain.Volume
	o.mu.Unlock()
	if gain != -1 {
		t.Errorf("live guitar gain exponent = %v, want -1 (= -20 dB)", gain)
	}
	rec, ok, err := loadSession(storage)
	if err != nil || !ok {
		t.Fatalf("loadSession: ok=%v err=%v", ok, err)
	}
	if rec.Instruments[jamtrack.Guitar].Volume != -20 {
		t.Errorf("persisted guitar volume = %v, want -20", rec.Instruments[jamtrack.Guitar].Volume)
	}
}

func TestMissingSampleFallsBackToTone(t *testing.T) {
	base := allSamples(t)
	delete(base.paths, jamtrack.Guitar)
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, NewMemStorage(), base, false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	if !o.State().Generated {
		t.Errorf("fallback track not marked generated")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, st := range o.instruments {
		// the fallback stays audible but the instrument reads as errored
		wantSynth := id == jamtrack.Guitar
		wantState := jamtrack.LoadLoaded
		if wantSynth {
			wantState = jamtrack.LoadError
		}
		if st.state != wantState {
			t.Errorf("%s: state = %v, want %v", id, st.state, wantState)
		}
		if wantSynth && st.lastErr == nil {
			t.Errorf("%s: no load error recorded for the fallback", id)
		}
		if st.chain == nil {
			t.Errorf("%s: no chain", id)
			continue
		}
		if got := st.chain.source.kind == sourceSynth; got != wantSynth {
			t.Errorf("%s: synth source = %v, want %v", id, got, wantSynth)
		}
	}
}

func TestFallbackKeepsSavedSamplePath(t *testing.T) {
	resolver := allSamples(t)
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), resolver, false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	o.mu.Lock()
	saved := o.instruments[jamtrack.Keys].path
	o.mu.Unlock()
	if saved == "" {
		t.Fatalf("no sample path recorded for keys")
	}

	// The saved file disappears; the rebuild falls back but must not wipe
	// the recorded path, so a later rebuild can find the sample again.
	resolver.mu.Lock()
	delete(resolver.paths, jamtrack.Keys)
	resolver.mu.Unlock()
	os.Rename(saved, saved+".gone")
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.instruments[jamtrack.Keys]
	if st.state != jamtrack.LoadError || st.chain.source.kind != sourceSynth {
		t.Fatalf("keys did not fall back: state=%v", st.state)
	}
	if st.path != saved {
		t.Errorf("saved sample path = %q after fallback, want %q", st.path, saved)
	}
}

func TestAllFailuresAreHardWithoutFallback(t *testing.T) {
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, NewMemStorage(), &mapResolver{}, true)
	err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2})
	if !errors.Is(err, ErrAllChainsFailed) {
		t.Fatalf("GenerateTrack: got %v, want ErrAllChainsFailed", err)
	}
	s := o.State()
	if s.Generated {
		t.Errorf("track marked generated with zero chains")
	}
	if s.LastError == "" {
		t.Errorf("no last error recorded for a failed generation")
	}
	for id, is := range s.Instruments {
		if is.State != jamtrack.LoadError {
			t.Errorf("%s: state = %v, want error", id, is.State)
		}
	}
	if err := o.TogglePlayback(); !errors.Is(err, ErrNoTrack) {
		t.Errorf("TogglePlayback without track: got %v, want ErrNoTrack", err)
	}
}

func TestLastErrorClearsOnSuccess(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), &mapResolver{}, true)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err == nil {
		t.Fatalf("generate with no samples and no fallback succeeded")
	}
	if o.State().LastError == "" {
		t.Fatalf("no last error after failed generation")
	}
	o.builder.resolver = allSamples(t)
	o.builder.disableFallback = false
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	if got := o.State().LastError; got != "" {
		t.Errorf("last error = %q after a successful generation, want empty", got)
	}
}

func TestStalledResumeRecoversViaReset(t *testing.T) {
	factory := &fakeFactory{}
	o := newTestOrchestrator(t, factory, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	before := o.ContextID()

	stall := make(chan struct{})
	defer close(stall)
	factory.created[0].resumeStall = stall
	o.cm.startTimeout = 50 * time.Millisecond

	start := time.Now()
	if err := o.cm.EnsureStarted(); err != nil {
		t.Fatalf("EnsureStarted with a stalled resume: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("EnsureStarted took %v, want the timeout bound to apply", elapsed)
	}
	if factory.count() != 2 {
		t.Errorf("factory created %d contexts, want 2 (reset after the stall)", factory.count())
	}
	if o.ContextID() <= before {
		t.Errorf("identity did not advance after the stalled resume")
	}
}

func TestExportsShareSingleFlightGuard(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	o.exporting.Store(true)
	if _, _, err := o.ExportMIDI(); !errors.Is(err, ErrBusy) {
		t.Errorf("ExportMIDI during another export: got %v, want ErrBusy", err)
	}
	if _, _, err := o.ExportWav(); !errors.Is(err, ErrBusy) {
		t.Errorf("ExportWav during another export: got %v, want ErrBusy", err)
	}
	o.exporting.Store(false)
	if _, _, err := o.ExportMIDI(); err != nil {
		t.Errorf("ExportMIDI after the guard released: %v", err)
	}
}

type checkedCloser struct {
	inner   io.Closer
	onClose func()
}

func (c *checkedCloser) Close() error {
	c.onClose()
	return c.inner.Close()
}

func TestTeardownDisconnectsBeforeDispose(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 1}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	var closedWhileConnected atomic.Bool
	var closeCalled atomic.Bool
	o.mu.Lock()
	c := o.instruments[jamtrack.Drums].chain
	c.source.closer = &checkedCloser{inner: c.source.closer, onClose: func() {
		closeCalled.Store(true)
		o.cm.withAudioLock(func() {
			if o.cm.sc != nil && o.cm.sc.master.chains.Len() != 0 {
				closedWhileConnected.Store(true)
			}
		})
	}}
	o.teardownChainsLocked()
	o.mu.Unlock()
	if !closeCalled.Load() {
		t.Fatalf("teardown did not close the decoder")
	}
	if closedWhileConnected.Load() {
		t.Errorf("decoder closed while its chain was still on the live mixer")
	}
}

func TestSavedSessionRoundTrip(t *testing.T) {
	storage := NewMemStorage()
	resolver := allSamples(t)
	settings := jamtrack.TrackSettings{Genre: "jazz", Mood: "dark", BPM: 90, Key: "D", Bars: 16}

	first := NewOrchestrator(Options{
		Factory: (&fakeFactory{}).new, Broker: NewBroker(), Storage: storage, Resolver: resolver,
	})
	first.SetInstrumentVolume(jamtrack.Keys, -30)
	if err := first.GenerateTrack(settings); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	first.Close()

	second := newTestOrchestrator(t, &fakeFactory{}, storage, resolver, false)
	if err := second.RegenerateFromSavedState(); err != nil {
		t.Fatalf("RegenerateFromSavedState: %v", err)
	}
	s := second.State()
	if s.Settings != settings {
		t.Errorf("restored settings = %+v, want %+v", s.Settings, settings)
	}
	if got := s.Instruments[jamtrack.Keys].GainDB; got != -30 {
		t.Errorf("restored keys gain = %v, want -30", got)
	}
	if !s.Generated {
		t.Errorf("restored session not marked generated")
	}
}

func TestRegenerateWithoutSavedState(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), allSamples(t), false)
	if err := o.RegenerateFromSavedState(); !errors.Is(err, ErrNoTrack) {
		t.Errorf("RegenerateFromSavedState on empty storage: got %v, want ErrNoTrack", err)
	}
}

func TestTogglePlaybackPausesChains(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), allSamples(t), false)
	if err := o.GenerateTrack(jamtrack.TrackSettings{BPM: 120, Bars: 2}); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	if err := o.TogglePlayback(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !o.State().Playing {
		t.Fatalf("not playing after toggle")
	}
	o.mu.Lock()
	paused := o.instruments[jamtrack.Drums].chain.ctrl.Paused
	o.mu.Unlock()
	if paused {
		t.Errorf("drums chain still paused while playing")
	}
	if err := o.TogglePlayback(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if o.State().Playing {
		t.Fatalf("still playing after second toggle")
	}
	o.mu.Lock()
	paused = o.instruments[jamtrack.Drums].chain.ctrl.Paused
	o.mu.Unlock()
	if !paused {
		t.Errorf("drums chain playing while paused")
	}
}

func TestExportWav(t *testing.T) {
	o := newTestOrchestrator(t, &fakeFactory{}, NewMemStorage(), allSamples(t), false)
	settings := jamtrack.TrackSettings{Genre: "rock", BPM: 120, Key: "C", Bars: 1}
	if err := o.GenerateTrack(settings); err != nil {
		t.Fatalf("GenerateTrack: %v", err)
	}
	data, name, err := o.ExportWav()
	if err != nil {
		t.Fatalf("ExportWav: %v", err)
	}
	if name != "backing-rock-c-120bpm.wav" {
		t.Errorf("export name = %q", name)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Errorf("export is not a wav file")
	}
	wantFrames := settings.TotalFrames()
	gotFrames := (len(data) - 44) / 4 // 16-bit stereo after the 44 byte header
	if gotFrames != wantFrames {
		t.Errorf("rendered %d frames, want %d", gotFrames, wantFrames)
	}
}

func TestExportMidiNeedsNoAudio(t *testing.T) {
	factory := &fakeFactory{err: errors.New("no audio device")}
	o := newTestOrchestrator(t, factory, NewMemStorage(), allSamples(t), false)
	if _, _, err := o.ExportMIDI(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("ExportMIDI without track: got %v, want ErrNoTrack", err)
	}
	o.mu.Lock()
	o.settings = jamtrack.TrackSettings{Genre: "pop", Mood: "bright", BPM: 110, Key: "G", Bars: 4}
	o.generated = true
	o.mu.Unlock()
	data, name, err := o.ExportMIDI()
	if err != nil {
		t.Fatalf("ExportMIDI: %v", err)
	}
	if name != "backing-pop-g-110bpm.mid" {
		t.Errorf("export name = %q", name)
	}
	if string(data[:4]) != "MThd" {
		t.Errorf("export is not a standard midi file")
	}
}
