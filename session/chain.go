package session

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/generators"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/jamtrackd/jamtrack"
)

// SampleResolver maps an instrument to a playable sample file on disk. An
// error means no sample is available and the caller may fall back to a
// synthesized source.
type SampleResolver interface {
	Resolve(id jamtrack.InstrumentID) (string, error)
}

type sourceKind int

const (
	sourceSampled sourceKind = iota
	sourceSynth
)

// chainSource is the head of a signal chain: either a looped sample decoded
// from disk or a synthesized fallback oscillator.
type chainSource struct {
	kind     sourceKind
	streamer beep.Streamer
	closer   io.Closer
	path     string
}

// signalChain is one instrument's streamer graph, innermost to outermost:
// source, ctrl (pause gate), gain, tap. The ctrl sits inside the gain and
// tap so that a paused chain feeds silence through its meter tap, letting
// the displayed level decay instead of freezing.
type signalChain struct {
	instrument jamtrack.InstrumentID
	contextID  uint64
	source     chainSource
	ctrl       *beep.Ctrl
	gain       *effects.Volume
	tap        *tap
}

func (c *signalChain) setGainDB(db float64) {
	c.gain.Volume = jamtrack.ClampDB(db) / 20
	c.gain.Silent = false
}

func (c *signalChain) setPaused(paused bool) {
	c.ctrl.Paused = paused
}

func (c *signalChain) dispose() {
	if c.source.closer != nil {
		if err := c.source.closer.Close(); err != nil {
			log.Printf("closing sample for %s: %v", c.instrument, err)
		}
		c.source.closer = nil
	}
}

// chainBuilder assembles signal chains against a specific audio context
// identity. Chains built against an identity that is no longer live are
// rejected at connect time, not here; the builder only stamps them.
type chainBuilder struct {
	cm              *ContextManager
	resolver        SampleResolver
	disableFallback bool
}

func newChainBuilder(cm *ContextManager, resolver SampleResolver, disableFallback bool) *chainBuilder {
	return &chainBuilder{cm: cm, resolver: resolver, disableFallback: disableFallback}
}

type buildResult struct {
	chain *signalChain
	state jamtrack.LoadingState
	path  string
	err   error
}

// buildChain constructs and connects a chain for one instrument. The sample
// is resolved (preferring preferredPath when set), decoded and looped; when
// no sample can be opened a fallback oscillator takes its place, but the
// instrument still reads as errored so the failure stays visible. gainDB is
// applied before the chain goes live so the first rendered chunk already
// carries the correct level.
func (b *chainBuilder) buildChain(id jamtrack.InstrumentID, preferredPath string, gainDB float64) buildResult {
	contextID := b.cm.ContextID()
	if contextID == 0 {
		return buildResult{state: jamtrack.LoadError, err: fmt.Errorf("no audio context")}
	}

	src, loadErr := b.openSource(id, preferredPath)
	if loadErr != nil {
		loadErr = fmt.Errorf("load sample for %s: %w", id, loadErr)
		if b.disableFallback {
			return buildResult{state: jamtrack.LoadError, err: loadErr}
		}
		log.Printf("sample for %s unavailable, using fallback tone: %v", id, loadErr)
		src = fallbackSource(id)
	}

	c := &signalChain{instrument: id, contextID: contextID, source: src}
	c.ctrl = &beep.Ctrl{Streamer: src.streamer, Paused: true}
	c.gain = &effects.Volume{Streamer: c.ctrl, Base: 10}
	c.setGainDB(gainDB)
	c.tap = newTap(c.gain)

	if err := b.cm.connect(c); err != nil {
		return buildResult{state: jamtrack.LoadError, err: err}
	}
	if loadErr != nil {
		return buildResult{chain: c, state: jamtrack.LoadError, err: loadErr}
	}
	return buildResult{chain: c, state: jamtrack.LoadLoaded, path: src.path}
}

func (b *chainBuilder) openSource(id jamtrack.InstrumentID, preferredPath string) (chainSource, error) {
	path := preferredPath
	if path == "" {
		if b.resolver == nil {
			return chainSource{}, fmt.Errorf("no sample resolver")
		}
		p, err := b.resolver.Resolve(id)
		if err != nil {
			return chainSource{}, err
		}
		path = p
	}
	f, err := os.Open(path)
	if err != nil {
		return chainSource{}, err
	}
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		f.Close()
		return chainSource{}, fmt.Errorf("unsupported sample format %q", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return chainSource{}, fmt.Errorf("decode %s: %w", path, err)
	}
	var s beep.Streamer = beep.Loop(-1, streamer)
	if int(format.SampleRate) != jamtrack.SampleRate {
		s = beep.Resample(4, format.SampleRate, beep.SampleRate(jamtrack.SampleRate), s)
	}
	return chainSource{kind: sourceSampled, streamer: s, closer: streamer, path: path}, nil
}

// fallbackSource synthesizes a register-appropriate sine for an instrument
// whose sample could not be loaded, so the track stays audible.
func fallbackSource(id jamtrack.InstrumentID) chainSource {
	freq := jamtrack.Meta(id).FallbackFreq
	tone, err := generators.SineTone(beep.SampleRate(jamtrack.SampleRate), freq)
	if err != nil {
		// Only reachable with an invalid frequency; keep the chain silent.
		tone = beep.Silence(-1)
	}
	return chainSource{kind: sourceSynth, streamer: tone}
}
