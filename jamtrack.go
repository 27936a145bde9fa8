package jamtrack

import (
	"fmt"
	"math"
	"strings"
)

const (
	// SampleRate is the fixed sample rate of the whole engine. Every chain,
	// export and meter assumes it.
	SampleRate = 44100

	// BeatsPerBar is fixed; the pattern tables are written in 4/4.
	BeatsPerBar = 4

	// StepsPerBar is the pattern grid resolution (16th notes in 4/4).
	StepsPerBar = 16

	MinDecibels = -60.0
	MaxDecibels = 0.0
)

// InstrumentID identifies one of the fixed backing track instruments.
type InstrumentID string

const (
	Drums  InstrumentID = "drums"
	Bass   InstrumentID = "bass"
	Guitar InstrumentID = "guitar"
	Keys   InstrumentID = "keys"
)

// Instruments lists every instrument in the fixed order chains are built in.
var Instruments = []InstrumentID{Drums, Bass, Guitar, Keys}

// InstrumentMeta is the static per-instrument configuration: display name,
// the gain a fresh track starts with, the register of the substitute tone
// used when a sample fails to load, and the MIDI identity used on export.
type InstrumentMeta struct {
	Name          string
	DefaultGainDB float64
	FallbackFreq  float64 // Hz; distinct per instrument so a fallback mix stays differentiated
	MIDIProgram   uint8
	MIDIChannel   uint8
	BaseNote      uint8
}

var instrumentMetas = map[InstrumentID]InstrumentMeta{
	Drums:  {Name: "Drums", DefaultGainDB: -15, FallbackFreq: 110, MIDIProgram: 0, MIDIChannel: 9, BaseNote: 36},
	Bass:   {Name: "Bass", DefaultGainDB: -15, FallbackFreq: 55, MIDIProgram: 33, MIDIChannel: 0, BaseNote: 36},
	Guitar: {Name: "Guitar", DefaultGainDB: -15, FallbackFreq: 220, MIDIProgram: 27, MIDIChannel: 1, BaseNote: 48},
	Keys:   {Name: "Keys", DefaultGainDB: -15, FallbackFreq: 440, MIDIProgram: 4, MIDIChannel: 2, BaseNote: 60},
}

// Meta returns the static configuration for an instrument. Unknown ids get a
// zero meta; call ValidInstrument first when the id comes from outside.
func Meta(id InstrumentID) InstrumentMeta {
	return instrumentMetas[id]
}

func ValidInstrument(id InstrumentID) bool {
	_, ok := instrumentMetas[id]
	return ok
}

// TrackSettings is everything the user picks before generating: they drive
// sample selection, tempo and the length of the rendered track. The yaml tags
// are the persisted schema, so they must not change.
type TrackSettings struct {
	Genre string `yaml:"genre"`
	Mood  string `yaml:"mood"`
	BPM   int    `yaml:"bpm"`
	Key   string `yaml:"key"`
	Bars  int    `yaml:"duration"`
}

// Validate clamps the settings into the supported ranges and fills defaults
// for empty fields, so a half-filled record from persisted state still
// produces a playable track.
func (s *TrackSettings) Validate() {
	if s.BPM < 40 {
		s.BPM = 40
	}
	if s.BPM > 240 {
		s.BPM = 240
	}
	if s.Bars < 1 {
		s.Bars = 1
	}
	if s.Bars > 64 {
		s.Bars = 64
	}
	if s.Genre == "" {
		s.Genre = "rock"
	}
	if s.Mood == "" {
		s.Mood = "bright"
	}
	if s.Key == "" {
		s.Key = "C"
	}
}

// SamplesPerBeat returns how many frames one beat takes at the settings' tempo.
func (s TrackSettings) SamplesPerBeat() int {
	return SampleRate * 60 / s.BPM
}

// TotalFrames is the length of the rendered track in frames.
func (s TrackSettings) TotalFrames() int {
	return s.Bars * BeatsPerBar * s.SamplesPerBeat()
}

// LoadingState tracks the lifecycle of one instrument's signal chain.
type LoadingState int

const (
	LoadIdle LoadingState = iota
	LoadLoading
	LoadLoaded
	LoadError
)

func (l LoadingState) String() string {
	switch l {
	case LoadIdle:
		return "idle"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadError:
		return "error"
	}
	return "unknown"
}

// ClampDB limits a user supplied gain to the channel strip range.
func ClampDB(db float64) float64 {
	if db < MinDecibels {
		return MinDecibels
	}
	if db > MaxDecibels {
		return MaxDecibels
	}
	return db
}

// DBToGain converts decibels to a linear gain factor (0 dB = 1.0).
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// GainToDB converts a linear gain factor to decibels, floored at MinDecibels.
func GainToDB(gain float64) float64 {
	if gain <= 0 {
		return MinDecibels
	}
	db := 20 * math.Log10(gain)
	if db < MinDecibels {
		return MinDecibels
	}
	return db
}

// ExportName builds the suggested filename for an exported track, encoding
// genre, key and tempo.
func ExportName(s TrackSettings, ext string) string {
	genre := strings.ReplaceAll(strings.ToLower(s.Genre), " ", "-")
	key := strings.ReplaceAll(strings.ToLower(s.Key), "#", "sharp")
	return fmt.Sprintf("backing-%s-%s-%dbpm.%s", genre, key, s.BPM, ext)
}
