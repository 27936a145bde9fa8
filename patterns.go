package jamtrack

// The pattern tables are the static lookup data behind MIDI export: a beat
// pattern per genre for the drums, and note patterns per instrument and mood
// for the pitched instruments, transposed by the root note of the chosen key.
// Patterns are one bar long on a 16-step grid and repeat for the whole track.

// StepTrigger fires a drum hit at a step with the given velocity.
type StepTrigger struct {
	Step     int
	Note     uint8 // GM percussion note (kick 36, snare 38, closed hat 42)
	Velocity uint8
}

// NoteTrigger fires a pitched note at a step, relative to the key's root.
type NoteTrigger struct {
	Step     int
	Offset   int // semitones above the instrument's base note in this key
	Duration int // steps
	Velocity uint8
}

// BeatPattern is one bar of drum triggers.
type BeatPattern struct {
	Genre    string
	Triggers []StepTrigger
}

// NotePattern is one bar of pitched triggers for a single instrument.
type NotePattern struct {
	Mood  string
	Notes []NoteTrigger
}

const (
	gmKick      = 36
	gmSnare     = 38
	gmClosedHat = 42
	gmOpenHat   = 46
)

var beatPatterns = map[string]BeatPattern{
	"rock": {Genre: "rock", Triggers: []StepTrigger{
		{Step: 0, Note: gmKick, Velocity: 110},
		{Step: 4, Note: gmSnare, Velocity: 100},
		{Step: 8, Note: gmKick, Velocity: 110},
		{Step: 10, Note: gmKick, Velocity: 90},
		{Step: 12, Note: gmSnare, Velocity: 100},
		{Step: 0, Note: gmClosedHat, Velocity: 70}, {Step: 2, Note: gmClosedHat, Velocity: 60},
		{Step: 4, Note: gmClosedHat, Velocity: 70}, {Step: 6, Note: gmClosedHat, Velocity: 60},
		{Step: 8, Note: gmClosedHat, Velocity: 70}, {Step: 10, Note: gmClosedHat, Velocity: 60},
		{Step: 12, Note: gmClosedHat, Velocity: 70}, {Step: 14, Note: gmClosedHat, Velocity: 60},
	}},
	"jazz": {Genre: "jazz", Triggers: []StepTrigger{
		{Step: 0, Note: gmKick, Velocity: 80},
		{Step: 10, Note: gmKick, Velocity: 60},
		{Step: 4, Note: gmSnare, Velocity: 55},
		{Step: 12, Note: gmSnare, Velocity: 65},
		{Step: 0, Note: gmClosedHat, Velocity: 80}, {Step: 4, Note: gmClosedHat, Velocity: 70},
		{Step: 6, Note: gmClosedHat, Velocity: 50}, {Step: 8, Note: gmClosedHat, Velocity: 80},
		{Step: 12, Note: gmClosedHat, Velocity: 70}, {Step: 14, Note: gmClosedHat, Velocity: 50},
	}},
	"electronic": {Genre: "electronic", Triggers: []StepTrigger{
		{Step: 0, Note: gmKick, Velocity: 120},
		{Step: 4, Note: gmKick, Velocity: 120},
		{Step: 8, Note: gmKick, Velocity: 120},
		{Step: 12, Note: gmKick, Velocity: 120},
		{Step: 4, Note: gmSnare, Velocity: 90},
		{Step: 12, Note: gmSnare, Velocity: 90},
		{Step: 2, Note: gmOpenHat, Velocity: 70}, {Step: 6, Note: gmOpenHat, Velocity: 70},
		{Step: 10, Note: gmOpenHat, Velocity: 70}, {Step: 14, Note: gmOpenHat, Velocity: 70},
	}},
	"pop": {Genre: "pop", Triggers: []StepTrigger{
		{Step: 0, Note: gmKick, Velocity: 110},
		{Step: 6, Note: gmKick, Velocity: 90},
		{Step: 8, Note: gmKick, Velocity: 110},
		{Step: 4, Note: gmSnare, Velocity: 100},
		{Step: 12, Note: gmSnare, Velocity: 100},
		{Step: 0, Note: gmClosedHat, Velocity: 65}, {Step: 4, Note: gmClosedHat, Velocity: 65},
		{Step: 8, Note: gmClosedHat, Velocity: 65}, {Step: 12, Note: gmClosedHat, Velocity: 65},
	}},
}

var bassPatterns = map[string]NotePattern{
	"bright": {Mood: "bright", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 4, Velocity: 100},
		{Step: 4, Offset: 0, Duration: 2, Velocity: 80},
		{Step: 8, Offset: 7, Duration: 4, Velocity: 95},
		{Step: 12, Offset: 5, Duration: 4, Velocity: 90},
	}},
	"dark": {Mood: "dark", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 6, Velocity: 95},
		{Step: 8, Offset: 3, Duration: 4, Velocity: 85},
		{Step: 12, Offset: 5, Duration: 4, Velocity: 80},
	}},
	"mellow": {Mood: "mellow", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 8, Velocity: 80},
		{Step: 8, Offset: 5, Duration: 8, Velocity: 75},
	}},
	"energetic": {Mood: "energetic", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 2, Velocity: 110},
		{Step: 2, Offset: 0, Duration: 2, Velocity: 90},
		{Step: 4, Offset: 7, Duration: 2, Velocity: 105},
		{Step: 6, Offset: 7, Duration: 2, Velocity: 85},
		{Step: 8, Offset: 5, Duration: 2, Velocity: 105},
		{Step: 10, Offset: 5, Duration: 2, Velocity: 85},
		{Step: 12, Offset: 7, Duration: 4, Velocity: 100},
	}},
}

var guitarPatterns = map[string]NotePattern{
	"bright": {Mood: "bright", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 4, Velocity: 85},
		{Step: 4, Offset: 4, Duration: 4, Velocity: 80},
		{Step: 8, Offset: 7, Duration: 4, Velocity: 85},
		{Step: 12, Offset: 4, Duration: 4, Velocity: 75},
	}},
	"dark": {Mood: "dark", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 8, Velocity: 80},
		{Step: 8, Offset: 3, Duration: 8, Velocity: 78},
	}},
	"mellow": {Mood: "mellow", Notes: []NoteTrigger{
		{Step: 2, Offset: 7, Duration: 6, Velocity: 65},
		{Step: 10, Offset: 4, Duration: 6, Velocity: 60},
	}},
	"energetic": {Mood: "energetic", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 2, Velocity: 100},
		{Step: 2, Offset: 0, Duration: 2, Velocity: 85},
		{Step: 4, Offset: 0, Duration: 2, Velocity: 100},
		{Step: 6, Offset: 0, Duration: 2, Velocity: 85},
		{Step: 8, Offset: 5, Duration: 2, Velocity: 100},
		{Step: 10, Offset: 5, Duration: 2, Velocity: 85},
		{Step: 12, Offset: 7, Duration: 2, Velocity: 100},
		{Step: 14, Offset: 7, Duration: 2, Velocity: 85},
	}},
}

var keysPatterns = map[string]NotePattern{
	"bright": {Mood: "bright", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 8, Velocity: 75},
		{Step: 0, Offset: 4, Duration: 8, Velocity: 70},
		{Step: 0, Offset: 7, Duration: 8, Velocity: 70},
		{Step: 8, Offset: 5, Duration: 8, Velocity: 72},
		{Step: 8, Offset: 9, Duration: 8, Velocity: 68},
		{Step: 8, Offset: 12, Duration: 8, Velocity: 68},
	}},
	"dark": {Mood: "dark", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 16, Velocity: 70},
		{Step: 0, Offset: 3, Duration: 16, Velocity: 65},
		{Step: 0, Offset: 7, Duration: 16, Velocity: 65},
	}},
	"mellow": {Mood: "mellow", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 16, Velocity: 60},
		{Step: 4, Offset: 7, Duration: 12, Velocity: 55},
		{Step: 8, Offset: 12, Duration: 8, Velocity: 55},
	}},
	"energetic": {Mood: "energetic", Notes: []NoteTrigger{
		{Step: 0, Offset: 0, Duration: 2, Velocity: 90},
		{Step: 4, Offset: 4, Duration: 2, Velocity: 85},
		{Step: 8, Offset: 7, Duration: 2, Velocity: 90},
		{Step: 12, Offset: 12, Duration: 2, Velocity: 85},
	}},
}

// rootNotes maps a musical key to the MIDI pitch class of its root, relative
// to C. Added to the instrument's base note on export.
var rootNotes = map[string]int{
	"C": 0, "C#": 1, "Db": 1, "D": 2, "D#": 3, "Eb": 3, "E": 4, "F": 5,
	"F#": 6, "Gb": 6, "G": 7, "G#": 8, "Ab": 8, "A": 9, "A#": 10, "Bb": 10, "B": 11,
}

// GetBeatPattern returns the drum pattern for a genre, falling back to rock
// for unknown genres.
func GetBeatPattern(genre string) BeatPattern {
	if p, ok := beatPatterns[genre]; ok {
		return p
	}
	return beatPatterns["rock"]
}

// GetNotePattern returns the note pattern for a pitched instrument and mood.
// Unknown moods fall back to bright; the drums have no note pattern.
func GetNotePattern(id InstrumentID, mood string) (NotePattern, bool) {
	var table map[string]NotePattern
	switch id {
	case Bass:
		table = bassPatterns
	case Guitar:
		table = guitarPatterns
	case Keys:
		table = keysPatterns
	default:
		return NotePattern{}, false
	}
	if p, ok := table[mood]; ok {
		return p, true
	}
	return table["bright"], true
}

// RootNote returns the MIDI root offset for a musical key (0 for unknown keys).
func RootNote(key string) int {
	return rootNotes[key]
}
