package jamtrack

import (
	"bytes"
	"fmt"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// MIDIFile renders the track settings and pattern tables into a standard MIDI
// file (SMF type 1): one tempo track plus one track per instrument. The
// patterns repeat for every bar of the track. Stateless; called once per
// export.
func MIDIFile(settings TrackSettings, instruments []InstrumentID) ([]byte, error) {
	settings.Validate()

	clock := smf.MetricTicks(960)
	stepTicks := clock.Ticks4th() / 4 // 16 steps per 4/4 bar
	barTicks := stepTicks * StepsPerBar

	s := smf.New()
	s.TimeFormat = clock

	var tempo smf.Track
	tempo.Add(0, smf.MetaTrackSequenceName(ExportName(settings, "mid")))
	tempo.Add(0, smf.MetaMeter(4, 4))
	tempo.Add(0, smf.MetaTempo(float64(settings.BPM)))
	tempo.Close(0)
	if err := s.Add(tempo); err != nil {
		return nil, fmt.Errorf("adding tempo track: %w", err)
	}

	for _, id := range instruments {
		if !ValidInstrument(id) {
			return nil, fmt.Errorf("unknown instrument %q", id)
		}
		tr, err := instrumentTrack(id, settings, stepTicks, barTicks)
		if err != nil {
			return nil, err
		}
		if err := s.Add(tr); err != nil {
			return nil, fmt.Errorf("adding %s track: %w", id, err)
		}
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing midi file: %w", err)
	}
	return buf.Bytes(), nil
}

// midiEvent is a note on/off at an absolute tick, used to sort the repeated
// pattern into delta-time order before writing.
type midiEvent struct {
	tick uint32
	on   bool
	note uint8
	vel  uint8
}

func instrumentTrack(id InstrumentID, settings TrackSettings, stepTicks, barTicks uint32) (smf.Track, error) {
	meta := Meta(id)
	var events []midiEvent

	if id == Drums {
		pattern := GetBeatPattern(settings.Genre)
		for bar := 0; bar < settings.Bars; bar++ {
			base := uint32(bar) * barTicks
			for _, trig := range pattern.Triggers {
				start := base + uint32(trig.Step)*stepTicks
				events = append(events,
					midiEvent{tick: start, on: true, note: trig.Note, vel: trig.Velocity},
					midiEvent{tick: start + stepTicks, on: false, note: trig.Note})
			}
		}
	} else {
		pattern, ok := GetNotePattern(id, settings.Mood)
		if !ok {
			return nil, fmt.Errorf("no pattern for instrument %q", id)
		}
		root := RootNote(settings.Key)
		for bar := 0; bar < settings.Bars; bar++ {
			base := uint32(bar) * barTicks
			for _, trig := range pattern.Notes {
				note := int(meta.BaseNote) + root + trig.Offset
				if note < 0 || note > 127 {
					continue
				}
				start := base + uint32(trig.Step)*stepTicks
				events = append(events,
					midiEvent{tick: start, on: true, note: uint8(note), vel: trig.Velocity},
					midiEvent{tick: start + uint32(trig.Duration)*stepTicks, on: false, note: uint8(note)})
			}
		}
	}

	// note offs before note ons at the same tick, so a repeated note is not
	// cut short by its own off event
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].tick != events[j].tick {
			return events[i].tick < events[j].tick
		}
		return !events[i].on && events[j].on
	})

	var tr smf.Track
	tr.Add(0, smf.MetaInstrument(meta.Name))
	if id != Drums {
		tr.Add(0, midi.ProgramChange(meta.MIDIChannel, meta.MIDIProgram))
	}
	var prev uint32
	for _, ev := range events {
		delta := ev.tick - prev
		prev = ev.tick
		if ev.on {
			tr.Add(delta, midi.NoteOn(meta.MIDIChannel, ev.note, ev.vel))
		} else {
			tr.Add(delta, midi.NoteOff(meta.MIDIChannel, ev.note))
		}
	}
	tr.Close(0)
	return tr, nil
}
