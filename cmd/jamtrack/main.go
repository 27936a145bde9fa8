package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jamtrackd/jamtrack"
	"github.com/jamtrackd/jamtrack/oto"
	"github.com/jamtrackd/jamtrack/samples"
	"github.com/jamtrackd/jamtrack/session"
	"github.com/jamtrackd/jamtrack/version"
)

func main() {
	genre := flag.String("genre", "rock", "Genre of the track: rock, jazz, electronic or pop.")
	mood := flag.String("mood", "bright", "Mood of the track: bright, dark, mellow or energetic.")
	bpm := flag.Int("bpm", 120, "Tempo in beats per minute (40-240).")
	key := flag.String("key", "C", "Root key of the track, e.g. C, F#, Bb.")
	bars := flag.Int("bars", 8, "Length of the track in bars (1-64).")
	sampleDir := flag.String("samples", defaultDir("samples"), "Directory holding default and uploaded samples.")
	stateDir := flag.String("state", defaultDir("state"), "Directory where session state is persisted.")
	play := flag.Bool("p", false, "Play the generated track (default behaviour when no other output is defined).")
	wavOut := flag.Bool("w", false, "Write the rendered track as a 16-bit PCM .wav file.")
	midiOut := flag.Bool("m", false, "Write the track as a standard MIDI file.")
	directory := flag.String("o", "", "Directory where to output files. Created if needed. Defaults to the working directory.")
	resume := flag.Bool("resume", false, "Regenerate the previously saved track instead of using the settings flags.")
	seconds := flag.Int("t", 0, "Stop playback after this many seconds; 0 plays the whole track once.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if !*wavOut && !*midiOut {
		*play = true
	}

	store, err := samples.NewStore(*sampleDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open sample store: %v\n", err)
		os.Exit(1)
	}
	storage, err := session.NewFileStorage(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open state directory: %v\n", err)
		os.Exit(1)
	}
	broker := session.NewBroker()
	go drain(broker)

	orch := session.NewOrchestrator(session.Options{
		Factory:  func() (jamtrack.AudioContext, error) { return oto.NewContext() },
		Broker:   broker,
		Storage:  storage,
		Resolver: store,
	})
	defer orch.Close()

	settings := jamtrack.TrackSettings{Genre: *genre, Mood: *mood, BPM: *bpm, Key: *key, Bars: *bars}
	if *resume {
		err = orch.RegenerateFromSavedState()
	} else {
		err = orch.GenerateTrack(settings)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not generate track: %v\n", err)
		os.Exit(1)
	}

	retval := 0
	if *wavOut {
		if err := writeOutput(orch.ExportWav, *directory); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			retval = 1
		}
	}
	if *midiOut {
		if err := writeOutput(orch.ExportMIDI, *directory); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			retval = 1
		}
	}
	if *play {
		if err := orch.TogglePlayback(); err != nil {
			fmt.Fprintf(os.Stderr, "could not start playback: %v\n", err)
			os.Exit(1)
		}
		d := trackDuration(orch.State().Settings)
		if *seconds > 0 {
			d = time.Duration(*seconds) * time.Second
		}
		time.Sleep(d)
	}
	os.Exit(retval)
}

func writeOutput(export func() ([]byte, string, error), dir string) error {
	data, name, err := export()
	if err != nil {
		return fmt.Errorf("could not export %v: %v", name, err)
	}
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("could not get working directory, specify the output directory explicitly: %v", err)
		}
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("could not create output directory %v: %v", dir, err)
	}
	f := filepath.Join(dir, name)
	if err := os.WriteFile(f, data, 0644); err != nil {
		return fmt.Errorf("could not write file %v: %v", f, err)
	}
	fmt.Println(f)
	return nil
}

func trackDuration(s jamtrack.TrackSettings) time.Duration {
	return time.Duration(s.TotalFrames()) * time.Second / jamtrack.SampleRate
}

func defaultDir(sub string) string {
	config, err := os.UserConfigDir()
	if err != nil {
		return sub
	}
	return filepath.Join(config, "jamtrack", sub)
}

// drain keeps the broker channel flowing and prints alerts; a headless run
// has no UI to consume meter or state updates.
func drain(broker *session.Broker) {
	for msg := range broker.ToUI {
		if msg.Alert != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Alert.Priority, msg.Alert.Message)
		}
		if msg.Audio != nil {
			broker.PutAudioBuffer(msg.Audio)
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Jamtrack command line utility for generating and playing backing tracks.\nUsage: %s [flags]\n", os.Args[0])
	flag.PrintDefaults()
}
