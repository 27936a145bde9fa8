package session

import (
	"fmt"
	"log"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"

	"github.com/jamtrackd/jamtrack"
)

// renderSource describes one instrument's contribution to an offline render:
// either a sample file to loop or a synthesized substitute tone.
type renderSource struct {
	path   string
	synth  bool
	gainDB float64
}

// renderTrack renders the track offline into an audio buffer, independent of
// the live audio context. Each instrument is rebuilt from its source
// description and mixed at its recorded gain for the exact track length.
func renderTrack(settings jamtrack.TrackSettings, sources map[jamtrack.InstrumentID]renderSource) (jamtrack.AudioBuffer, error) {
	mixer := &beep.Mixer{}
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	added := 0
	for _, id := range jamtrack.Instruments {
		rs, ok := sources[id]
		if !ok {
			continue
		}
		var src chainSource
		if rs.synth || rs.path == "" {
			src = fallbackSource(id)
		} else {
			s, err := (&chainBuilder{}).openSource(id, rs.path)
			if err != nil {
				log.Printf("render: reopening sample for %s failed, using fallback tone: %v", id, err)
				s = fallbackSource(id)
			}
			src = s
		}
		if src.closer != nil {
			closer := src.closer
			closers = append(closers, func() { closer.Close() })
		}
		mixer.Add(&effects.Volume{
			Streamer: src.streamer,
			Base:     10,
			Volume:   jamtrack.ClampDB(rs.gainDB) / 20,
		})
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("nothing to render")
	}

	total := settings.TotalFrames()
	buffer := make(jamtrack.AudioBuffer, 0, total)
	frames := make([][2]float64, pumpChunkFrames)
	for len(buffer) < total {
		want := total - len(buffer)
		if want > len(frames) {
			want = len(frames)
		}
		n, _ := mixer.Stream(frames[:want])
		if err := mixer.Err(); err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			buffer = append(buffer, [2]float32{float32(frames[i][0]), float32(frames[i][1])})
		}
	}
	return buffer, nil
}
