package session

import (
	"sync"

	"github.com/gopxl/beep"

	"github.com/jamtrackd/jamtrack"
)

const pumpChunkFrames = 512

// pump drives the audio graph: a goroutine repeatedly pulls a chunk from the
// master streamer and pushes it to the sink. All mutations of the streamer
// graph must happen under Lock, which stalls the pull between chunks; this is
// the audio lock the rest of the package relies on.
type pump struct {
	mu    sync.Mutex
	src   beep.Streamer
	sink  jamtrack.AudioSink
	bkr   *Broker
	onErr func(error)

	done    chan struct{}
	stopped chan struct{}
}

func newPump(src beep.Streamer, sink jamtrack.AudioSink, bkr *Broker, onErr func(error)) *pump {
	p := &pump{
		src:     src,
		sink:    sink,
		bkr:     bkr,
		onErr:   onErr,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) Lock()   { p.mu.Lock() }
func (p *pump) Unlock() { p.mu.Unlock() }

func (p *pump) run() {
	defer close(p.stopped)
	frames := make([][2]float64, pumpChunkFrames)
	out := make([]float32, pumpChunkFrames*2)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		p.mu.Lock()
		n, _ := p.src.Stream(frames)
		err := p.src.Err()
		p.mu.Unlock()
		if err != nil {
			if p.onErr != nil {
				p.onErr(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			out[2*i] = float32(frames[i][0])
			out[2*i+1] = float32(frames[i][1])
		}
		if err := p.sink.WriteAudio(out[:2*n]); err != nil {
			select {
			case <-p.done:
				// Write failures during teardown are expected; the sink
				// is closed under us to unblock this call.
			default:
				if p.onErr != nil {
					p.onErr(err)
				}
			}
			return
		}
		p.tee(out[:2*n])
	}
}

// tee offers a copy of the rendered chunk to the UI for waveform display,
// dropping it when the UI is not keeping up.
func (p *pump) tee(chunk []float32) {
	if p.bkr == nil {
		return
	}
	buf := p.bkr.GetAudioBuffer()
	for i := 0; i+1 < len(chunk); i += 2 {
		*buf = append(*buf, [2]float32{chunk[i], chunk[i+1]})
	}
	if !TrySend(p.bkr.ToUI, MsgToUI{Audio: buf}) {
		p.bkr.PutAudioBuffer(buf)
	}
}

// Close stops the pull loop and closes the sink. Closing the sink first
// unblocks a loop stuck in a backpressured write.
func (p *pump) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.sink.Close()
	<-p.stopped
}
