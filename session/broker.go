package session

import (
	"sync"
	"time"

	"github.com/jamtrackd/jamtrack"
)

type (
	// Broker is the message hub between the audio side (pump, meter, context
	// manager) and whatever observes the session (a UI, the CLI). It is
	// one-way: audio-side components push, observers pull. Additionally, the
	// broker has a sync.Pool of *jamtrack.AudioBuffer, from which the pump can
	// borrow buffers to pass rendered audio around without allocating new
	// memory every time.
	//
	// All sends towards the UI are nonblocking; a slow or absent observer
	// drops messages, it never stalls audio.
	Broker struct {
		ToUI chan MsgToUI

		bufferPool sync.Pool
	}

	// MsgToUI carries one update for observers. The frequently sent payloads
	// (meter values, state snapshots) are plain fields to avoid boxing; the
	// rendered audio is a pooled pointer which the consumer should return
	// with PutAudioBuffer.
	MsgToUI struct {
		HasMeter bool
		Meter    MeterUpdate

		HasState bool
		State    Snapshot

		Alert *Alert

		Audio *jamtrack.AudioBuffer
	}

	// MeterUpdate is one published loudness value, 0..100. Master is true for
	// the master bus reading, otherwise Instrument identifies the channel.
	MeterUpdate struct {
		Instrument jamtrack.InstrumentID
		Master     bool
		Value      float64
	}
)

func NewBroker() *Broker {
	return &Broker{
		ToUI:       make(chan MsgToUI, 1024),
		bufferPool: sync.Pool{New: func() any { return &jamtrack.AudioBuffer{} }},
	}
}

// GetAudioBuffer returns an empty audio buffer from the buffer pool. After
// use it should be returned to the pool with PutAudioBuffer.
func (b *Broker) GetAudioBuffer() *jamtrack.AudioBuffer {
	return b.bufferPool.Get().(*jamtrack.AudioBuffer)
}

// PutAudioBuffer returns an audio buffer to the buffer pool, resetting its
// length (but keeping capacity) if needed.
func (b *Broker) PutAudioBuffer(buf *jamtrack.AudioBuffer) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.bufferPool.Put(buf)
}

// TrySend is a helper function to send a value to a channel if it is not
// full. It is guaranteed to be non-blocking. Returns true if the value was
// sent, false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive blocks until a value is received from a channel, or until t
// has passed. ok is false on timeout or if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
