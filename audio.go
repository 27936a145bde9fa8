package jamtrack

// AudioBuffer is a buffer of stereo audio samples. Each element is one frame:
// left channel at index 0, right at index 1.
type AudioBuffer [][2]float32

// AudioSink is something that can play stereo audio, e.g. a digital-analog
// converter. The buffer is interleaved left/right float32 samples.
type AudioSink interface {
	WriteAudio(buffer []float32) error
	Close() error
}

// AudioContext is the handle to the underlying audio hardware. A session owns
// at most one at a time; it is replaced wholesale, never mutated in place.
// Implementations live in the oto package (real hardware) and in test fakes.
type AudioContext interface {
	// Output creates a new sink playing through this context. Each call
	// returns a fresh sink; sinks are closed independently of the context.
	Output() AudioSink
	// Resume activates a context that the platform has left suspended.
	// Idempotent on a running context.
	Resume() error
	// Suspend pauses hardware output without tearing the context down.
	Suspend() error
	// Close disposes the context. Implementations backed by a process-wide
	// device may treat this as closing only their own resources.
	Close() error
}
