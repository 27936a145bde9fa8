// Package oto adapts the oto/v3 playback library to the jamtrack audio
// interfaces. The underlying device context can only be created once per
// process, so Context hands out per-session outputs on top of a shared
// device.
package oto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	oto "github.com/ebitengine/oto/v3"

	"github.com/jamtrackd/jamtrack"
)

var (
	deviceOnce sync.Once
	device     *oto.Context
	deviceErr  error
)

func sharedDevice() (*oto.Context, error) {
	deviceOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   jamtrack.SampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			deviceErr = fmt.Errorf("cannot create oto context: %w", err)
			return
		}
		<-ready
		device = ctx
	})
	return device, deviceErr
}

// Context implements jamtrack.AudioContext on top of a shared oto device.
type Context struct {
	dev *oto.Context
}

func NewContext() (*Context, error) {
	dev, err := sharedDevice()
	if err != nil {
		return nil, err
	}
	return &Context{dev: dev}, nil
}

func (c *Context) Resume() error {
	return c.dev.Resume()
}

func (c *Context) Suspend() error {
	return c.dev.Suspend()
}

// Close is per-session: outputs handed out by this context keep their own
// players and close them individually, and the shared device stays alive for
// the next context.
func (c *Context) Close() error {
	return nil
}

// Output creates a fresh audio sink. The sink feeds a pipe read by an oto
// player, so WriteAudio blocks with backpressure from the device.
func (c *Context) Output() jamtrack.AudioSink {
	pr, pw := io.Pipe()
	player := c.dev.NewPlayer(pr)
	player.Play()
	return &Output{player: player, pw: pw}
}

type Output struct {
	player *oto.Player
	pw     *io.PipeWriter
	buf    []byte
}

func (o *Output) WriteAudio(samples []float32) error {
	need := len(samples) * 4
	if cap(o.buf) < need {
		o.buf = make([]byte, need)
	}
	b := o.buf[:need]
	for i, v := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	if _, err := o.pw.Write(b); err != nil {
		return fmt.Errorf("cannot write to player: %w", err)
	}
	return nil
}

func (o *Output) Close() error {
	o.pw.Close()
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}
