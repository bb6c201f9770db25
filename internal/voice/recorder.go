// Package voice captures microphone audio pushed by the browser and turns it
// into a single recording for transcription.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Timeslice is how often the capture side is asked to flush audio.
const Timeslice = 100 * time.Millisecond

// approxBytesPerSecond matches a 128 kbit/s opus stream.
const approxBytesPerSecond = 16000

var ErrNotRecording = errors.New("not recording")

// Device is a source of audio, opened once per recording.
type Device interface {
	Open(ctx context.Context, timeslice time.Duration) (Stream, error)
}

// Stream yields audio chunks until io.EOF.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	MIMEType() string
	Close() error
}

type Recording struct {
	Data     []byte
	MIMEType string
	Chunks   int
	// Duration is the measured capture time.
	Duration time.Duration
}

// ApproxDuration estimates the length from the encoded size, the way the
// browser client used to.
func (r Recording) ApproxDuration() time.Duration {
	return time.Duration(len(r.Data)) * time.Second / approxBytesPerSecond
}

// Recorder owns at most one capture at a time.
type Recorder struct {
	now func() time.Time

	mu     sync.Mutex
	active *capture
}

type capture struct {
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Start opens dev and begins buffering. A recording already in progress is
// stopped and discarded first.
func (r *Recorder) Start(ctx context.Context, dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		_, _ = r.finishLocked()
	}

	cctx, cancel := context.WithCancel(ctx)
	stream, err := dev.Open(cctx, Timeslice)
	if err != nil {
		cancel()
		return fmt.Errorf("open audio device: %w", err)
	}

	c := &capture{
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: r.now(),
	}
	r.active = c
	go c.run(cctx)
	return nil
}

func (c *capture) run(ctx context.Context) {
	defer close(c.done)
	for {
		chunk, err := c.stream.Next(ctx)
		if len(chunk) > 0 {
			c.mu.Lock()
			c.chunks = append(c.chunks, chunk)
			c.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// Done is closed when the device stops producing audio on its own. It
// returns nil when nothing is recording.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.done
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stop ends the capture, releases the device and returns what was buffered.
// A device error is returned alongside the partial recording.
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Recording{}, ErrNotRecording
	}
	return r.finishLocked()
}

func (r *Recorder) finishLocked() (Recording, error) {
	c := r.active
	r.active = nil

	elapsed := r.now().Sub(c.started)
	c.cancel()
	closeErr := c.stream.Close()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	for _, ch := range c.chunks {
		buf.Write(ch)
	}
	rec := Recording{
		Data:     buf.Bytes(),
		MIMEType: c.stream.MIMEType(),
		Chunks:   len(c.chunks),
		Duration: elapsed,
	}
	if c.err != nil {
		return rec, fmt.Errorf("capture audio: %w", c.err)
	}
	if closeErr != nil {
		return rec, fmt.Errorf("release audio device: %w", closeErr)
	}
	return rec, nil
}
