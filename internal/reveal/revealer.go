// Package reveal plays back a finished answer a few characters at a time,
// the "typing" effect shown while a response streams into the transcript.
package reveal

import (
	"math/rand/v2"
	"sync"
	"time"
)

const minStepDelay = 10 * time.Millisecond

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*Revealer)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(r *Revealer) { r.sched = s }
}

// WithRand replaces the random source; f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(r *Revealer) { r.rand = f }
}

// Revealer reveals one text at a time. Each step schedules exactly one
// follow-up; a new Start abandons whatever was in flight. Callbacks are
// never run concurrently and must not call back into the Revealer.
type Revealer struct {
	// emit is held while callbacks run, so Stop, Start and Reset wait for
	// an in-flight step and no stale update follows them.
	emit  sync.Mutex
	mu    sync.Mutex
	sched Scheduler
	rand  func() float64

	text       []rune
	pos        int
	speed      int
	streaming  bool
	gen        uint64
	timer      Timer
	onUpdate   func(string)
	onComplete func(string)
}

func New(opts ...Option) *Revealer {
	r := &Revealer{sched: realScheduler{}, rand: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins revealing text. speed scales the random per-step delay
// (rand*speed + 10ms). onUpdate receives the revealed prefix after every
// step and onComplete receives the full text exactly once.
func (r *Revealer) Start(text string, speed int, onUpdate, onComplete func(string)) {
	if speed < 0 {
		speed = 0
	}
	if onUpdate == nil {
		onUpdate = func(string) {}
	}
	if onComplete == nil {
		onComplete = func(string) {}
	}

	r.emit.Lock()
	defer r.emit.Unlock()
	r.mu.Lock()
	r.cancelLocked()
	r.text = []rune(text)
	r.pos = 0
	r.speed = speed
	r.onUpdate = onUpdate
	r.onComplete = onComplete
	if len(r.text) == 0 {
		r.mu.Unlock()
		onUpdate("")
		onComplete("")
		return
	}
	r.streaming = true
	r.scheduleLocked(r.gen)
	r.mu.Unlock()
}

// Stop reveals the remainder immediately and fires completion. It is a
// no-op when nothing is in flight.
func (r *Revealer) Stop() {
	r.emit.Lock()
	defer r.emit.Unlock()
	r.mu.Lock()
	if !r.streaming {
		r.mu.Unlock()
		return
	}
	r.cancelLocked()
	r.pos = len(r.text)
	full := string(r.text)
	onUpdate, onComplete := r.onUpdate, r.onComplete
	r.mu.Unlock()

	onUpdate(full)
	onComplete(full)
}

// Reset cancels any pending step and forgets all state without callbacks.
func (r *Revealer) Reset() {
	r.emit.Lock()
	defer r.emit.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	r.text = nil
	r.pos = 0
	r.speed = 0
	r.onUpdate = nil
	r.onComplete = nil
}

// Text returns the currently revealed prefix.
func (r *Revealer) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.text[:r.pos])
}

func (r *Revealer) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming
}

func (r *Revealer) step(gen uint64) {
	r.emit.Lock()
	defer r.emit.Unlock()
	r.mu.Lock()
	if gen != r.gen || !r.streaming {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	n := 1
	if r.rand() >= 0.5 {
		n = 2
	}
	r.pos = min(r.pos+n, len(r.text))
	revealed := string(r.text[:r.pos])
	done := r.pos == len(r.text)
	if done {
		r.streaming = false
	}
	onUpdate, onComplete := r.onUpdate, r.onComplete
	r.mu.Unlock()

	onUpdate(revealed)
	if done {
		onComplete(revealed)
		return
	}

	r.mu.Lock()
	if gen == r.gen && r.streaming {
		r.scheduleLocked(gen)
	}
	r.mu.Unlock()
}

func (r *Revealer) scheduleLocked(gen uint64) {
	delay := time.Duration(r.rand()*float64(r.speed)*float64(time.Millisecond)) + minStepDelay
	r.timer = r.sched.AfterFunc(delay, func() { r.step(gen) })
}

func (r *Revealer) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.streaming = false
}
