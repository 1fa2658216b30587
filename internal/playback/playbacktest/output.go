// Package playbacktest provides a manually clocked playback.Output for tests.
package playbacktest

import (
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/playback"
)

// ErrClosed is returned by Play after Close
var ErrClosed = errors.New("playbacktest: output closed")

// Played records one Play call
type Played struct {
	ID       int
	At       time.Duration
	Duration time.Duration
	Buffer   audio.Buffer
}

// Output is a fake speaker whose clock only moves when the test says so.
// Voices end when Advance moves the clock past their end time.
type Output struct {
	mu       sync.Mutex
	now      time.Duration
	rate     int
	channels int
	voices   []*Voice
	closed   bool

	// PlayErr, when set, is returned by every Play call
	PlayErr error
}

// NewOutput creates a fake output with the given layout
func NewOutput(rate, channels int) *Output {
	return &Output{rate: rate, channels: channels}
}

// Voice is a voice on the fake output
type Voice struct {
	out     *Output
	played  Played
	onEnded func()
	stopped bool
	ended   bool
}

// Stop stops the voice and fires onEnded once
func (v *Voice) Stop() {
	v.out.mu.Lock()
	if v.ended {
		v.out.mu.Unlock()
		return
	}
	v.ended = true
	v.stopped = true
	cb := v.onEnded
	v.out.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stopped reports whether the voice was stopped rather than played out
func (v *Voice) Stopped() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopped
}

// Now implements playback.Output
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements playback.Output
func (o *Output) SampleRate() int { return o.rate }

// Channels implements playback.Output
func (o *Output) Channels() int { return o.channels }

// Play implements playback.Output
func (o *Output) Play(buf audio.Buffer, at time.Duration, onEnded func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}

	v := &Voice{
		out: o,
		played: Played{
			ID:       len(o.voices),
			At:       at,
			Duration: buf.Duration(),
			Buffer:   buf,
		},
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward and ends every voice whose end time has passed
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var callbacks []func()
	for _, v := range o.voices {
		if v.ended {
			continue
		}
		if v.played.At+v.played.Duration <= o.now {
			v.ended = true
			if v.onEnded != nil {
				callbacks = append(callbacks, v.onEnded)
			}
		}
	}
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Set moves the clock to an absolute time without ending voices
func (o *Output) Set(now time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// Played returns every Play call so far, in order
func (o *Output) Played() []Played {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Played, len(o.voices))
	for i, v := range o.voices {
		out[i] = v.played
	}
	return out
}

// Voices returns every voice so far, in order
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.voices...)
}

// Playing returns the number of voices that have neither ended nor been stopped
func (o *Output) Playing() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, v := range o.voices {
		if !v.ended {
			n++
		}
	}
	return n
}

// Close makes further Play calls fail
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
