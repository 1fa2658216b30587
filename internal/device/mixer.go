package device

import (
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/playback"
)

// ErrOutputClosed is returned by Play after the output was closed
var ErrOutputClosed = errors.New("audio output closed")

// mixer sums scheduled voices into device buffers. Its clock is the number
// of frames rendered so far.
type mixer struct {
	rate     int
	channels int

	mu      sync.Mutex
	written int64 // frames rendered
	voices  map[*voice]struct{}
	closed  bool
}

type voice struct {
	m       *mixer
	start   int64 // first frame on the mixer clock
	samples []float32
	frames  int64
	onEnded func()
	once    sync.Once
}

func newMixer(rate, channels int) *mixer {
	return &mixer{
		rate:     rate,
		channels: channels,
		voices:   make(map[*voice]struct{}),
	}
}

func (m *mixer) now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.written)
}

func (m *mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(m.rate)
}

// durationToFrames rounds to the nearest frame. Scheduled times are sums of
// durations truncated to whole nanoseconds.
func (m *mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (m *mixer) play(buf audio.Buffer, at time.Duration, onEnded func()) (playback.Voice, error) {
	if buf.SampleRate != m.rate || buf.Channels != m.channels {
		buf = buf.Convert(m.rate, m.channels)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrOutputClosed
	}

	v := &voice{
		m:       m,
		start:   m.durationToFrames(at),
		samples: buf.Samples,
		frames:  int64(buf.Frames()),
		onEnded: onEnded,
	}
	if v.start < m.written {
		// Late voices start at the current clock
		v.start = m.written
	}
	m.voices[v] = struct{}{}
	return v, nil
}

// render mixes the next len(out)/channels frames into out and advances the
// clock. The callbacks of voices that finished are returned for the caller
// to run outside the lock.
func (m *mixer) render(out []float32) []func() {
	for i := range out {
		out[i] = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(out) / m.channels)
	from, to := m.written, m.written+n

	var ended []func()
	for v := range m.voices {
		if v.start >= to {
			continue
		}
		first := from
		if v.start > first {
			first = v.start
		}
		last := v.start + v.frames
		if last > to {
			last = to
		}
		for f := first; f < last; f++ {
			src := (f - v.start) * int64(m.channels)
			dst := (f - from) * int64(m.channels)
			for c := int64(0); c < int64(m.channels); c++ {
				out[dst+c] += v.samples[src+c]
			}
		}
		if v.start+v.frames <= to {
			delete(m.voices, v)
			ended = append(ended, v.finish)
		}
	}

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	m.written = to
	return ended
}

// close drops every voice and returns their callbacks
func (m *mixer) close() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var ended []func()
	for v := range m.voices {
		delete(m.voices, v)
		ended = append(ended, v.finish)
	}
	return ended
}

func (m *mixer) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Stop removes the voice from the mix immediately
func (v *voice) Stop() {
	v.m.mu.Lock()
	_, ok := v.m.voices[v]
	delete(v.m.voices, v)
	v.m.mu.Unlock()

	if ok {
		v.finish()
	}
}

func (v *voice) finish() {
	v.once.Do(func() {
		if v.onEnded != nil {
			v.onEnded()
		}
	})
}
