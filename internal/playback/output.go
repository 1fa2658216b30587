package playback

import (
	"time"

	"github.com/lexiqai/live-tutor/internal/audio"
)

// Voice is one buffer scheduled on an Output
type Voice interface {
	// Stop halts the voice immediately, or cancels it if it has not started.
	// Stopping a finished voice is a no-op.
	Stop()
}

// Output is a clocked audio rendering context (the speaker)
type Output interface {
	// Now returns the output clock, measured from when the output started
	Now() time.Duration
	// Play schedules buf to start at the given clock time. onEnded is called
	// once when the voice finishes or is stopped; it may run on any goroutine.
	Play(buf audio.Buffer, at time.Duration, onEnded func()) (Voice, error)
	SampleRate() int
	Channels() int
}
