package playback

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
)

// Scheduler queues decoded tutor audio back-to-back on an Output.
//
// It is not safe for concurrent use: exactly one goroutine (the session loop)
// may call its methods. Voice completion is reported through the notify
// function so that the owner can call Finished from that same goroutine.
type Scheduler struct {
	out    Output
	notify func(id uint64)
	logger zerolog.Logger

	nextStart time.Duration
	live      map[uint64]Voice
	seq       uint64
}

// NewScheduler creates a scheduler on out. notify receives the id of every
// voice that ends; the owner is expected to forward it to Finished.
func NewScheduler(out Output, notify func(id uint64), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		out:    out,
		notify: notify,
		logger: logger.With().Str("component", "playback").Logger(),
		live:   make(map[uint64]Voice),
	}
}

// Schedule starts buf at max(nextStart, now) and advances the cursor by its
// duration. Buffers in a different layout than the output are converted first.
func (s *Scheduler) Schedule(buf audio.Buffer) (uint64, error) {
	if buf.Frames() == 0 {
		return 0, nil
	}

	if buf.SampleRate != s.out.SampleRate() || buf.Channels != s.out.Channels() {
		buf = buf.Convert(s.out.SampleRate(), s.out.Channels())
	}

	start := s.nextStart
	if now := s.out.Now(); now > start {
		start = now
	}

	s.seq++
	id := s.seq
	voice, err := s.out.Play(buf, start, func() {
		if s.notify != nil {
			s.notify(id)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule frame at %v: %w", start, err)
	}

	s.nextStart = start + buf.Duration()
	s.live[id] = voice

	s.logger.Debug().
		Uint64("voice_id", id).
		Dur("start", start).
		Dur("next_start", s.nextStart).
		Int("live", len(s.live)).
		Msg("Frame scheduled")

	return id, nil
}

// Finished removes a voice from the live set. Unknown ids are ignored.
func (s *Scheduler) Finished(id uint64) {
	delete(s.live, id)
}

// Interrupt stops every live voice, empties the live set and resets the
// cursor so the next frame starts at the current clock.
func (s *Scheduler) Interrupt() int {
	n := len(s.live)
	for id, voice := range s.live {
		voice.Stop()
		delete(s.live, id)
	}
	s.nextStart = 0
	return n
}

// NextStart returns the clock time at which the next frame would start
func (s *Scheduler) NextStart() time.Duration {
	return s.nextStart
}

// Live returns the number of frames scheduled or playing
func (s *Scheduler) Live() int {
	return len(s.live)
}
